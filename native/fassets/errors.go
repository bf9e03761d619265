package fassets

import "errors"

// IsNotFound reports whether err describes a record the engine does not know:
// an agent, ticket, reservation or redemption request.
func IsNotFound(err error) bool {
	return errors.Is(err, errAgentNotFound) ||
		errors.Is(err, errTicketNotFound) ||
		errors.Is(err, errReservationNotFound) ||
		errors.Is(err, errRedemptionNotFound)
}

// IsUnauthorized reports whether err means the caller lacks the role the
// operation requires.
func IsUnauthorized(err error) bool {
	return errors.Is(err, errOnlyAgentOwner) ||
		errors.Is(err, errNotRequestParticipant) ||
		errors.Is(err, errSelfCloseOfOtherTokens)
}

// IsConflict reports whether err is a state machine or timing violation: the
// request was well formed but the current protocol state does not admit it.
func IsConflict(err error) bool {
	for _, sentinel := range []error{
		errAgentExists,
		errAgentNotEmpty,
		errInvalidAgentStatus,
		errAgentHealthy,
		errStillUnhealthy,
		errAgentNotInLiquidation,
		errNothingToLiquidate,
		errNothingToTakeOver,
		errRedemptionProcessed,
		errRequestRejected,
		errRequestNotRejected,
		errHandshakeDisabled,
		errRejectWindowClosed,
		errTakeOverWindowClosed,
		errTakeOverWindowOpen,
		errConfirmTooEarly,
		errThirdPartySource,
		errDeadlineNotPassed,
		errAttestationWindowOpen,
		errWithdrawalNotAnnounced,
		errEmptyQueue,
		errNotEnoughFreeLots,
		errAgentFeeTooHigh,
		errInsufficientTokens,
		errInsufficientNatFunds,
		errInsufficientCollateral,
		errInsufficientMinted,
		errInsufficientDust,
		errFeeUpdateTooClose,
		errChallengeInvalid,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
