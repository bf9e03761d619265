package fassets

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"fassetd/core/types"
)

// Event types emitted by the engine.
const (
	EventTypeAgentCreated           = "fassets.agent.created"
	EventTypeAgentDestroyed         = "fassets.agent.destroyed"
	EventTypeCollateralDeposited    = "fassets.collateral.deposited"
	EventTypeCollateralWithdrawn    = "fassets.collateral.withdrawn"
	EventTypeUnderlyingToppedUp     = "fassets.underlying.toppedUp"
	EventTypeDustChanged            = "fassets.dust.changed"
	EventTypeTicketCreated          = "fassets.ticket.created"
	EventTypeTicketDeleted          = "fassets.ticket.deleted"
	EventTypeCollateralReserved     = "fassets.minting.reserved"
	EventTypeMintingExecuted        = "fassets.minting.executed"
	EventTypeMintingDefaulted       = "fassets.minting.defaulted"
	EventTypeRedemptionRequested    = "fassets.redemption.requested"
	EventTypeRedemptionPerformed    = "fassets.redemption.performed"
	EventTypeRedemptionFailed       = "fassets.redemption.failed"
	EventTypeRedemptionDefaulted    = "fassets.redemption.defaulted"
	EventTypeRedemptionRejected     = "fassets.redemption.rejected"
	EventTypeRedemptionTakenOver    = "fassets.redemption.takenOver"
	EventTypeSelfClosed             = "fassets.redemption.selfClosed"
	EventTypeCCBEntered             = "fassets.liquidation.ccb"
	EventTypeLiquidationStarted     = "fassets.liquidation.started"
	EventTypeFullLiquidationStarted = "fassets.liquidation.full"
	EventTypeLiquidationEnded       = "fassets.liquidation.ended"
	EventTypeLiquidationPerformed   = "fassets.liquidation.performed"
	EventTypeTransfer               = "fassets.token.transfer"
	EventTypeFeeUpdateScheduled     = "fassets.fee.updateScheduled"
	EventTypeFeesClaimed            = "fassets.fee.claimed"
)

// fassetEvent adapts a types.Event to the emitter interfaces.
type fassetEvent struct {
	evt *types.Event
}

func (f fassetEvent) EventType() string {
	if f.evt == nil {
		return ""
	}
	return f.evt.Type
}

func (f fassetEvent) Event() *types.Event { return f.evt }

func attrAddr(addr [20]byte) string { return "0x" + hex.EncodeToString(addr[:]) }

func attrBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func attrU64(v uint64) string { return strconv.FormatUint(v, 10) }

func newAgentEvent(eventType string, agent *Agent) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"agentVault":        attrAddr(agent.Vault),
			"owner":             attrAddr(agent.Owner),
			"underlyingAddress": agent.UnderlyingAddress,
			"status":            agent.Status.String(),
		},
	}
}

func newCollateralEvent(eventType string, agent *Agent, kind CollateralKind, amountWei *big.Int) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"agentVault": attrAddr(agent.Vault),
			"collateral": kind.String(),
			"amountWei":  attrBig(amountWei),
		},
	}
}

func newUnderlyingEvent(eventType string, agent *Agent, amountUBA *big.Int) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"agentVault":     attrAddr(agent.Vault),
			"amountUBA":      attrBig(amountUBA),
			"freeBalanceUBA": attrBig(agent.UnderlyingFreeBalanceUBA),
		},
	}
}

func newDustEvent(agent *Agent) *types.Event {
	return &types.Event{
		Type: EventTypeDustChanged,
		Attributes: map[string]string{
			"agentVault": attrAddr(agent.Vault),
			"dustAMG":    attrU64(agent.DustAMG),
		},
	}
}

func newTicketEvent(eventType string, ticket *RedemptionTicket) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"ticketID":   attrU64(ticket.ID),
			"agentVault": attrAddr(ticket.AgentVault),
			"valueAMG":   attrU64(ticket.ValueAMG),
		},
	}
}

func newReservationEvent(eventType string, cr *CollateralReservation) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"reservationID": attrU64(cr.ID),
			"agentVault":    attrAddr(cr.AgentVault),
			"minter":        attrAddr(cr.Minter),
			"valueAMG":      attrU64(cr.ValueAMG),
		},
	}
}

func newMintingEvent(eventType string, cr *CollateralReservation, receivedUBA *big.Int) *types.Event {
	evt := newReservationEvent(eventType, cr)
	evt.Attributes["receivedUBA"] = attrBig(receivedUBA)
	return evt
}

func newRedemptionEvent(eventType string, request *RedemptionRequest) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"requestID":  attrU64(request.ID),
			"agentVault": attrAddr(request.AgentVault),
			"redeemer":   attrAddr(request.Redeemer),
			"valueAMG":   attrU64(request.ValueAMG),
			"feeUBA":     attrBig(request.FeeUBA),
		},
	}
}

func newSelfCloseEvent(agent *Agent, closedUBA *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeSelfClosed,
		Attributes: map[string]string{
			"agentVault": attrAddr(agent.Vault),
			"closedUBA":  attrBig(closedUBA),
		},
	}
}

func newLiquidationEvent(eventType string, agent *Agent) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"agentVault": attrAddr(agent.Vault),
			"status":     agent.Status.String(),
		},
	}
}

func newLiquidationPayoutEvent(agent *Agent, liquidatedUBA, vaultPayoutWei, poolPayoutWei *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeLiquidationPerformed,
		Attributes: map[string]string{
			"agentVault":     attrAddr(agent.Vault),
			"liquidatedUBA":  attrBig(liquidatedUBA),
			"vaultPayoutWei": attrBig(vaultPayoutWei),
			"poolPayoutWei":  attrBig(poolPayoutWei),
		},
	}
}

func newTransferEvent(from, to [20]byte, amountUBA, feeUBA *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeTransfer,
		Attributes: map[string]string{
			"from":      attrAddr(from),
			"to":        attrAddr(to),
			"amountUBA": attrBig(amountUBA),
			"feeUBA":    attrBig(feeUBA),
		},
	}
}

func newFeeUpdateEvent(millionths uint32, effectiveTs int64) *types.Event {
	return &types.Event{
		Type: EventTypeFeeUpdateScheduled,
		Attributes: map[string]string{
			"millionths":  strconv.FormatUint(uint64(millionths), 10),
			"effectiveTs": strconv.FormatInt(effectiveTs, 10),
		},
	}
}

func newFeeClaimEvent(agent *Agent, claimedUBA *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeFeesClaimed,
		Attributes: map[string]string{
			"agentVault": attrAddr(agent.Vault),
			"claimedUBA": attrBig(claimedUBA),
		},
	}
}
