package fassets

import (
	"errors"
	"math/big"
	"strings"
)

// ProofKind identifies the attestation type carried by a proof record.
type ProofKind uint8

const (
	ProofPayment ProofKind = iota
	ProofBalanceDecreasingTransaction
	ProofAddressValidity
	ProofReferencedPaymentNonexistence
	ProofConfirmedBlockHeightExists
)

func (k ProofKind) String() string {
	switch k {
	case ProofPayment:
		return "Payment"
	case ProofBalanceDecreasingTransaction:
		return "BalanceDecreasingTransaction"
	case ProofAddressValidity:
		return "AddressValidity"
	case ProofReferencedPaymentNonexistence:
		return "ReferencedPaymentNonexistence"
	case ProofConfirmedBlockHeightExists:
		return "ConfirmedBlockHeightExists"
	default:
		return "Unknown"
	}
}

// Payment status codes reported by the attestation oracle.
const (
	PaymentStatusSuccess uint8 = 0
	PaymentStatusFailed  uint8 = 1
	PaymentStatusBlocked uint8 = 2
)

// PaymentProof attests that a transaction happened on the underlying chain.
type PaymentProof struct {
	ChainID              string
	TransactionHash      [32]byte
	BlockNumber          uint64
	BlockTimestamp       int64
	SourceAddressHash    [32]byte
	ReceivingAddressHash [32]byte
	SpentAmountUBA       *big.Int
	ReceivedAmountUBA    *big.Int
	PaymentReference     [32]byte
	Status               uint8
}

// BalanceDecreasingProof attests that a transaction decreased the balance of
// an address on the underlying chain. Used for illegal-payment challenges.
type BalanceDecreasingProof struct {
	ChainID           string
	TransactionHash   [32]byte
	BlockTimestamp    int64
	SourceAddressHash [32]byte
	SpentAmountUBA    *big.Int
	PaymentReference  [32]byte
}

// AddressValidityProof attests that a string is a syntactically valid address
// on the underlying chain.
type AddressValidityProof struct {
	ChainID             string
	Address             string
	IsValid             bool
	StandardAddressHash [32]byte
}

// NonexistenceProof attests that no payment carrying the reference and at
// least the given amount reached the destination before the deadline.
type NonexistenceProof struct {
	ChainID                     string
	DeadlineBlockNumber         uint64
	DeadlineTimestamp           int64
	DestinationAddressHash      [32]byte
	AmountUBA                   *big.Int
	PaymentReference            [32]byte
	FirstOverflowBlockNumber    uint64
	FirstOverflowBlockTimestamp int64
}

// BlockHeightProof attests a confirmed block height on the underlying chain,
// anchoring the payment deadline windows for new reservations and requests.
type BlockHeightProof struct {
	ChainID        string
	BlockNumber    uint64
	BlockTimestamp int64
}

// ProofVerifier is the trusted attestation oracle boundary: it answers
// whether a normalized proof record is backed by a valid attestation. Field
// level checks (reference, addresses, amounts, deadlines) stay in the engine.
type ProofVerifier interface {
	Verify(kind ProofKind, proof any) bool
}

var (
	errProofRejected   = errors.New("fassets: attestation verification failed")
	errProofWrongChain = errors.New("fassets: proof is for a different chain")
	errProofStale      = errors.New("fassets: proof is too old")
)

func (e *Engine) checkProofChain(chainID string) error {
	if !strings.EqualFold(strings.TrimSpace(chainID), e.settings.SourceChainID) {
		return errProofWrongChain
	}
	return nil
}

func (e *Engine) checkProofAge(blockTimestamp, now int64) error {
	if blockTimestamp <= 0 {
		return errProofStale
	}
	if now-blockTimestamp > int64(e.settings.MaxProofAgeSeconds) {
		return errProofStale
	}
	return nil
}
