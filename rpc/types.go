package rpc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"fassetd/native/fassets"
)

// Addresses travel as 0x-prefixed hex of 20 bytes; hashes and payment
// references as 0x-prefixed hex of 32 bytes. Big integer amounts travel as
// decimal strings so they survive JSON number precision limits.

func parseAddress(raw string) ([20]byte, error) {
	var out [20]byte
	cleaned := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(cleaned)
	if err != nil || len(decoded) != len(out) {
		return out, fmt.Errorf("invalid address %q", raw)
	}
	copy(out[:], decoded)
	return out, nil
}

func parseHash(raw string) ([32]byte, error) {
	var out [32]byte
	cleaned := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(cleaned)
	if err != nil || len(decoded) != len(out) {
		return out, fmt.Errorf("invalid hash %q", raw)
	}
	copy(out[:], decoded)
	return out, nil
}

// parseAmount accepts a decimal string and rejects negatives; empty means
// zero.
func parseAmount(raw string) (*big.Int, error) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(cleaned, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func hexAddress(addr [20]byte) string { return "0x" + hex.EncodeToString(addr[:]) }
func hexHash(hash [32]byte) string    { return "0x" + hex.EncodeToString(hash[:]) }

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// --- wire views ---

type agentView struct {
	Vault                 string           `json:"vault"`
	Owner                 string           `json:"owner"`
	UnderlyingAddress     string           `json:"underlyingAddress"`
	Status                string           `json:"status"`
	ReservedAMG           uint64           `json:"reservedAMG"`
	MintedAMG             uint64           `json:"mintedAMG"`
	RedeemingAMG          uint64           `json:"redeemingAMG"`
	PoolRedeemingAMG      uint64           `json:"poolRedeemingAMG"`
	DustAMG               uint64           `json:"dustAMG"`
	FreeUnderlyingUBA     string           `json:"freeUnderlyingUBA"`
	FeeBIPS               uint32           `json:"feeBIPS"`
	PoolFeeShareBIPS      uint32           `json:"poolFeeShareBIPS"`
	FreeCollateralLots    uint64           `json:"freeCollateralLots"`
	Collaterals           []collateralView `json:"collaterals"`
	CCBStartedAt          int64            `json:"ccbStartedAt,omitempty"`
	LiquidationStartedAt  int64            `json:"liquidationStartedAt,omitempty"`
}

type collateralView struct {
	Kind                   string `json:"kind"`
	TokenSymbol            string `json:"tokenSymbol"`
	FullWei                string `json:"fullWei"`
	FreeWei                string `json:"freeWei"`
	CollateralRatioBIPS    uint64 `json:"collateralRatioBIPS"`
	MinCollateralRatioBIPS uint32 `json:"minCollateralRatioBIPS"`
}

func newAgentView(info *fassets.AgentInfo) agentView {
	agent := info.Agent
	view := agentView{
		Vault:                hexAddress(agent.Vault),
		Owner:                hexAddress(agent.Owner),
		UnderlyingAddress:    agent.UnderlyingAddress,
		Status:               agent.Status.String(),
		ReservedAMG:          agent.ReservedAMG,
		MintedAMG:            agent.MintedAMG,
		RedeemingAMG:         agent.RedeemingAMG,
		PoolRedeemingAMG:     agent.PoolRedeemingAMG,
		DustAMG:              agent.DustAMG,
		FreeUnderlyingUBA:    bigString(agent.UnderlyingFreeBalanceUBA),
		FeeBIPS:              agent.FeeBIPS,
		PoolFeeShareBIPS:     agent.PoolFeeShareBIPS,
		FreeCollateralLots:   info.FreeLots,
		CCBStartedAt:         agent.CCBStartedAt,
		LiquidationStartedAt: agent.LiquidationStartedAt,
	}
	for _, c := range info.Collaterals {
		view.Collaterals = append(view.Collaterals, collateralView{
			Kind:                   c.Kind.String(),
			TokenSymbol:            c.TokenSymbol,
			FullWei:                bigString(c.FullWei),
			FreeWei:                bigString(c.FreeWei),
			CollateralRatioBIPS:    c.CollateralRatioBIPS,
			MinCollateralRatioBIPS: c.MinCollateralRatioBIPS,
		})
	}
	return view
}

type ticketView struct {
	ID         uint64 `json:"id"`
	AgentVault string `json:"agentVault"`
	ValueAMG   uint64 `json:"valueAMG"`
}

type reservationView struct {
	ID                      uint64 `json:"id"`
	AgentVault              string `json:"agentVault"`
	Minter                  string `json:"minter"`
	ValueAMG                uint64 `json:"valueAMG"`
	FeeUBA                  string `json:"feeUBA"`
	ReservationFeeNatWei    string `json:"reservationFeeNatWei"`
	PaymentAddress          string `json:"paymentAddress"`
	PaymentReference        string `json:"paymentReference"`
	LastUnderlyingBlock     uint64 `json:"lastUnderlyingBlock"`
	LastUnderlyingTimestamp int64  `json:"lastUnderlyingTimestamp"`
	CreatedAt               int64  `json:"createdAt"`
}

func newReservationView(cr *fassets.CollateralReservation) reservationView {
	return reservationView{
		ID:                      cr.ID,
		AgentVault:              hexAddress(cr.AgentVault),
		Minter:                  hexAddress(cr.Minter),
		ValueAMG:                cr.ValueAMG,
		FeeUBA:                  bigString(cr.FeeUBA),
		ReservationFeeNatWei:    bigString(cr.ReservationFeeNatWei),
		PaymentAddress:          cr.PaymentAddress,
		PaymentReference:        hexHash(cr.PaymentReference),
		LastUnderlyingBlock:     cr.LastUnderlyingBlock,
		LastUnderlyingTimestamp: cr.LastUnderlyingTimestamp,
		CreatedAt:               cr.CreatedAt,
	}
}

type redemptionView struct {
	ID                      uint64 `json:"id"`
	AgentVault              string `json:"agentVault"`
	Redeemer                string `json:"redeemer"`
	ValueAMG                uint64 `json:"valueAMG"`
	ValueUBA                string `json:"valueUBA"`
	FeeUBA                  string `json:"feeUBA"`
	PaymentAddress          string `json:"paymentAddress"`
	PaymentReference        string `json:"paymentReference"`
	LastUnderlyingBlock     uint64 `json:"lastUnderlyingBlock"`
	LastUnderlyingTimestamp int64  `json:"lastUnderlyingTimestamp"`
	Status                  string `json:"status"`
	CreatedAt               int64  `json:"createdAt"`
}

func newRedemptionView(req *fassets.RedemptionRequest, settings fassets.Settings) redemptionView {
	return redemptionView{
		ID:                      req.ID,
		AgentVault:              hexAddress(req.AgentVault),
		Redeemer:                hexAddress(req.Redeemer),
		ValueAMG:                req.ValueAMG,
		ValueUBA:                bigString(req.ValueUBA(settings)),
		FeeUBA:                  bigString(req.FeeUBA),
		PaymentAddress:          req.PaymentAddress,
		PaymentReference:        hexHash(req.PaymentReference),
		LastUnderlyingBlock:     req.LastUnderlyingBlock,
		LastUnderlyingTimestamp: req.LastUnderlyingTimestamp,
		Status:                  req.Status.String(),
		CreatedAt:               req.CreatedAt,
	}
}

// --- proof payloads ---

type paymentProofBody struct {
	ChainID              string `json:"chainId"`
	TransactionHash      string `json:"transactionHash"`
	BlockNumber          uint64 `json:"blockNumber"`
	BlockTimestamp       int64  `json:"blockTimestamp"`
	SourceAddressHash    string `json:"sourceAddressHash"`
	ReceivingAddressHash string `json:"receivingAddressHash"`
	SpentAmountUBA       string `json:"spentAmountUBA"`
	ReceivedAmountUBA    string `json:"receivedAmountUBA"`
	PaymentReference     string `json:"paymentReference"`
	Status               uint8  `json:"status"`
}

func (b paymentProofBody) decode() (*fassets.PaymentProof, error) {
	txHash, err := parseHash(b.TransactionHash)
	if err != nil {
		return nil, err
	}
	source, err := parseHash(b.SourceAddressHash)
	if err != nil {
		return nil, err
	}
	receiving, err := parseHash(b.ReceivingAddressHash)
	if err != nil {
		return nil, err
	}
	reference, err := parseHash(b.PaymentReference)
	if err != nil {
		return nil, err
	}
	spent, err := parseAmount(b.SpentAmountUBA)
	if err != nil {
		return nil, err
	}
	received, err := parseAmount(b.ReceivedAmountUBA)
	if err != nil {
		return nil, err
	}
	return &fassets.PaymentProof{
		ChainID:              b.ChainID,
		TransactionHash:      txHash,
		BlockNumber:          b.BlockNumber,
		BlockTimestamp:       b.BlockTimestamp,
		SourceAddressHash:    source,
		ReceivingAddressHash: receiving,
		SpentAmountUBA:       spent,
		ReceivedAmountUBA:    received,
		PaymentReference:     reference,
		Status:               b.Status,
	}, nil
}

type nonexistenceProofBody struct {
	ChainID                     string `json:"chainId"`
	DeadlineBlockNumber         uint64 `json:"deadlineBlockNumber"`
	DeadlineTimestamp           int64  `json:"deadlineTimestamp"`
	DestinationAddressHash      string `json:"destinationAddressHash"`
	AmountUBA                   string `json:"amountUBA"`
	PaymentReference            string `json:"paymentReference"`
	FirstOverflowBlockNumber    uint64 `json:"firstOverflowBlockNumber"`
	FirstOverflowBlockTimestamp int64  `json:"firstOverflowBlockTimestamp"`
}

func (b nonexistenceProofBody) decode() (*fassets.NonexistenceProof, error) {
	destination, err := parseHash(b.DestinationAddressHash)
	if err != nil {
		return nil, err
	}
	reference, err := parseHash(b.PaymentReference)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(b.AmountUBA)
	if err != nil {
		return nil, err
	}
	return &fassets.NonexistenceProof{
		ChainID:                     b.ChainID,
		DeadlineBlockNumber:         b.DeadlineBlockNumber,
		DeadlineTimestamp:           b.DeadlineTimestamp,
		DestinationAddressHash:      destination,
		AmountUBA:                   amount,
		PaymentReference:            reference,
		FirstOverflowBlockNumber:    b.FirstOverflowBlockNumber,
		FirstOverflowBlockTimestamp: b.FirstOverflowBlockTimestamp,
	}, nil
}

type addressProofBody struct {
	ChainID             string `json:"chainId"`
	Address             string `json:"address"`
	IsValid             bool   `json:"isValid"`
	StandardAddressHash string `json:"standardAddressHash"`
}

func (b addressProofBody) decode() (*fassets.AddressValidityProof, error) {
	hash, err := parseHash(b.StandardAddressHash)
	if err != nil {
		return nil, err
	}
	return &fassets.AddressValidityProof{
		ChainID:             b.ChainID,
		Address:             b.Address,
		IsValid:             b.IsValid,
		StandardAddressHash: hash,
	}, nil
}

type balanceDecreasingProofBody struct {
	ChainID           string `json:"chainId"`
	TransactionHash   string `json:"transactionHash"`
	BlockTimestamp    int64  `json:"blockTimestamp"`
	SourceAddressHash string `json:"sourceAddressHash"`
	SpentAmountUBA    string `json:"spentAmountUBA"`
	PaymentReference  string `json:"paymentReference"`
}

func (b balanceDecreasingProofBody) decode() (*fassets.BalanceDecreasingProof, error) {
	txHash, err := parseHash(b.TransactionHash)
	if err != nil {
		return nil, err
	}
	source, err := parseHash(b.SourceAddressHash)
	if err != nil {
		return nil, err
	}
	reference, err := parseHash(b.PaymentReference)
	if err != nil {
		return nil, err
	}
	spent, err := parseAmount(b.SpentAmountUBA)
	if err != nil {
		return nil, err
	}
	return &fassets.BalanceDecreasingProof{
		ChainID:           b.ChainID,
		TransactionHash:   txHash,
		BlockTimestamp:    b.BlockTimestamp,
		SourceAddressHash: source,
		SpentAmountUBA:    spent,
		PaymentReference:  reference,
	}, nil
}

type blockHeightProofBody struct {
	ChainID        string `json:"chainId"`
	BlockNumber    uint64 `json:"blockNumber"`
	BlockTimestamp int64  `json:"blockTimestamp"`
}

func (b blockHeightProofBody) decode() *fassets.BlockHeightProof {
	return &fassets.BlockHeightProof{
		ChainID:        b.ChainID,
		BlockNumber:    b.BlockNumber,
		BlockTimestamp: b.BlockTimestamp,
	}
}
