package fassets

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"fassetd/core/events"
	"fassetd/core/types"
)

var (
	errNilState           = errors.New("fassets: state not configured")
	errNilOracle          = errors.New("fassets: price oracle not configured")
	errNilVerifier        = errors.New("fassets: proof verifier not configured")
	errAgentNotFound      = errors.New("fassets: agent not found")
	errAgentExists        = errors.New("fassets: agent already exists")
	errInvalidAgentStatus = errors.New("fassets: operation not allowed in current agent status")
	errOnlyAgentOwner     = errors.New("fassets: caller is not the agent owner")
	errZeroAmount         = errors.New("fassets: amount must be positive")
)

var (
	agentPrefix       = []byte("fassets/agent/")
	agentIndexKey     = []byte("fassets/agent/index")
	queueHeadKey      = []byte("fassets/queue")
	ticketPrefix      = []byte("fassets/queue/ticket/")
	reservationPrefix = []byte("fassets/reservation/")
	reservationSeqKey = []byte("fassets/reservation/seq")
	redemptionPrefix  = []byte("fassets/redemption/")
	redemptionSeqKey  = []byte("fassets/redemption/seq")
	redemptionDoneKey = []byte("fassets/redemption/done/")
	referencePrefix   = []byte("fassets/reference/")
	underlyingCursor  = []byte("fassets/underlying/cursor")
	tokenSupplyKey    = []byte("fassets/token/supply")
	feeTotalKey       = []byte("fassets/fee/total")
	feeConfigKey      = []byte("fassets/fee/config")
	feeEpochPrefix    = []byte("fassets/fee/epoch/")
	feeAgentPrefix    = []byte("fassets/fee/agent/")
)

// Storage abstracts the subset of state manager functionality required by the
// FAsset engine.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

// Engine drives every state transition of the FAsset core: the agent position
// ledger, the redemption ticket queue, collateral reservations, the redemption
// request state machine, liquidation and transfer-fee epoch accounting.
// Public operations execute atomically under a single mutex, matching the
// transactional one-call-at-a-time execution model of the protocol.
type Engine struct {
	mu       sync.Mutex
	state    Storage
	emitter  events.Emitter
	settings Settings
	oracle   PriceOracle
	verifier ProofVerifier
	nowFn    func() int64
}

// NewEngine constructs an engine with validated settings and a no-op emitter.
func NewEngine(settings Settings) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		settings: settings,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}, nil
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state Storage) { e.state = state }

// SetOracle configures the price feed consulted for collateral valuations.
func (e *Engine) SetOracle(oracle PriceOracle) { e.oracle = oracle }

// SetVerifier configures the attestation oracle boundary.
func (e *Engine) SetVerifier(verifier ProofVerifier) { e.verifier = verifier }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Settings returns a copy of the parameter set the engine runs with.
func (e *Engine) Settings() Settings { return e.settings }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(fassetEvent{evt: event})
}

func u64Key(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func agentKey(vault [20]byte) []byte {
	return append(append([]byte(nil), agentPrefix...), vault[:]...)
}

func referenceKey(ref [32]byte) []byte {
	return append(append([]byte(nil), referencePrefix...), ref[:]...)
}

// registerPaymentReference marks a payment reference as a legitimate outgoing
// payment of the agent, exempting it from illegal payment challenges.
func (e *Engine) registerPaymentReference(ref [32]byte) error {
	return e.state.KVPut(referenceKey(ref), true)
}

func (e *Engine) isKnownPaymentReference(ref [32]byte) (bool, error) {
	var known bool
	ok, err := e.state.KVGet(referenceKey(ref), &known)
	if err != nil {
		return false, err
	}
	return ok && known, nil
}

// nextSequence reserves and returns the next id from a monotonic counter,
// skipping forward past any colliding record. Id zero is never handed out.
func (e *Engine) nextSequence(seqKey, recordPrefix []byte) (uint64, error) {
	var next uint64
	if _, err := e.state.KVGet(seqKey, &next); err != nil {
		return 0, err
	}
	if next == 0 {
		next = 1
	}
	for {
		exists, err := e.state.KVGet(u64Key(recordPrefix, next), nil)
		if err != nil {
			return 0, err
		}
		if !exists {
			break
		}
		next++
	}
	if err := e.state.KVPut(seqKey, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

// --- agent persistence ---

func (e *Engine) loadAgent(vault [20]byte) (*Agent, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var stored storedAgent
	ok, err := e.state.KVGet(agentKey(vault), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errAgentNotFound
	}
	return fromStoredAgent(stored)
}

func (e *Engine) storeAgent(agent *Agent) error {
	if err := e.ready(); err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("fassets: nil agent")
	}
	return e.state.KVPut(agentKey(agent.Vault), toStoredAgent(agent))
}

// agentVaults returns every registered vault address in registration order.
func (e *Engine) agentVaults() ([][20]byte, error) {
	var raw [][]byte
	if err := e.state.KVGetList(agentIndexKey, &raw); err != nil {
		return nil, err
	}
	out := make([][20]byte, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 20 {
			continue
		}
		var vault [20]byte
		copy(vault[:], entry)
		out = append(out, vault)
	}
	return out, nil
}

// --- payment references ---

// Payment reference type tags, mixed into the keccak hash so minting and
// redemption references can never collide even for equal ids.
const (
	referenceTagMinting    = "fasset-minting"
	referenceTagRedemption = "fasset-redemption"
)

// MintingPaymentReference derives the unique payment reference a minter must
// attach to the underlying payment for the given collateral reservation.
func MintingPaymentReference(reservationID uint64) [32]byte {
	return paymentReference(referenceTagMinting, reservationID)
}

// RedemptionPaymentReference derives the unique payment reference an agent
// must attach to the underlying redemption payment for the given request.
func RedemptionPaymentReference(requestID uint64) [32]byte {
	return paymentReference(referenceTagRedemption, requestID)
}

func paymentReference(tag string, id uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256([]byte(tag), buf[:]))
	return out
}

// UnderlyingAddressHash returns the normalized hash form of an underlying
// chain address, matching the hashes carried by attestation proofs.
func UnderlyingAddressHash(address string) [32]byte {
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256([]byte(strings.TrimSpace(address))))
	return out
}

// --- underlying chain cursor ---

type underlyingCursorRecord struct {
	BlockNumber    uint64
	BlockTimestamp uint64
}

// UpdateCurrentUnderlyingBlock consumes a confirmed-block-height proof and
// advances the stored underlying chain cursor that anchors payment deadline
// windows. Proofs older than the stored cursor are ignored.
func (e *Engine) UpdateCurrentUnderlyingBlock(proof *BlockHeightProof) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	if e.verifier == nil {
		return errNilVerifier
	}
	if proof == nil {
		return fmt.Errorf("fassets: nil proof")
	}
	if err := e.checkProofChain(proof.ChainID); err != nil {
		return err
	}
	if err := e.checkProofAge(proof.BlockTimestamp, e.now()); err != nil {
		return err
	}
	if !e.verifier.Verify(ProofConfirmedBlockHeightExists, proof) {
		return errProofRejected
	}
	var cursor underlyingCursorRecord
	if _, err := e.state.KVGet(underlyingCursor, &cursor); err != nil {
		return err
	}
	if proof.BlockNumber <= cursor.BlockNumber {
		return nil
	}
	cursor.BlockNumber = proof.BlockNumber
	cursor.BlockTimestamp = uint64(max64(proof.BlockTimestamp, 0))
	return e.state.KVPut(underlyingCursor, cursor)
}

func (e *Engine) currentUnderlyingBlock() (underlyingCursorRecord, error) {
	var cursor underlyingCursorRecord
	if _, err := e.state.KVGet(underlyingCursor, &cursor); err != nil {
		return underlyingCursorRecord{}, err
	}
	return cursor, nil
}

// --- collateral valuation ---

// collateralData is the priced view of one collateral class for an agent.
type collateralData struct {
	class     CollateralClass
	amgPrice  AMGPrice
	fullWei   *big.Int
	announced *big.Int
}

// collateralPortfolio resolves prices for all three collateral classes of an
// agent. The result is only valid for the duration of the current operation.
func (e *Engine) collateralPortfolio(agent *Agent) ([]collateralData, error) {
	if e.oracle == nil {
		return nil, errNilOracle
	}
	assetQuote, err := e.oracle.GetPrice(e.settings.AssetSymbol)
	if err != nil {
		return nil, err
	}
	out := make([]collateralData, 0, len(e.settings.CollateralClasses))
	for _, class := range e.settings.CollateralClasses {
		tokenQuote, err := e.oracle.GetPrice(class.TokenSymbol)
		if err != nil {
			return nil, err
		}
		out = append(out, collateralData{
			class:     class,
			amgPrice:  CalcAMGPrice(e.settings, class, assetQuote.Price, assetQuote.Decimals, tokenQuote.Price, tokenQuote.Decimals),
			fullWei:   cloneBig(agent.CollateralOfClass(class.Kind)),
			announced: cloneBig(agent.AnnouncedWithdrawalOfClass(class.Kind)),
		})
	}
	return out, nil
}

// --- token supply ---

func (e *Engine) totalSupplyUBA() (*big.Int, error) {
	var raw []byte
	if _, err := e.state.KVGet(tokenSupplyKey, &raw); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (e *Engine) putTotalSupplyUBA(supply *big.Int) error {
	if supply.Sign() < 0 {
		return fmt.Errorf("fassets: token supply underflow")
	}
	return e.state.KVPut(tokenSupplyKey, supply.Bytes())
}
