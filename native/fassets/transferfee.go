package fassets

import (
	"errors"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	errFeeUpdateTooClose = errors.New("fassets: fee update too close to previous update")
	errFeeRateTooHigh    = errors.New("fassets: fee rate above the millionths scale")
)

// feePoolAddress holds transfer fees between collection and claim. It is a
// plain account with no private key behind it.
var feePoolAddress = func() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("fassets/fee/pool")))
	return addr
}()

// Minted backing is tracked per transfer-fee epoch as a time-weighted
// integral: every change to an agent's minted amount first banks
// elapsed*minted into the epoch buckets it spans. An agent's claimable share
// of an epoch's fees is its bucket over the global bucket.

type storedAgentFeeTracker struct {
	LastTs uint64
}

type storedTotalFeeTracker struct {
	LastTs    uint64
	MintedAMG uint64
}

type storedFeeEpoch struct {
	TotalWeight  []byte
	TotalFeesUBA []byte
}

type storedFeeUpdate struct {
	EffectiveTs uint64
	Millionths  uint32
}

type storedFeeSchedule struct {
	Updates []storedFeeUpdate
}

func agentFeeTrackerKey(vault [20]byte) []byte {
	return append(append([]byte(nil), feeAgentPrefix...), vault[:]...)
}

func agentFeeEpochKey(vault [20]byte, epoch uint64) []byte {
	return u64Key(append(append([]byte(nil), feeAgentPrefix...), vault[:]...), epoch)
}

// epochOf maps a timestamp to its transfer-fee epoch index. Timestamps before
// the first epoch start count as epoch zero.
func (e *Engine) epochOf(ts int64) uint64 {
	first := e.settings.TransferFeeFirstEpochStartTs
	if ts <= first {
		return 0
	}
	return uint64(ts-first) / e.settings.TransferFeeEpochDurationSeconds
}

func (e *Engine) epochEnd(epoch uint64) int64 {
	duration := e.settings.TransferFeeEpochDurationSeconds
	return e.settings.TransferFeeFirstEpochStartTs + int64((epoch+1)*duration)
}

func (e *Engine) loadFeeEpoch(epoch uint64) (storedFeeEpoch, error) {
	var record storedFeeEpoch
	if _, err := e.state.KVGet(u64Key(feeEpochPrefix, epoch), &record); err != nil {
		return storedFeeEpoch{}, err
	}
	return record, nil
}

func (e *Engine) storeFeeEpoch(epoch uint64, record storedFeeEpoch) error {
	return e.state.KVPut(u64Key(feeEpochPrefix, epoch), record)
}

// accrueWeight spreads weight*(to-from) across the epochs the interval spans,
// calling add once per touched epoch with that epoch's share.
func (e *Engine) accrueWeight(weightAMG uint64, from, to int64, add func(epoch uint64, delta *big.Int) error) error {
	if weightAMG == 0 || to <= from {
		return nil
	}
	if first := e.settings.TransferFeeFirstEpochStartTs; from < first {
		from = first
		if to <= from {
			return nil
		}
	}
	weight := new(big.Int).SetUint64(weightAMG)
	for epoch := e.epochOf(from); from < to; epoch++ {
		segmentEnd := e.epochEnd(epoch)
		if segmentEnd > to {
			segmentEnd = to
		}
		delta := new(big.Int).Mul(weight, big.NewInt(segmentEnd-from))
		if err := add(epoch, delta); err != nil {
			return err
		}
		from = segmentEnd
	}
	return nil
}

// settleAgentFeeLocked banks the agent's minted backing for the time since
// its last settlement into the per-agent epoch buckets.
func (e *Engine) settleAgentFeeLocked(agent *Agent, now int64) error {
	var tracker storedAgentFeeTracker
	ok, err := e.state.KVGet(agentFeeTrackerKey(agent.Vault), &tracker)
	if err != nil {
		return err
	}
	if ok {
		err = e.accrueWeight(agent.MintedAMG, int64(tracker.LastTs), now, func(epoch uint64, delta *big.Int) error {
			var raw []byte
			if _, err := e.state.KVGet(agentFeeEpochKey(agent.Vault, epoch), &raw); err != nil {
				return err
			}
			sum := new(big.Int).SetBytes(raw)
			sum.Add(sum, delta)
			return e.state.KVPut(agentFeeEpochKey(agent.Vault, epoch), sum.Bytes())
		})
		if err != nil {
			return err
		}
	}
	tracker.LastTs = uint64(max64(now, 0))
	return e.state.KVPut(agentFeeTrackerKey(agent.Vault), tracker)
}

// settleTotalFeeLocked banks the global minted backing the same way and
// applies the pending minted delta to the global counter.
func (e *Engine) settleTotalFeeLocked(now int64, oldMinted, newMinted uint64) error {
	var tracker storedTotalFeeTracker
	ok, err := e.state.KVGet(feeTotalKey, &tracker)
	if err != nil {
		return err
	}
	if ok {
		err = e.accrueWeight(tracker.MintedAMG, int64(tracker.LastTs), now, func(epoch uint64, delta *big.Int) error {
			record, err := e.loadFeeEpoch(epoch)
			if err != nil {
				return err
			}
			sum := new(big.Int).SetBytes(record.TotalWeight)
			sum.Add(sum, delta)
			record.TotalWeight = sum.Bytes()
			return e.storeFeeEpoch(epoch, record)
		})
		if err != nil {
			return err
		}
	}
	tracker.LastTs = uint64(max64(now, 0))
	tracker.MintedAMG += newMinted
	tracker.MintedAMG -= oldMinted
	return e.state.KVPut(feeTotalKey, tracker)
}

// trackMintedChange is the hook every minted mutation goes through before the
// counter changes: it settles the time-weighted integrals at the old value so
// the new value only counts from now on.
func (e *Engine) trackMintedChange(agent *Agent, newMintedAMG uint64) error {
	now := e.now()
	if err := e.settleAgentFeeLocked(agent, now); err != nil {
		return err
	}
	return e.settleTotalFeeLocked(now, agent.MintedAMG, newMintedAMG)
}

// recordTransferFee books a collected fee into the current epoch's pot.
func (e *Engine) recordTransferFee(feeUBA *big.Int) error {
	if feeUBA == nil || feeUBA.Sign() == 0 {
		return nil
	}
	epoch := e.epochOf(e.now())
	record, err := e.loadFeeEpoch(epoch)
	if err != nil {
		return err
	}
	sum := new(big.Int).SetBytes(record.TotalFeesUBA)
	sum.Add(sum, feeUBA)
	record.TotalFeesUBA = sum.Bytes()
	return e.storeFeeEpoch(epoch, record)
}

func (e *Engine) loadFeeSchedule() (storedFeeSchedule, error) {
	var schedule storedFeeSchedule
	if _, err := e.state.KVGet(feeConfigKey, &schedule); err != nil {
		return storedFeeSchedule{}, err
	}
	return schedule, nil
}

// currentFeeMillionths resolves the fee rate in force at ts: the last
// scheduled update that already took effect, or the configured default when
// none has.
func (e *Engine) currentFeeMillionths(ts int64) (uint32, error) {
	schedule, err := e.loadFeeSchedule()
	if err != nil {
		return 0, err
	}
	rate := e.settings.TransferFeeMillionths
	for _, update := range schedule.Updates {
		if int64(update.EffectiveTs) <= ts {
			rate = update.Millionths
		}
	}
	return rate, nil
}

// CurrentTransferFeeMillionths returns the transfer fee rate currently in
// force.
func (e *Engine) CurrentTransferFeeMillionths() (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.currentFeeMillionths(e.now())
}

// ScheduleTransferFeeUpdate schedules a fee rate change. A timestamp in the
// past (or zero) takes effect immediately; updates spaced closer than the
// configured minimum interval are rejected so the rate cannot flap within an
// epoch.
func (e *Engine) ScheduleTransferFeeUpdate(millionths uint32, effectiveTs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	if millionths > FeeMillionthsScale {
		return errFeeRateTooHigh
	}
	now := e.now()
	if effectiveTs <= now {
		effectiveTs = now
	}
	schedule, err := e.loadFeeSchedule()
	if err != nil {
		return err
	}
	if n := len(schedule.Updates); n > 0 {
		last := int64(schedule.Updates[n-1].EffectiveTs)
		if effectiveTs < last+int64(e.settings.TransferFeeUpdateMinIntervalSeconds) {
			return errFeeUpdateTooClose
		}
	}
	schedule.Updates = append(schedule.Updates, storedFeeUpdate{
		EffectiveTs: uint64(effectiveTs),
		Millionths:  millionths,
	})
	if err := e.state.KVPut(feeConfigKey, schedule); err != nil {
		return err
	}
	e.emit(newFeeUpdateEvent(millionths, effectiveTs))
	return nil
}

// ClaimTransferFees pays out the agent's share of every completed, unexpired
// epoch: share = epoch fees * agent weight / total weight. The pool's portion
// of the claim goes to the collateral pool's token account, the rest to the
// agent owner. Claimed buckets are deleted, so claiming twice yields zero.
func (e *Engine) ClaimTransferFees(caller, vault [20]byte) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	if agent.Owner != caller {
		return nil, errOnlyAgentOwner
	}
	now := e.now()
	if err := e.settleAgentFeeLocked(agent, now); err != nil {
		return nil, err
	}
	if err := e.settleTotalFeeLocked(now, agent.MintedAMG, agent.MintedAMG); err != nil {
		return nil, err
	}

	currentEpoch := e.epochOf(now)
	firstClaimable := uint64(0)
	if maxUnexpired := e.settings.TransferFeeClaimMaxUnexpiredEpochs; currentEpoch > maxUnexpired {
		firstClaimable = currentEpoch - maxUnexpired
	}
	claimed := big.NewInt(0)
	for epoch := firstClaimable; epoch < currentEpoch; epoch++ {
		var raw []byte
		ok, err := e.state.KVGet(agentFeeEpochKey(vault, epoch), &raw)
		if err != nil {
			return nil, err
		}
		if !ok || len(raw) == 0 {
			continue
		}
		record, err := e.loadFeeEpoch(epoch)
		if err != nil {
			return nil, err
		}
		totalWeight := new(big.Int).SetBytes(record.TotalWeight)
		if totalWeight.Sign() > 0 {
			share := new(big.Int).SetBytes(record.TotalFeesUBA)
			share.Mul(share, new(big.Int).SetBytes(raw))
			share.Quo(share, totalWeight)
			claimed.Add(claimed, share)
		}
		if err := e.state.KVDelete(agentFeeEpochKey(vault, epoch)); err != nil {
			return nil, err
		}
	}
	if claimed.Sign() == 0 {
		return claimed, nil
	}

	pool, err := e.state.GetAccount(feePoolAddress[:])
	if err != nil {
		return nil, err
	}
	if claimed.Cmp(pool.BalanceUBA) > 0 {
		claimed = cloneBig(pool.BalanceUBA)
	}
	pool.BalanceUBA.Sub(pool.BalanceUBA, claimed)
	if err := e.state.PutAccount(feePoolAddress[:], pool); err != nil {
		return nil, err
	}
	poolShare := mulBIPS(claimed, agent.PoolFeeShareBIPS)
	ownerShare := new(big.Int).Sub(claimed, poolShare)
	if err := e.creditUBA(vault, poolShare); err != nil {
		return nil, err
	}
	if err := e.creditUBA(agent.Owner, ownerShare); err != nil {
		return nil, err
	}
	e.emit(newFeeClaimEvent(agent, claimed))
	return claimed, nil
}

func (e *Engine) creditUBA(to [20]byte, amountUBA *big.Int) error {
	if amountUBA == nil || amountUBA.Sign() == 0 {
		return nil
	}
	acc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	acc.BalanceUBA.Add(acc.BalanceUBA, amountUBA)
	return e.state.PutAccount(to[:], acc)
}
