package fassets

import (
	"errors"
	"math/big"
)

var (
	errInsufficientTokens = errors.New("fassets: insufficient token balance")
	errSupplyUnderflow    = errors.New("fassets: token supply underflow")
)

// mintTokens credits newly minted FAssets and grows the recorded supply.
func (e *Engine) mintTokens(to [20]byte, amountUBA *big.Int) error {
	if amountUBA == nil || amountUBA.Sign() == 0 {
		return nil
	}
	if err := e.creditUBA(to, amountUBA); err != nil {
		return err
	}
	supply, err := e.totalSupplyUBA()
	if err != nil {
		return err
	}
	supply.Add(supply, amountUBA)
	return e.putTotalSupplyUBA(supply)
}

// burnTokens removes FAssets from the holder and shrinks the recorded supply.
func (e *Engine) burnTokens(from [20]byte, amountUBA *big.Int) error {
	if amountUBA == nil || amountUBA.Sign() == 0 {
		return nil
	}
	acc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	if acc.BalanceUBA.Cmp(amountUBA) < 0 {
		return errInsufficientTokens
	}
	acc.BalanceUBA.Sub(acc.BalanceUBA, amountUBA)
	if err := e.state.PutAccount(from[:], acc); err != nil {
		return err
	}
	supply, err := e.totalSupplyUBA()
	if err != nil {
		return err
	}
	if supply.Cmp(amountUBA) < 0 {
		return errSupplyUnderflow
	}
	supply.Sub(supply, amountUBA)
	return e.putTotalSupplyUBA(supply)
}

// Transfer moves FAssets between holders. The sender pays the transferred
// amount plus the transfer fee at the rate currently in force; the fee lands
// in the fee pool and is booked into the current epoch for later distribution
// to agents.
func (e *Engine) Transfer(from, to [20]byte, amountUBA *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	if amountUBA == nil || amountUBA.Sign() <= 0 {
		return nil, errZeroAmount
	}
	rate, err := e.currentFeeMillionths(e.now())
	if err != nil {
		return nil, err
	}
	fee := mulMillionths(amountUBA, rate)
	total := new(big.Int).Add(amountUBA, fee)

	sender, err := e.state.GetAccount(from[:])
	if err != nil {
		return nil, err
	}
	if sender.BalanceUBA.Cmp(total) < 0 {
		return nil, errInsufficientTokens
	}
	sender.BalanceUBA.Sub(sender.BalanceUBA, total)
	if err := e.state.PutAccount(from[:], sender); err != nil {
		return nil, err
	}
	if err := e.creditUBA(to, amountUBA); err != nil {
		return nil, err
	}
	if fee.Sign() > 0 {
		if err := e.creditUBA(feePoolAddress, fee); err != nil {
			return nil, err
		}
		if err := e.recordTransferFee(fee); err != nil {
			return nil, err
		}
	}
	e.emit(newTransferEvent(from, to, amountUBA, fee))
	return fee, nil
}

// BalanceOf returns the FAsset balance of the address.
func (e *Engine) BalanceOf(addr [20]byte) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	acc, err := e.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return cloneBig(acc.BalanceUBA), nil
}

// NatBalanceOf returns the native currency balance of the address.
func (e *Engine) NatBalanceOf(addr [20]byte) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	acc, err := e.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return cloneBig(acc.BalanceNatWei), nil
}

// TotalSupply returns the recorded FAsset supply.
func (e *Engine) TotalSupply() (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.totalSupplyUBA()
}
