package types

import "math/big"

// Account holds the native-currency and synthetic-asset balances tracked for a
// single on-chain address. BalanceNatWei is the settlement currency used for
// collateral, reservation fees and default payouts; BalanceUBA is the FAsset
// token balance denominated in underlying base units.
type Account struct {
	BalanceNatWei *big.Int
	BalanceUBA    *big.Int
}

// Ensure backfills nil balance fields so callers can mutate the account
// without nil checks.
func (a *Account) Ensure() *Account {
	if a == nil {
		return &Account{BalanceNatWei: big.NewInt(0), BalanceUBA: big.NewInt(0)}
	}
	if a.BalanceNatWei == nil {
		a.BalanceNatWei = big.NewInt(0)
	}
	if a.BalanceUBA == nil {
		a.BalanceUBA = big.NewInt(0)
	}
	return a
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{}
	if a.BalanceNatWei != nil {
		clone.BalanceNatWei = new(big.Int).Set(a.BalanceNatWei)
	}
	if a.BalanceUBA != nil {
		clone.BalanceUBA = new(big.Int).Set(a.BalanceUBA)
	}
	return clone.Ensure()
}
