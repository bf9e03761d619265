package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"fassetd/core/types"
	"fassetd/storage"
)

var kvPrefix = []byte("kv/")

var accountPrefix = []byte("account/")

// Manager provides the typed key-value view over the raw database that the
// protocol engines operate against. Values are RLP encoded and keys are
// keccak256 hashed so arbitrary-length keys map onto fixed-size storage slots.
type Manager struct {
	db storage.Database
}

// NewManager wraps the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(kvPrefix, key)
}

func accountKey(addr []byte) []byte {
	return ethcrypto.Keccak256(accountPrefix, addr)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(kvKey(key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under the supplied key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.db.Delete(kvKey(key))
}

// KVAppend appends the provided value to the RLP-encoded byte slice list
// stored under the supplied key. Duplicate values are ignored to keep indexes
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	var list [][]byte
	data, err := m.db.Get(hashed)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.db.Put(hashed, encoded)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(kvKey(key))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

type storedAccount struct {
	BalanceNatWei []byte
	BalanceUBA    []byte
}

// GetAccount loads the account record for the address, returning an empty
// account when none exists yet.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("state: address must not be empty")
	}
	data, err := m.db.Get(accountKey(addr))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return (&types.Account{}).Ensure(), nil
		}
		return nil, err
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	acc := (&types.Account{}).Ensure()
	acc.BalanceNatWei.SetBytes(stored.BalanceNatWei)
	acc.BalanceUBA.SetBytes(stored.BalanceUBA)
	return acc, nil
}

// PutAccount persists the account record for the address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("state: address must not be empty")
	}
	acc := account.Ensure()
	if acc.BalanceNatWei.Sign() < 0 || acc.BalanceUBA.Sign() < 0 {
		return fmt.Errorf("state: account balance must not be negative")
	}
	stored := storedAccount{
		BalanceNatWei: acc.BalanceNatWei.Bytes(),
		BalanceUBA:    acc.BalanceUBA.Bytes(),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.db.Put(accountKey(addr), encoded)
}
