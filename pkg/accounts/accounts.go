// Package accounts implements the persistent account store backing the
// execution host.
//
// The store keeps only current state, keyed by pubkey. Two implementations
// are provided: MemoryDB for tests and small tools, and BadgerDB for real
// workloads. Zero accounts (no balance, no data) are deleted rather than
// stored.
package accounts

import (
	"encoding/binary"
	"errors"

	"github.com/fortiblox/x1-keel/internal/types"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")

	// ErrInvalidData is returned when a stored record is malformed.
	ErrInvalidData = errors.New("invalid account data")

	// ErrSnapshotNotFound is returned when a snapshot file doesn't exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// MaxDataLen is the largest account data buffer the store accepts.
const MaxDataLen = 10 * 1024 * 1024

// Account is the persistent form of an account.
type Account struct {
	// Lamports is the account balance.
	Lamports uint64

	// Data is the raw account buffer. For executable accounts this holds
	// program bytecode.
	Data []byte

	// Owner is the program allowed to mutate the account.
	Owner types.Pubkey

	// Executable marks program accounts.
	Executable bool

	// RentEpoch is the epoch rent was last settled. Rent-exempt accounts
	// carry the maximum value.
	RentEpoch uint64
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	return &Account{
		Lamports:   a.Lamports,
		Data:       data,
		Owner:      a.Owner,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
	}
}

// IsZero reports whether the account carries neither balance nor data.
func (a *Account) IsZero() bool {
	return a.Lamports == 0 && len(a.Data) == 0
}

// Size returns the serialized record size.
func (a *Account) Size() int {
	// lamports (8) + data_len (8) + data + owner (32) + executable (1) + rent_epoch (8)
	return 8 + 8 + len(a.Data) + 32 + 1 + 8
}

// Serialize encodes the account for storage.
// Layout: lamports (8) + data_len (8) + data + owner (32) + executable (1) + rent_epoch (8),
// all integers little-endian.
func (a *Account) Serialize() []byte {
	buf := make([]byte, a.Size())
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], a.Lamports)
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(a.Data)))
	offset += 8

	copy(buf[offset:], a.Data)
	offset += len(a.Data)

	copy(buf[offset:], a.Owner[:])
	offset += 32

	if a.Executable {
		buf[offset] = 1
	}
	offset++

	binary.LittleEndian.PutUint64(buf[offset:], a.RentEpoch)
	return buf
}

// DeserializeAccount decodes a stored record.
func DeserializeAccount(data []byte) (*Account, error) {
	if len(data) < 57 { // 8 + 8 + 0 + 32 + 1 + 8
		return nil, ErrInvalidData
	}

	offset := 0
	lamports := binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	dataLen := binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	if dataLen > MaxDataLen {
		return nil, ErrInvalidData
	}
	if uint64(len(data)-offset) < dataLen+41 {
		return nil, ErrInvalidData
	}

	accountData := make([]byte, dataLen)
	copy(accountData, data[offset:offset+int(dataLen)])
	offset += int(dataLen)

	var owner types.Pubkey
	copy(owner[:], data[offset:offset+32])
	offset += 32

	executable := data[offset] != 0
	offset++

	rentEpoch := binary.LittleEndian.Uint64(data[offset:])

	return &Account{
		Lamports:   lamports,
		Data:       accountData,
		Owner:      owner,
		Executable: executable,
		RentEpoch:  rentEpoch,
	}, nil
}

// DB is the account store interface. Implementations must be safe for
// concurrent reads.
type DB interface {
	// GetAccount retrieves an account by pubkey.
	// Returns ErrAccountNotFound if the account doesn't exist.
	GetAccount(pubkey types.Pubkey) (*Account, error)

	// SetAccount stores an account. Zero accounts are deleted.
	SetAccount(pubkey types.Pubkey, account *Account) error

	// DeleteAccount removes an account. Nil if it doesn't exist.
	DeleteAccount(pubkey types.Pubkey) error

	// HasAccount checks if an account exists.
	HasAccount(pubkey types.Pubkey) (bool, error)

	// GetSlot returns the current slot.
	GetSlot() uint64

	// SetSlot updates the current slot.
	SetSlot(slot uint64) error

	// AccountsCount returns the total number of accounts.
	AccountsCount() (uint64, error)

	// Commit flushes pending changes.
	Commit() error

	// Close closes the store.
	Close() error
}

// IterableDB extends DB with sorted iteration, which hashing and snapshots
// both need.
type IterableDB interface {
	DB

	// IterateAccounts visits every account in ascending pubkey order.
	IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error
}

// MemoryDB is an in-memory store for tests.
type MemoryDB struct {
	accounts map[types.Pubkey]*Account
	slot     uint64
	closed   bool
}

// NewMemoryDB creates an empty in-memory store.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{accounts: make(map[types.Pubkey]*Account)}
}

func (m *MemoryDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	if m.closed {
		return nil, ErrClosed
	}
	acc, ok := m.accounts[pubkey]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc.Clone(), nil
}

func (m *MemoryDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	if m.closed {
		return ErrClosed
	}
	if account.IsZero() {
		delete(m.accounts, pubkey)
		return nil
	}
	m.accounts[pubkey] = account.Clone()
	return nil
}

func (m *MemoryDB) DeleteAccount(pubkey types.Pubkey) error {
	if m.closed {
		return ErrClosed
	}
	delete(m.accounts, pubkey)
	return nil
}

func (m *MemoryDB) HasAccount(pubkey types.Pubkey) (bool, error) {
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.accounts[pubkey]
	return ok, nil
}

func (m *MemoryDB) GetSlot() uint64 {
	return m.slot
}

func (m *MemoryDB) SetSlot(slot uint64) error {
	if m.closed {
		return ErrClosed
	}
	m.slot = slot
	return nil
}

func (m *MemoryDB) AccountsCount() (uint64, error) {
	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.accounts)), nil
}

func (m *MemoryDB) Commit() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryDB) Close() error {
	m.closed = true
	m.accounts = nil
	return nil
}

// IterateAccounts visits every account in ascending pubkey order.
func (m *MemoryDB) IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error {
	if m.closed {
		return ErrClosed
	}
	keys := make([]types.Pubkey, 0, len(m.accounts))
	for k := range m.accounts {
		keys = append(keys, k)
	}
	SortPubkeys(keys)
	for _, k := range keys {
		if err := fn(k, m.accounts[k]); err != nil {
			return err
		}
	}
	return nil
}

var _ IterableDB = (*MemoryDB)(nil)
