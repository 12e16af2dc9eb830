package accounts

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortiblox/x1-keel/internal/types"
)

// Key prefixes. A prefix byte per record kind keeps iteration cheap.
var (
	// prefixAccount + pubkey (32 bytes)
	prefixAccount = []byte{0x01}

	// prefixMeta + key name
	prefixMeta = []byte{0x02}

	metaSlot = append(prefixMeta, []byte("slot")...)

	metaAccountsCount = append(prefixMeta, []byte("count")...)
)

// BadgerDBConfig configures the on-disk store.
type BadgerDBConfig struct {
	// Path is the database directory.
	Path string

	// InMemory runs badger without touching disk (for tests).
	InMemory bool

	// SyncWrites syncs every write. Off by default for throughput.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// NumMemtables is the number of memtables.
	NumMemtables int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger is an optional badger logger. Nil disables logging.
	Logger badger.Logger
}

// DefaultBadgerDBConfig returns the default configuration.
func DefaultBadgerDBConfig(path string) BadgerDBConfig {
	return BadgerDBConfig{
		Path:             path,
		SyncWrites:       false,
		NumCompactors:    4,
		NumMemtables:     5,
		ValueLogFileSize: 256 << 20,
	}
}

// BadgerDB is the badger-backed account store. Account buffers can reach
// 10MB, which suits badger's key/value-log split: keys stay in the LSM tree
// while large values live in the value log.
type BadgerDB struct {
	db *badger.DB

	// slot and accountsCount are cached in memory and persisted at Commit.
	slot          atomic.Uint64
	accountsCount atomic.Uint64

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewBadgerDB opens or creates a badger-backed store. Zero config fields
// take their defaults, so a bare BadgerDBConfig{InMemory: true} works.
func NewBadgerDB(cfg BadgerDBConfig) (*BadgerDB, error) {
	def := DefaultBadgerDBConfig(cfg.Path)
	if cfg.NumCompactors == 0 {
		cfg.NumCompactors = def.NumCompactors
	}
	if cfg.NumMemtables == 0 {
		cfg.NumMemtables = def.NumMemtables
	}
	if cfg.ValueLogFileSize == 0 {
		cfg.ValueLogFileSize = def.ValueLogFileSize
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithNumMemtables(cfg.NumMemtables).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	bdb := &BadgerDB{db: db}
	if err := bdb.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return bdb, nil
}

func (b *BadgerDB) loadMetadata() error {
	return b.db.View(func(txn *badger.Txn) error {
		load := func(key []byte, dst *atomic.Uint64) error {
			item, err := txn.Get(key)
			if err == badger.ErrKeyNotFound {
				dst.Store(0)
				return nil
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				if len(val) >= 8 {
					dst.Store(binary.LittleEndian.Uint64(val))
				}
				return nil
			})
		}
		if err := load(metaSlot, &b.slot); err != nil {
			return err
		}
		return load(metaAccountsCount, &b.accountsCount)
	})
}

func accountKey(pubkey types.Pubkey) []byte {
	key := make([]byte, 1+32)
	key[0] = prefixAccount[0]
	copy(key[1:], pubkey[:])
	return key
}

// GetAccount retrieves an account by pubkey.
func (b *BadgerDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var account *Account
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(pubkey))
		if err == badger.ErrKeyNotFound {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			account, err = DeserializeAccount(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// SetAccount stores an account. Zero accounts are deleted.
func (b *BadgerDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	exists, err := b.hasAccountLocked(pubkey)
	if err != nil {
		return err
	}

	if account.IsZero() {
		if exists {
			err := b.db.Update(func(txn *badger.Txn) error {
				return txn.Delete(accountKey(pubkey))
			})
			if err != nil {
				return err
			}
			b.accountsCount.Add(^uint64(0))
		}
		return nil
	}

	data := account.Serialize()
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(accountKey(pubkey), data)
	})
	if err != nil {
		return err
	}
	if !exists {
		b.accountsCount.Add(1)
	}
	return nil
}

// DeleteAccount removes an account.
func (b *BadgerDB) DeleteAccount(pubkey types.Pubkey) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	exists, err := b.hasAccountLocked(pubkey)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(accountKey(pubkey))
	})
	if err != nil {
		return err
	}
	b.accountsCount.Add(^uint64(0))
	return nil
}

// HasAccount checks if an account exists.
func (b *BadgerDB) HasAccount(pubkey types.Pubkey) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hasAccountLocked(pubkey)
}

func (b *BadgerDB) hasAccountLocked(pubkey types.Pubkey) (bool, error) {
	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(accountKey(pubkey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// GetSlot returns the current slot.
func (b *BadgerDB) GetSlot() uint64 {
	return b.slot.Load()
}

// SetSlot updates the current slot.
func (b *BadgerDB) SetSlot(slot uint64) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.slot.Store(slot)
	return nil
}

// AccountsCount returns the total number of accounts.
func (b *BadgerDB) AccountsCount() (uint64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	return b.accountsCount.Load(), nil
}

// Commit persists the slot and count metadata.
func (b *BadgerDB) Commit() error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, b.slot.Load())
		if err := txn.Set(metaSlot, buf); err != nil {
			return err
		}
		buf = make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, b.accountsCount.Load())
		return txn.Set(metaAccountsCount, buf)
	})
}

// Close commits metadata and closes the database.
func (b *BadgerDB) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.db.Update(func(txn *badger.Txn) error {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, b.slot.Load())
		if err := txn.Set(metaSlot, buf); err != nil {
			return err
		}
		buf = make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, b.accountsCount.Load())
		return txn.Set(metaAccountsCount, buf)
	})
	if cerr := b.db.Close(); cerr != nil {
		return cerr
	}
	return err
}

// IterateAccounts visits every account in ascending pubkey order.
func (b *BadgerDB) IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error {
	if b.closed.Load() {
		return ErrClosed
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixAccount
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != 33 {
				continue
			}
			var pubkey types.Pubkey
			copy(pubkey[:], key[1:])

			err := item.Value(func(val []byte) error {
				account, err := DeserializeAccount(val)
				if err != nil {
					return err
				}
				return fn(pubkey, account)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// BatchWriter accumulates writes and flushes them in one badger batch.
type BatchWriter struct {
	db      *BadgerDB
	batch   *badger.WriteBatch
	added   int64
	deleted int64
}

// NewBatchWriter starts a write batch.
func (b *BadgerDB) NewBatchWriter() *BatchWriter {
	return &BatchWriter{db: b, batch: b.db.NewWriteBatch()}
}

// SetAccount adds a write to the batch. Zero accounts turn into deletes.
func (bw *BatchWriter) SetAccount(pubkey types.Pubkey, account *Account) error {
	if account.IsZero() {
		return bw.DeleteAccount(pubkey)
	}

	exists, _ := bw.db.HasAccount(pubkey)
	if err := bw.batch.Set(accountKey(pubkey), account.Serialize()); err != nil {
		return err
	}
	if !exists {
		bw.added++
	}
	return nil
}

// DeleteAccount adds a deletion to the batch.
func (bw *BatchWriter) DeleteAccount(pubkey types.Pubkey) error {
	exists, _ := bw.db.HasAccount(pubkey)
	if exists {
		if err := bw.batch.Delete(accountKey(pubkey)); err != nil {
			return err
		}
		bw.deleted++
	}
	return nil
}

// Flush writes the batch.
func (bw *BatchWriter) Flush() error {
	if err := bw.batch.Flush(); err != nil {
		return err
	}
	bw.db.accountsCount.Add(uint64(bw.added))
	if bw.deleted > 0 {
		bw.db.accountsCount.Add(^uint64(bw.deleted - 1))
	}
	bw.added, bw.deleted = 0, 0
	return nil
}

// Cancel abandons the batch.
func (bw *BatchWriter) Cancel() {
	bw.batch.Cancel()
	bw.added, bw.deleted = 0, 0
}

// RunGC reclaims value-log space. Call periodically on long-lived stores.
func (b *BadgerDB) RunGC() error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.db.RunValueLogGC(0.5)
}

var _ IterableDB = (*BadgerDB)(nil)
