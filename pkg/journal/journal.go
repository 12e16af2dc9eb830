// Package journal provides the persistent execution journal.
//
// Every instruction the host settles is appended as one entry: which program
// ran, which instruction tag, which accounts it touched, and whether it
// failed. Entries are keyed by (slot, sequence) so a slot's history reads
// back in execution order.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/x1-keel/internal/types"
	"github.com/fortiblox/x1-keel/pkg/discrim"
)

var (
	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("journal closed")

	// ErrEntryNotFound is returned when an entry doesn't exist.
	ErrEntryNotFound = errors.New("journal entry not found")
)

// Bucket names.
var (
	// bucketEntries stores entries keyed by slot (8 BE) + sequence (8 BE).
	bucketEntries = []byte("entries")

	// bucketMetadata stores journal metadata.
	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyLatestSlot = []byte("latest_slot")
	keyEntryCount = []byte("entry_count")
)

// Entry records one settled instruction.
type Entry struct {
	// Slot is the slot the instruction executed in.
	Slot uint64

	// Seq orders entries within a slot.
	Seq uint64

	// Program is the executing program's identity.
	Program types.Pubkey

	// Instruction is the leading discriminator of the payload.
	Instruction discrim.Discriminator

	// Err holds the failure message; empty on success.
	Err string

	// Modified lists the accounts written back at settlement.
	Modified []types.Pubkey

	// Reallocated lists the accounts whose buffers changed size.
	Reallocated []types.Pubkey

	// Time is when the instruction was settled.
	Time time.Time
}

// Failed reports whether the instruction was rejected.
func (e *Entry) Failed() bool {
	return e.Err != ""
}

// Config holds journal configuration.
type Config struct {
	// Path is the journal database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool
}

// Journal is the bbolt-backed execution journal.
type Journal struct {
	db *bolt.DB

	mu         sync.RWMutex
	latestSlot uint64
	entryCount uint64
	nextSeq    uint64
	closed     bool
}

// Open creates or opens a journal at cfg.Path.
func Open(cfg Config) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.init(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket(bucketMetadata)
		if v := meta.Get(keyLatestSlot); v != nil {
			j.latestSlot = decodeUint64(v)
		}
		if v := meta.Get(keyEntryCount); v != nil {
			j.entryCount = decodeUint64(v)
		}

		// Resume the sequence counter from the last entry of the latest
		// slot.
		c := tx.Bucket(bucketEntries).Cursor()
		if k, _ := c.Last(); k != nil && len(k) == 16 {
			if decodeUint64(k[:8]) == j.latestSlot {
				j.nextSeq = decodeUint64(k[8:]) + 1
			}
		}
		return nil
	})
}

// Append records an entry. The slot and sequence are filled in from the
// journal's position: appending at a newer slot resets the sequence.
func (j *Journal) Append(e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	if e.Slot > j.latestSlot {
		j.latestSlot = e.Slot
		j.nextSeq = 0
	}
	e.Seq = j.nextSeq
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put(entryKey(e.Slot, e.Seq), buf.Bytes()); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMetadata)
		if err := meta.Put(keyLatestSlot, encodeUint64(j.latestSlot)); err != nil {
			return err
		}
		return meta.Put(keyEntryCount, encodeUint64(j.entryCount+1))
	})
	if err != nil {
		return err
	}

	j.nextSeq++
	j.entryCount++
	return nil
}

// EntriesForSlot returns a slot's entries in execution order.
func (j *Journal) EntriesForSlot(slot uint64) ([]*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, ErrClosed
	}

	var entries []*Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		prefix := encodeUint64(slot)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e Entry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&e); err != nil {
				return fmt.Errorf("decode entry: %w", err)
			}
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// LatestSlot returns the newest slot with entries.
func (j *Journal) LatestSlot() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.latestSlot
}

// EntryCount returns the total number of entries.
func (j *Journal) EntryCount() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.entryCount
}

// Prune drops entries older than keepSlots behind the latest slot and
// returns how many were removed.
func (j *Journal) Prune(keepSlots uint64) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}
	if j.latestSlot < keepSlots {
		return 0, nil
	}
	cutoff := j.latestSlot - keepSlots

	var removed uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(k) == 16; k, _ = c.Next() {
			if decodeUint64(k[:8]) >= cutoff {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return tx.Bucket(bucketMetadata).Put(keyEntryCount, encodeUint64(j.entryCount-removed))
	})
	if err != nil {
		return 0, err
	}
	j.entryCount -= removed
	return removed, nil
}

// Sync forces an fsync.
func (j *Journal) Sync() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return j.db.Sync()
}

// Close closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	j.closed = true
	return j.db.Close()
}

func entryKey(slot, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], slot)
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
