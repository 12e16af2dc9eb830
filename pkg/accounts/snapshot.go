package accounts

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/x1-keel/internal/types"
)

// Snapshot file format version.
const snapshotVersion uint32 = 1

// Snapshot magic bytes.
var snapshotMagic = []byte{'K', 'E', 'E', 'L'}

// SnapshotHeader is the uncompressed preamble of a snapshot file.
type SnapshotHeader struct {
	// Version is the snapshot format version.
	Version uint32

	// Slot is the slot the snapshot was taken at.
	Slot uint64

	// AccountsCount is the number of account records.
	AccountsCount uint64

	// AccountsHash is the merkle root over the full store at Slot. The
	// loader recomputes it and rejects the snapshot on mismatch.
	AccountsHash types.Hash
}

// SnapshotWriter streams accounts into a snapshot file.
//
// File layout:
//   - magic (4) + version (4) + slot (8) + count (8) + accounts hash (32)
//   - zstd-compressed record stream, per account:
//     pubkey (32) + record size (4) + serialized account
func SnapshotWriterFor(path string, slot uint64, accountsHash types.Hash) (*SnapshotWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create snapshot file: %w", err)
	}

	sw := &SnapshotWriter{
		file: file,
		header: SnapshotHeader{
			Version:      snapshotVersion,
			Slot:         slot,
			AccountsHash: accountsHash,
		},
	}

	// Placeholder header, rewritten with the final count at Close.
	if err := sw.writeHeader(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}

	enc, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("init zstd writer: %w", err)
	}
	sw.enc = enc
	sw.writer = bufio.NewWriter(enc)
	return sw, nil
}

// SnapshotWriter streams accounts into a snapshot file.
type SnapshotWriter struct {
	file   *os.File
	enc    *zstd.Encoder
	writer *bufio.Writer
	header SnapshotHeader
	count  uint64
}

func (sw *SnapshotWriter) writeHeader() error {
	if _, err := sw.file.Write(snapshotMagic); err != nil {
		return err
	}

	buf := make([]byte, 52) // 4 + 8 + 8 + 32
	offset := 0
	binary.LittleEndian.PutUint32(buf[offset:], sw.header.Version)
	offset += 4
	binary.LittleEndian.PutUint64(buf[offset:], sw.header.Slot)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], sw.header.AccountsCount)
	offset += 8
	copy(buf[offset:], sw.header.AccountsHash[:])

	_, err := sw.file.Write(buf)
	return err
}

// WriteAccount appends one account record.
func (sw *SnapshotWriter) WriteAccount(pubkey types.Pubkey, account *Account) error {
	if _, err := sw.writer.Write(pubkey[:]); err != nil {
		return err
	}

	data := account.Serialize()
	sizeBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizeBuf, uint32(len(data)))
	if _, err := sw.writer.Write(sizeBuf); err != nil {
		return err
	}
	if _, err := sw.writer.Write(data); err != nil {
		return err
	}

	sw.count++
	return nil
}

// Close flushes the stream and rewrites the header with the final count.
func (sw *SnapshotWriter) Close() error {
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	if err := sw.enc.Close(); err != nil {
		return err
	}

	sw.header.AccountsCount = sw.count
	if _, err := sw.file.Seek(0, 0); err != nil {
		return err
	}
	if err := sw.writeHeader(); err != nil {
		return err
	}
	return sw.file.Close()
}

// SnapshotReader streams accounts out of a snapshot file.
type SnapshotReader struct {
	file   *os.File
	dec    *zstd.Decoder
	reader *bufio.Reader
	Header SnapshotHeader
	read   uint64
}

// OpenSnapshot opens a snapshot file for reading.
func OpenSnapshot(path string) (*SnapshotReader, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("open snapshot: %w", err)
	}

	sr := &SnapshotReader{file: file}
	if err := sr.readHeader(); err != nil {
		file.Close()
		return nil, err
	}

	dec, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("init zstd reader: %w", err)
	}
	sr.dec = dec
	sr.reader = bufio.NewReader(dec)
	return sr, nil
}

func (sr *SnapshotReader) readHeader() error {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(sr.file, magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != string(snapshotMagic) {
		return fmt.Errorf("invalid snapshot magic: %x", magic)
	}

	buf := make([]byte, 52)
	if _, err := io.ReadFull(sr.file, buf); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	offset := 0
	sr.Header.Version = binary.LittleEndian.Uint32(buf[offset:])
	offset += 4
	if sr.Header.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version: %d", sr.Header.Version)
	}
	sr.Header.Slot = binary.LittleEndian.Uint64(buf[offset:])
	offset += 8
	sr.Header.AccountsCount = binary.LittleEndian.Uint64(buf[offset:])
	offset += 8
	copy(sr.Header.AccountsHash[:], buf[offset:])
	return nil
}

// ReadAccount reads the next record. io.EOF when exhausted.
func (sr *SnapshotReader) ReadAccount() (types.Pubkey, *Account, error) {
	if sr.read >= sr.Header.AccountsCount {
		return types.Pubkey{}, nil, io.EOF
	}

	var pubkey types.Pubkey
	if _, err := io.ReadFull(sr.reader, pubkey[:]); err != nil {
		return types.Pubkey{}, nil, fmt.Errorf("read pubkey: %w", err)
	}

	sizeBuf := make([]byte, 4)
	if _, err := io.ReadFull(sr.reader, sizeBuf); err != nil {
		return types.Pubkey{}, nil, fmt.Errorf("read size: %w", err)
	}
	size := binary.LittleEndian.Uint32(sizeBuf)

	// Bound allocation: account data tops out at MaxDataLen plus record
	// overhead.
	const maxRecord = MaxDataLen + 100
	if size > maxRecord {
		return types.Pubkey{}, nil, fmt.Errorf("account record size %d exceeds maximum %d", size, maxRecord)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(sr.reader, data); err != nil {
		return types.Pubkey{}, nil, fmt.Errorf("read account data: %w", err)
	}

	account, err := DeserializeAccount(data)
	if err != nil {
		return types.Pubkey{}, nil, fmt.Errorf("deserialize account: %w", err)
	}

	sr.read++
	return pubkey, account, nil
}

// Close closes the reader.
func (sr *SnapshotReader) Close() error {
	if sr.dec != nil {
		sr.dec.Close()
	}
	return sr.file.Close()
}

// CreateSnapshot writes the whole store to path, anchored by the accounts
// hash at the current slot.
func CreateSnapshot(db IterableDB, path string) error {
	hasher := NewHashComputer(db)
	accountsHash, err := hasher.ComputeAccountsHash()
	if err != nil {
		return fmt.Errorf("compute accounts hash: %w", err)
	}

	writer, err := SnapshotWriterFor(path, db.GetSlot(), accountsHash)
	if err != nil {
		return err
	}

	err = db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		return writer.WriteAccount(pubkey, account)
	})
	if err != nil {
		writer.Close()
		return fmt.Errorf("write accounts: %w", err)
	}
	return writer.Close()
}

// LoadSnapshot restores a store from path and verifies the accounts hash.
func LoadSnapshot(db IterableDB, path string) error {
	reader, err := OpenSnapshot(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		pubkey, account, err := reader.ReadAccount()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read account: %w", err)
		}
		if err := db.SetAccount(pubkey, account); err != nil {
			return fmt.Errorf("set account: %w", err)
		}
	}

	if err := db.SetSlot(reader.Header.Slot); err != nil {
		return fmt.Errorf("set slot: %w", err)
	}

	hasher := NewHashComputer(db)
	computed, err := hasher.ComputeAccountsHash()
	if err != nil {
		return fmt.Errorf("compute hash: %w", err)
	}
	if computed != reader.Header.AccountsHash {
		return fmt.Errorf("accounts hash mismatch: expected %s, got %s",
			reader.Header.AccountsHash.String(), computed.String())
	}
	return nil
}

// SnapshotSlot returns the slot of a snapshot file without loading it.
func SnapshotSlot(path string) (uint64, error) {
	reader, err := OpenSnapshot(path)
	if err != nil {
		return 0, err
	}
	defer reader.Close()
	return reader.Header.Slot, nil
}

// SnapshotFilename returns the standard snapshot filename.
func SnapshotFilename(slot uint64, hash types.Hash) string {
	return fmt.Sprintf("snapshot-%d-%s.keelsnap", slot, hash.String()[:16])
}
