// Package binenc implements the engine's deterministic binary encoding.
//
// The format is fixed: little-endian integers, booleans as a single byte,
// byte slices and strings with a u32 length prefix, 32-byte keys raw. There
// is no padding and no alternative field ordering, so an encoding is unique
// for a given value. Instruction arguments and account state both use it.
package binenc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fortiblox/x1-keel/internal/types"
)

var (
	// ErrShortBuffer is returned when a read runs past the end of the input.
	ErrShortBuffer = errors.New("short buffer")

	// ErrInvalidBool is returned when a boolean byte is not 0 or 1.
	ErrInvalidBool = errors.New("invalid boolean encoding")

	// ErrLengthOverflow is returned when a value is too large for its
	// u32 length prefix.
	ErrLengthOverflow = errors.New("length exceeds u32 prefix")
)

// Writer accumulates an encoded buffer.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with a small initial capacity.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Uint8 appends a single byte.
func (w *Writer) Uint8(v uint8) {
	w.buf = append(w.buf, v)
}

// Uint16 appends a little-endian uint16.
func (w *Writer) Uint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// Uint32 appends a little-endian uint32.
func (w *Writer) Uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// Uint64 appends a little-endian uint64.
func (w *Writer) Uint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// Int64 appends a little-endian int64.
func (w *Writer) Int64(v int64) {
	w.Uint64(uint64(v))
}

// Bool appends a boolean as one byte.
func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// Pubkey appends a 32-byte key with no prefix.
func (w *Writer) Pubkey(p types.Pubkey) {
	w.buf = append(w.buf, p[:]...)
}

// Bytes32 appends a 32-byte hash with no prefix.
func (w *Writer) Bytes32(h types.Hash) {
	w.buf = append(w.buf, h[:]...)
}

// VarBytes appends a u32 length prefix followed by the bytes.
func (w *Writer) VarBytes(b []byte) error {
	if len(b) > math.MaxUint32 {
		return ErrLengthOverflow
	}
	w.Uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	return nil
}

// String appends a u32 length prefix followed by the UTF-8 bytes.
func (w *Writer) String(s string) error {
	return w.VarBytes([]byte(s))
}

// Raw appends bytes with no prefix. For fixed-size fields only.
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// Reader decodes a buffer produced by Writer.
type Reader struct {
	data []byte
	off  int
}

// NewReader creates a reader over data. The reader does not copy; the
// caller must not mutate data while reading.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrShortBuffer, n, r.off, r.Remaining())
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Uint8 reads a single byte.
func (r *Reader) Uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a little-endian uint16.
func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a little-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Int64 reads a little-endian int64.
func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// Bool reads a boolean byte, rejecting values other than 0 and 1.
func (r *Reader) Bool() (bool, error) {
	b, err := r.take(1)
	if err != nil {
		return false, err
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: 0x%02x", ErrInvalidBool, b[0])
	}
}

// Pubkey reads a 32-byte key.
func (r *Reader) Pubkey() (types.Pubkey, error) {
	b, err := r.take(types.PubkeySize)
	if err != nil {
		return types.Pubkey{}, err
	}
	var p types.Pubkey
	copy(p[:], b)
	return p, nil
}

// Bytes32 reads a 32-byte hash.
func (r *Reader) Bytes32() (types.Hash, error) {
	b, err := r.take(types.HashSize)
	if err != nil {
		return types.Hash{}, err
	}
	var h types.Hash
	copy(h[:], b)
	return h, nil
}

// VarBytes reads a u32 length prefix and returns a copy of that many bytes.
func (r *Reader) VarBytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// String reads a u32 length prefix and that many UTF-8 bytes.
func (r *Reader) String() (string, error) {
	b, err := r.VarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Raw reads n bytes with no prefix.
func (r *Reader) Raw(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Done returns an error unless the reader consumed the whole buffer.
// Trailing bytes in a deterministic encoding indicate a malformed payload.
func (r *Reader) Done() error {
	if r.Remaining() != 0 {
		return fmt.Errorf("trailing data: %d bytes unread", r.Remaining())
	}
	return nil
}
