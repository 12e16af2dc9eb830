package bind

import (
	"errors"
	"fmt"

	"github.com/fortiblox/x1-keel/internal/types"
)

// Binding and transfer errors. These are security predicates, not transient
// failures: the first one aborts the enclosing instruction and nothing is
// retried.
var (
	// ErrOverflow is returned when adding lamports would wrap.
	ErrOverflow = errors.New("lamport balance overflow")

	// ErrUnderflow is returned when subtracting more lamports than held.
	ErrUnderflow = errors.New("insufficient lamports")

	// ErrAlreadyConsumed is returned when one raw account is bound to two
	// declared fields in the same instruction.
	ErrAlreadyConsumed = errors.New("account already bound to a previous field")

	// ErrNotEnoughAccounts is returned when the handle list runs out before
	// the schema's required fields do.
	ErrNotEnoughAccounts = errors.New("not enough accounts supplied")

	// ErrMissingSignature is returned when a signer field's account did not
	// sign the transaction.
	ErrMissingSignature = errors.New("missing required signature")

	// ErrNotWritable is returned when a mutable field's account is read-only.
	ErrNotWritable = errors.New("account not writable")

	// ErrNotExecutable is returned when a program field's account is not
	// executable.
	ErrNotExecutable = errors.New("account not executable")

	// ErrAlreadyInitialized is returned when an initializing field receives
	// an account that already carries data.
	ErrAlreadyInitialized = errors.New("account already initialized")

	// ErrDataTooLarge is returned when a resize exceeds the host limit.
	ErrDataTooLarge = errors.New("account data too large")

	// ErrUnknownField is returned when looking up a name the schema does
	// not declare.
	ErrUnknownField = errors.New("unknown field")

	// ErrAbsentAccount is returned when operating on an optional field that
	// was not supplied.
	ErrAbsentAccount = errors.New("optional account not supplied")
)

// BindError wraps a constraint failure with the field name and the key of
// the offending account. Every rejection out of Schema.Bind is a BindError.
type BindError struct {
	Field string
	Key   types.Pubkey
	Err   error
}

// Error implements the error interface.
func (e *BindError) Error() string {
	if e.Key.IsZero() {
		return fmt.Sprintf("field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("field %q (%s): %v", e.Field, e.Key, e.Err)
}

// Unwrap returns the underlying constraint error.
func (e *BindError) Unwrap() error {
	return e.Err
}

func bindErr(field string, key types.Pubkey, err error) error {
	return &BindError{Field: field, Key: key, Err: err}
}
