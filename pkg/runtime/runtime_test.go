package runtime

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/fortiblox/x1-keel/internal/types"
	"github.com/fortiblox/x1-keel/pkg/accounts"
	"github.com/fortiblox/x1-keel/pkg/bind"
	"github.com/fortiblox/x1-keel/pkg/binenc"
	"github.com/fortiblox/x1-keel/pkg/discrim"
	"github.com/fortiblox/x1-keel/pkg/journal"
)

// counterState is the account payload for the test program.
type counterState struct {
	Authority types.Pubkey
	Count     uint64
}

func (s *counterState) AccountDiscriminator() discrim.Discriminator {
	return discrim.ForAccount("Counter")
}

func (s *counterState) MarshalState() ([]byte, error) {
	w := binenc.NewWriter()
	w.Pubkey(s.Authority)
	w.Uint64(s.Count)
	return w.Bytes(), nil
}

func (s *counterState) UnmarshalState(data []byte) error {
	r := binenc.NewReader(data)
	var err error
	if s.Authority, err = r.Pubkey(); err != nil {
		return err
	}
	s.Count, err = r.Uint64()
	return err
}

func pk(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

var (
	programID = pk(0xAA)
	payerKey  = pk(0x01)
	userKey   = pk(0x02)
	counterKey = pk(0x10)
)

const counterSpace = discrim.Size + 32 + 8

// counterProgram builds the test program: initialize, increment, close.
func counterProgram(t *testing.T) *Program {
	t.Helper()
	p := NewProgram(programID, "counter")
	if _, err := p.Registry().RegisterAccount("Counter"); err != nil {
		t.Fatal(err)
	}

	initSchema := bind.MustSchema("initialize",
		bind.Field{Name: "payer", Signer: true, Mut: true},
		bind.Field{
			Name:  "counter",
			Init:  true,
			Space: counterSpace,
			State: func() bind.AccountState { return &counterState{} },
		},
	)
	p.MustHandle("initialize", initSchema, func(b *bind.Bundle) error {
		payer := b.Account("payer").Handle
		counter := b.Account("counter").Handle
		if err := bind.Transfer(payer, counter, MinimumBalance(counterSpace)); err != nil {
			return err
		}
		st, err := bind.StateOf[*counterState](b, "counter")
		if err != nil {
			return err
		}
		st.Authority = payer.Key
		return nil
	})

	incSchema := bind.MustSchema("increment",
		bind.Field{Name: "authority", Signer: true},
		bind.Field{Name: "counter", Mut: true, State: func() bind.AccountState { return &counterState{} }},
	)
	p.MustHandle("increment", incSchema, func(b *bind.Bundle) error {
		st, err := bind.StateOf[*counterState](b, "counter")
		if err != nil {
			return err
		}
		if st.Authority != b.Account("authority").Key() {
			return fmt.Errorf("authority mismatch")
		}
		st.Count++
		return nil
	})

	closeSchema := bind.MustSchema("close",
		bind.Field{Name: "authority", Signer: true},
		bind.Field{Name: "counter", Mut: true, State: func() bind.AccountState { return &counterState{} }},
		bind.Field{Name: "dest", Mut: true},
	)
	p.MustHandle("close", closeSchema, func(b *bind.Bundle) error {
		st, err := bind.StateOf[*counterState](b, "counter")
		if err != nil {
			return err
		}
		if st.Authority != b.Account("authority").Key() {
			return fmt.Errorf("authority mismatch")
		}
		return b.Close("counter", b.Account("dest").Handle)
	})

	return p
}

func newTestHost(t *testing.T) (*Host, *accounts.MemoryDB, *journal.Journal) {
	t.Helper()
	db := accounts.NewMemoryDB()
	jnl, err := journal.Open(journal.Config{
		Path:   filepath.Join(t.TempDir(), "journal.db"),
		NoSync: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		jnl.Close()
		db.Close()
	})

	// Seed the payer.
	if err := db.SetAccount(payerKey, &accounts.Account{
		Lamports: 10_000_000,
		Owner:    types.SystemProgramAddr,
	}); err != nil {
		t.Fatal(err)
	}

	h := NewHost(db, jnl)
	h.Register(counterProgram(t))
	h.SetSlot(1)
	return h, db, jnl
}

func payload(name string) []byte {
	d := discrim.ForInstruction(name)
	return d.Bytes()
}

func initInstruction() *Instruction {
	return &Instruction{
		Program: programID,
		Accounts: []AccountRef{
			{Key: payerKey, Signer: true, Writable: true},
			{Key: counterKey, Writable: true},
		},
		Payload: payload("initialize"),
	}
}

func incInstruction(authority types.Pubkey) *Instruction {
	return &Instruction{
		Program: programID,
		Accounts: []AccountRef{
			{Key: authority, Signer: true},
			{Key: counterKey, Writable: true},
		},
		Payload: payload("increment"),
	}
}

func TestInitializeIncrementClose(t *testing.T) {
	h, db, _ := newTestHost(t)

	if err := h.Execute(initInstruction()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	acc, err := db.GetAccount(counterKey)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Owner != programID {
		t.Errorf("owner: %v", acc.Owner)
	}
	if !IsRentExempt(acc.Lamports, len(acc.Data)) {
		t.Error("counter not rent exempt")
	}

	for i := 0; i < 3; i++ {
		if err := h.Execute(incInstruction(payerKey)); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}

	acc, _ = db.GetAccount(counterKey)
	var st counterState
	if err := st.UnmarshalState(acc.Data[discrim.Size:]); err != nil {
		t.Fatal(err)
	}
	if st.Count != 3 {
		t.Errorf("count: %d", st.Count)
	}

	payerBefore, _ := db.GetAccount(payerKey)
	counterBalance := acc.Lamports

	closeInstr := &Instruction{
		Program: programID,
		Accounts: []AccountRef{
			{Key: payerKey, Signer: true},
			{Key: counterKey, Writable: true},
			{Key: payerKey, Writable: true},
		},
		Payload: payload("close"),
	}
	// Duplicate references are rejected before binding.
	if err := h.Execute(closeInstr); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("got %v, want ErrDuplicateAccount", err)
	}

	// Close into a distinct destination.
	destKey := pk(0x33)
	db.SetAccount(destKey, &accounts.Account{Lamports: 1, Owner: types.SystemProgramAddr})
	closeInstr.Accounts[2] = AccountRef{Key: destKey, Writable: true}
	if err := h.Execute(closeInstr); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The defunded counter is reclaimed from the store.
	if _, err := db.GetAccount(counterKey); !errors.Is(err, accounts.ErrAccountNotFound) {
		t.Fatalf("counter not reclaimed: %v", err)
	}
	dest, _ := db.GetAccount(destKey)
	if dest.Lamports != 1+counterBalance {
		t.Errorf("dest balance: %d", dest.Lamports)
	}
	payerAfter, _ := db.GetAccount(payerKey)
	if payerAfter.Lamports != payerBefore.Lamports {
		t.Errorf("payer balance changed across close: %d -> %d",
			payerBefore.Lamports, payerAfter.Lamports)
	}

	// The address is reusable after reclamation.
	if err := h.Execute(initInstruction()); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
}

func TestIncrementRequiresAuthority(t *testing.T) {
	h, db, _ := newTestHost(t)

	if err := h.Execute(initInstruction()); err != nil {
		t.Fatal(err)
	}

	db.SetAccount(userKey, &accounts.Account{Lamports: 100, Owner: types.SystemProgramAddr})
	if err := h.Execute(incInstruction(userKey)); err == nil {
		t.Fatal("foreign authority accepted")
	}

	// State unchanged after the rejected instruction.
	acc, _ := db.GetAccount(counterKey)
	var st counterState
	if err := st.UnmarshalState(acc.Data[discrim.Size:]); err != nil {
		t.Fatal(err)
	}
	if st.Count != 0 {
		t.Errorf("count mutated by failed instruction: %d", st.Count)
	}
}

func TestUnknownInstruction(t *testing.T) {
	h, _, _ := newTestHost(t)

	instr := initInstruction()
	instr.Payload = payload("missing")
	if err := h.Execute(instr); !errors.Is(err, ErrUnknownInstruction) {
		t.Fatalf("got %v, want ErrUnknownInstruction", err)
	}

	instr.Payload = []byte{1, 2}
	if err := h.Execute(instr); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("got %v, want ErrShortPayload", err)
	}
}

func TestUnknownProgram(t *testing.T) {
	h, _, _ := newTestHost(t)

	instr := initInstruction()
	instr.Program = pk(0x77)
	if err := h.Execute(instr); !errors.Is(err, ErrUnknownProgram) {
		t.Fatalf("got %v, want ErrUnknownProgram", err)
	}
}

func TestUnfundedInitFailsRent(t *testing.T) {
	h, _, _ := newTestHost(t)

	p := NewProgram(pk(0xBB), "broke")
	schema := bind.MustSchema("initialize",
		bind.Field{
			Name:  "counter",
			Init:  true,
			Space: counterSpace,
			State: func() bind.AccountState { return &counterState{} },
		},
	)
	p.MustHandle("initialize", schema, func(b *bind.Bundle) error {
		return nil // never funds the new account
	})
	h.Register(p)

	instr := &Instruction{
		Program:  pk(0xBB),
		Accounts: []AccountRef{{Key: pk(0x40), Writable: true}},
		Payload:  payload("initialize"),
	}
	if err := h.Execute(instr); !errors.Is(err, ErrRentExemption) {
		t.Fatalf("got %v, want ErrRentExemption", err)
	}
}

func TestDuplicateAccountRefRejected(t *testing.T) {
	h, db, _ := newTestHost(t)

	pid := pk(0xCC)
	p := NewProgram(pid, "bank")
	schema := bind.MustSchema("withdraw",
		bind.Field{Name: "vault", Mut: true},
		bind.Field{Name: "user", Mut: true},
	)
	p.MustHandle("withdraw", schema, func(b *bind.Bundle) error {
		return bind.Transfer(b.Account("vault").Handle, b.Account("user").Handle, 100)
	})
	h.Register(p)

	vaultKey, recipientKey := pk(0x50), pk(0x51)
	db.SetAccount(vaultKey, &accounts.Account{Lamports: 1000, Owner: pid})
	db.SetAccount(recipientKey, &accounts.Account{Lamports: 1000, Owner: pid})

	// A trailing duplicate of the vault carries its pre-transfer balance:
	// if it settled after the bound vault handle, the debit would revert
	// while the credit stuck.
	instr := &Instruction{
		Program: pid,
		Accounts: []AccountRef{
			{Key: vaultKey, Writable: true},
			{Key: recipientKey, Writable: true},
			{Key: vaultKey, Writable: true},
		},
		Payload: payload("withdraw"),
	}
	if err := h.Execute(instr); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("got %v, want ErrDuplicateAccount", err)
	}

	vault, _ := db.GetAccount(vaultKey)
	user, _ := db.GetAccount(recipientKey)
	if vault.Lamports != 1000 || user.Lamports != 1000 {
		t.Errorf("rejected instruction reached the store: vault=%d user=%d",
			vault.Lamports, user.Lamports)
	}
}

func TestReadOnlyAccountImmutable(t *testing.T) {
	h, db, _ := newTestHost(t)

	pid := pk(0xDD)
	p := NewProgram(pid, "leaky")
	dripSchema := bind.MustSchema("drip",
		bind.Field{Name: "src", Mut: true},
		bind.Field{Name: "dst"},
	)
	p.MustHandle("drip", dripSchema, func(b *bind.Bundle) error {
		return bind.Transfer(b.Account("src").Handle, b.Account("dst").Handle, 100)
	})
	scribbleSchema := bind.MustSchema("scribble",
		bind.Field{Name: "dst"},
	)
	p.MustHandle("scribble", scribbleSchema, func(b *bind.Bundle) error {
		hd := b.Account("dst").Handle
		hd.Data = append(hd.Data, 0x7f)
		return nil
	})
	h.Register(p)

	srcKey, dstKey := pk(0x60), pk(0x61)
	db.SetAccount(srcKey, &accounts.Account{Lamports: 1000, Owner: pid})
	db.SetAccount(dstKey, &accounts.Account{Lamports: 1000, Owner: pid})

	// Crediting a read-only account would pass the in-memory conservation
	// check while the credit vanished at persist.
	drip := &Instruction{
		Program: pid,
		Accounts: []AccountRef{
			{Key: srcKey, Writable: true},
			{Key: dstKey},
		},
		Payload: payload("drip"),
	}
	if err := h.Execute(drip); !errors.Is(err, ErrReadOnlyMutation) {
		t.Fatalf("got %v, want ErrReadOnlyMutation", err)
	}

	src, _ := db.GetAccount(srcKey)
	dst, _ := db.GetAccount(dstKey)
	if src.Lamports != 1000 || dst.Lamports != 1000 {
		t.Errorf("rejected instruction reached the store: src=%d dst=%d",
			src.Lamports, dst.Lamports)
	}

	// Data mutations are caught too.
	scribble := &Instruction{
		Program:  pid,
		Accounts: []AccountRef{{Key: dstKey}},
		Payload:  payload("scribble"),
	}
	if err := h.Execute(scribble); !errors.Is(err, ErrReadOnlyMutation) {
		t.Fatalf("got %v, want ErrReadOnlyMutation", err)
	}
	dst, _ = db.GetAccount(dstKey)
	if len(dst.Data) != 0 {
		t.Errorf("data mutation persisted: %v", dst.Data)
	}
}

func TestJournalRecordsExecution(t *testing.T) {
	h, _, jnl := newTestHost(t)

	if err := h.Execute(initInstruction()); err != nil {
		t.Fatal(err)
	}
	// One failure too.
	bad := initInstruction()
	bad.Payload = payload("missing")
	h.Execute(bad)

	entries, err := jnl.EntriesForSlot(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: %d", len(entries))
	}

	ok := entries[0]
	if ok.Failed() {
		t.Errorf("success journaled as failure: %+v", ok)
	}
	if ok.Instruction != discrim.ForInstruction("initialize") {
		t.Errorf("instruction tag: %v", ok.Instruction)
	}
	if len(ok.Modified) != 2 {
		t.Errorf("modified: %v", ok.Modified)
	}
	if len(ok.Reallocated) != 1 || ok.Reallocated[0] != counterKey {
		t.Errorf("reallocated: %v", ok.Reallocated)
	}

	if !entries[1].Failed() {
		t.Error("failure not journaled")
	}
}

func TestRentMinimumBalance(t *testing.T) {
	if MinimumBalance(0) != 128*3480*2 {
		t.Errorf("empty account minimum: %d", MinimumBalance(0))
	}
	if !IsRentExempt(MinimumBalance(100), 100) {
		t.Error("exact minimum not exempt")
	}
	if IsRentExempt(MinimumBalance(100)-1, 100) {
		t.Error("below minimum exempt")
	}
}
