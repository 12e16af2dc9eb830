package journal

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/fortiblox/x1-keel/internal/types"
	"github.com/fortiblox/x1-keel/pkg/discrim"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Config{Path: filepath.Join(t.TempDir(), "journal.db"), NoSync: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func pk(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

func TestAppendAndReadBack(t *testing.T) {
	j := openTestJournal(t)

	e := &Entry{
		Slot:        10,
		Program:     pk(1),
		Instruction: discrim.ForInstruction("increment"),
		Modified:    []types.Pubkey{pk(2), pk(3)},
	}
	if err := j.Append(e); err != nil {
		t.Fatal(err)
	}

	entries, err := j.EntriesForSlot(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries: %d", len(entries))
	}
	got := entries[0]
	if got.Program != pk(1) || got.Instruction != discrim.ForInstruction("increment") {
		t.Errorf("entry: %+v", got)
	}
	if len(got.Modified) != 2 || got.Modified[0] != pk(2) {
		t.Errorf("modified: %v", got.Modified)
	}
	if got.Failed() {
		t.Error("successful entry marked failed")
	}
	if got.Time.IsZero() {
		t.Error("timestamp not assigned")
	}
}

func TestSequenceOrderWithinSlot(t *testing.T) {
	j := openTestJournal(t)

	for i := 0; i < 5; i++ {
		if err := j.Append(&Entry{Slot: 7, Program: pk(byte(i))}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := j.EntriesForSlot(7)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("entries: %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i) || e.Program != pk(byte(i)) {
			t.Errorf("entry %d out of order: seq=%d program=%v", i, e.Seq, e.Program)
		}
	}
}

func TestSequenceResetsOnNewSlot(t *testing.T) {
	j := openTestJournal(t)

	j.Append(&Entry{Slot: 1})
	j.Append(&Entry{Slot: 1})
	j.Append(&Entry{Slot: 2})

	entries, _ := j.EntriesForSlot(2)
	if len(entries) != 1 || entries[0].Seq != 0 {
		t.Errorf("slot 2 entries: %+v", entries)
	}
	if j.LatestSlot() != 2 {
		t.Errorf("latest slot: %d", j.LatestSlot())
	}
}

func TestFailedEntry(t *testing.T) {
	j := openTestJournal(t)

	j.Append(&Entry{Slot: 1, Err: "owner mismatch"})
	entries, _ := j.EntriesForSlot(1)
	if len(entries) != 1 || !entries[0].Failed() {
		t.Errorf("failed entry: %+v", entries)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(Config{Path: path, NoSync: true})
	if err != nil {
		t.Fatal(err)
	}
	j.Append(&Entry{Slot: 5, Program: pk(1)})
	j.Append(&Entry{Slot: 5, Program: pk(2)})
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j2, err := Open(Config{Path: path, NoSync: true})
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()

	if j2.LatestSlot() != 5 || j2.EntryCount() != 2 {
		t.Errorf("slot=%d count=%d", j2.LatestSlot(), j2.EntryCount())
	}

	// Sequence continues, not restarts.
	if err := j2.Append(&Entry{Slot: 5, Program: pk(3)}); err != nil {
		t.Fatal(err)
	}
	entries, _ := j2.EntriesForSlot(5)
	if len(entries) != 3 || entries[2].Seq != 2 {
		t.Errorf("entries after reopen: %d, last seq %d", len(entries), entries[len(entries)-1].Seq)
	}
}

func TestPrune(t *testing.T) {
	j := openTestJournal(t)

	for slot := uint64(1); slot <= 10; slot++ {
		j.Append(&Entry{Slot: slot})
	}

	removed, err := j.Prune(3)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 6 { // slots 1..6 are older than 10-3
		t.Errorf("removed: %d", removed)
	}
	if entries, _ := j.EntriesForSlot(5); len(entries) != 0 {
		t.Error("pruned slot still readable")
	}
	if entries, _ := j.EntriesForSlot(8); len(entries) != 1 {
		t.Error("retained slot lost")
	}
	if j.EntryCount() != 4 {
		t.Errorf("count after prune: %d", j.EntryCount())
	}
}

func TestClosedJournalRejectsOperations(t *testing.T) {
	j, err := Open(Config{Path: filepath.Join(t.TempDir(), "journal.db"), NoSync: true})
	if err != nil {
		t.Fatal(err)
	}
	j.Close()

	if err := j.Append(&Entry{Slot: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	if _, err := j.EntriesForSlot(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}
