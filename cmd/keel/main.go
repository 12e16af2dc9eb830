// keel: account validation toolbox for X1-Keel.
//
// Subcommands:
//
//	discriminator  Compute account and instruction discriminators
//	pda            Derive or verify program-derived addresses
//	snapshot       Inspect account store snapshots
//	journal        Dump a slot's execution journal
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fortiblox/x1-keel/internal/types"
	"github.com/fortiblox/x1-keel/pkg/accounts"
	"github.com/fortiblox/x1-keel/pkg/discrim"
	"github.com/fortiblox/x1-keel/pkg/journal"
	"github.com/fortiblox/x1-keel/pkg/pda"
)

var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "discriminator":
		cmdDiscriminator(os.Args[2:])
	case "pda":
		cmdPDA(os.Args[2:])
	case "snapshot":
		cmdSnapshot(os.Args[2:])
	case "journal":
		cmdJournal(os.Args[2:])
	case "version":
		fmt.Printf("keel %s (%s)\n", Version, GitCommit)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: keel <discriminator|pda|snapshot|journal|version> [flags]")
}

func cmdDiscriminator(args []string) {
	fs := flag.NewFlagSet("discriminator", flag.ExitOnError)
	account := fs.String("account", "", "Account type name")
	instruction := fs.String("instruction", "", "Instruction name")
	fs.Parse(args)

	switch {
	case *account != "":
		d := discrim.ForAccount(*account)
		fmt.Printf("account:%s  %s\n", *account, hex.EncodeToString(d.Bytes()))
	case *instruction != "":
		d := discrim.ForInstruction(*instruction)
		fmt.Printf("global:%s  %s\n", *instruction, hex.EncodeToString(d.Bytes()))
	default:
		log.Fatal("one of -account or -instruction is required")
	}
}

// seedList collects repeated -seed flags. A seed prefixed with "hex:" is
// decoded, anything else is taken as raw bytes.
type seedList [][]byte

func (s *seedList) String() string {
	return fmt.Sprintf("%d seeds", len(*s))
}

func (s *seedList) Set(value string) error {
	if len(value) > 4 && value[:4] == "hex:" {
		raw, err := hex.DecodeString(value[4:])
		if err != nil {
			return fmt.Errorf("invalid hex seed: %w", err)
		}
		*s = append(*s, raw)
		return nil
	}
	*s = append(*s, []byte(value))
	return nil
}

func cmdPDA(args []string) {
	fs := flag.NewFlagSet("pda", flag.ExitOnError)
	var seeds seedList
	fs.Var(&seeds, "seed", "Derivation seed (repeatable; prefix with hex: for raw bytes)")
	program := fs.String("program", "", "Program address (base58)")
	verify := fs.String("verify", "", "Expected address to verify (base58)")
	bump := fs.Int("bump", -1, "Bump to verify with (requires -verify)")
	fs.Parse(args)

	if *program == "" {
		log.Fatal("-program is required")
	}
	programID, err := types.PubkeyFromBase58(*program)
	if err != nil {
		log.Fatalf("invalid program address: %v", err)
	}

	if *verify != "" {
		expected, err := types.PubkeyFromBase58(*verify)
		if err != nil {
			log.Fatalf("invalid address: %v", err)
		}
		if *bump < 0 || *bump > 255 {
			log.Fatal("-bump in [0,255] is required with -verify")
		}
		if err := pda.Verify(expected, programID, seeds, uint8(*bump)); err != nil {
			log.Fatalf("verification failed: %v", err)
		}
		fmt.Println("ok")
		return
	}

	addr, foundBump, err := pda.FindProgramAddress(seeds, programID)
	if err != nil {
		log.Fatalf("derivation failed: %v", err)
	}
	fmt.Printf("address: %s\nbump: %d\n", addr, foundBump)
}

func cmdSnapshot(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	path := fs.String("path", "", "Snapshot file")
	fs.Parse(args)

	if *path == "" {
		log.Fatal("-path is required")
	}

	reader, err := accounts.OpenSnapshot(*path)
	if err != nil {
		log.Fatalf("open snapshot: %v", err)
	}
	defer reader.Close()

	h := reader.Header
	fmt.Printf("version: %d\nslot: %d\naccounts: %d\nhash: %s\n",
		h.Version, h.Slot, h.AccountsCount, h.AccountsHash)
}

func cmdJournal(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	path := fs.String("path", "", "Journal database file")
	slot := fs.Uint64("slot", 0, "Slot to dump (0 = latest)")
	fs.Parse(args)

	if *path == "" {
		log.Fatal("-path is required")
	}

	jnl, err := journal.Open(journal.Config{Path: *path})
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer jnl.Close()

	target := *slot
	if target == 0 {
		target = jnl.LatestSlot()
	}

	entries, err := jnl.EntriesForSlot(target)
	if err != nil {
		log.Fatalf("read slot %d: %v", target, err)
	}
	if len(entries) == 0 {
		fmt.Printf("slot %d: no entries\n", target)
		return
	}

	for _, e := range entries {
		status := "ok"
		if e.Failed() {
			status = "failed: " + e.Err
		}
		fmt.Printf("slot %d seq %d  program %s  instruction %s  %s\n",
			e.Slot, e.Seq, e.Program, e.Instruction, status)
		for _, k := range e.Modified {
			fmt.Printf("  modified %s\n", k)
		}
		for _, k := range e.Reallocated {
			fmt.Printf("  reallocated %s\n", k)
		}
	}
}
