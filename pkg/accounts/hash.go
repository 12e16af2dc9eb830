package accounts

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/x1-keel/internal/types"
)

// Account hashing for state verification.
//
// Each account hashes to blake3(lamports || rent_epoch || data || executable
// || owner || pubkey). A set of accounts rolls up into a binary merkle root
// with domain-separated leaf (0x00) and node (0x01) prefixes. The delta hash
// covers only the accounts touched by one slot; the full accounts hash covers
// the whole store and anchors snapshots.

// ComputeAccountHash hashes one account together with its address.
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	h := blake3.New()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], account.Lamports)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], account.RentEpoch)
	h.Write(buf[:])
	h.Write(account.Data)
	if account.Executable {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(account.Owner[:])
	h.Write(pubkey[:])

	var out types.Hash
	h.Sum(out[:0])
	return out
}

// HashComputer rolls account hashes up into store-level digests.
type HashComputer struct {
	db IterableDB
}

// NewHashComputer creates a hash computer over a store.
func NewHashComputer(db IterableDB) *HashComputer {
	return &HashComputer{db: db}
}

// ComputeAccountsHash computes the merkle root over every account in the
// store, in pubkey order.
func (h *HashComputer) ComputeAccountsHash() (types.Hash, error) {
	var hashes []types.Hash
	err := h.db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	return ComputeMerkleRoot(hashes), nil
}

// ComputeDeltaHash computes the merkle root over the given accounts.
// Pubkeys must be sorted; deleted accounts contribute a zero hash.
func (h *HashComputer) ComputeDeltaHash(modified []types.Pubkey) (types.Hash, error) {
	if len(modified) == 0 {
		return types.Hash{}, nil
	}

	hashes := make([]types.Hash, 0, len(modified))
	for _, pubkey := range modified {
		account, err := h.db.GetAccount(pubkey)
		if err == ErrAccountNotFound {
			hashes = append(hashes, types.Hash{})
			continue
		}
		if err != nil {
			return types.Hash{}, err
		}
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
	}
	return ComputeMerkleRoot(hashes), nil
}

// ComputeMerkleRoot builds a binary merkle tree over the hashes.
// Leaf: blake3(0x00 || hash). Node: blake3(0x01 || left || right).
// An unpaired node pairs with the zero hash.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = leafHash(h)
	}

	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = nodeHash(level[i], right)
		}
		level = next
	}
	return level[0]
}

func leafHash(data types.Hash) types.Hash {
	h := blake3.New()
	h.Write([]byte{0x00})
	h.Write(data[:])
	var out types.Hash
	h.Sum(out[:0])
	return out
}

func nodeHash(left, right types.Hash) types.Hash {
	h := blake3.New()
	h.Write([]byte{0x01})
	h.Write(left[:])
	h.Write(right[:])
	var out types.Hash
	h.Sum(out[:0])
	return out
}

func comparePubkeys(a, b types.Pubkey) int {
	for i := 0; i < 32; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// SortPubkeys sorts pubkeys in ascending order.
func SortPubkeys(pubkeys []types.Pubkey) {
	sort.Slice(pubkeys, func(i, j int) bool {
		return comparePubkeys(pubkeys[i], pubkeys[j]) < 0
	})
}
