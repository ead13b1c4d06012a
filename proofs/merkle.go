// Package proofs implements the audit side of the storage protocol: building
// Merkle commitments over salted shard pre-hashes, streaming shard bytes into
// a compact inclusion proof, and verifying such proofs against a published
// audit root.
package proofs

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcutil"
	"golang.org/x/crypto/ripemd160"
)

// ChallengeSize is the byte length of an audit challenge.
const ChallengeSize = 32

// emptyLeaf pads the leaf set out to a power of two.
var emptyLeaf = btcutil.Hash160(nil)

// Tree is a Merkle tree over an ordered leaf set. Parents are
// RIPEMD160(SHA256(left ‖ right)); the leaf level is padded to the next power
// of two with the hash of the empty string.
type Tree struct {
	// levels[0] is the padded leaf level; the last level holds the root.
	levels [][][]byte
	// count is the unpadded leaf count.
	count int
}

// NewTree builds a tree over hex-encoded leaves.
func NewTree(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, errors.New("empty leaf set")
	}
	level := make([][]byte, 0, nextPow2(len(leaves)))
	for i, l := range leaves {
		b, err := hex.DecodeString(l)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		level = append(level, b)
	}
	for len(level) < cap(level) {
		level = append(level, emptyLeaf)
	}

	t := &Tree{count: len(leaves)}
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// Root returns the audit root.
func (t *Tree) Root() []byte {
	root := t.levels[len(t.levels)-1][0]
	out := make([]byte, len(root))
	copy(out, root)
	return out
}

// RootHex returns the audit root in lowercase hex.
func (t *Tree) RootHex() string {
	return hex.EncodeToString(t.Root())
}

// Depth returns the number of levels between a leaf and the root, i.e. the
// sibling count of a compact proof.
func (t *Tree) Depth() int {
	return len(t.levels) - 1
}

// siblings returns the sibling hashes along the path from the indexed leaf to
// the root, bottom-up.
func (t *Tree) siblings(index int) [][]byte {
	path := make([][]byte, 0, t.Depth())
	for _, level := range t.levels[:len(t.levels)-1] {
		path = append(path, level[index^1])
		index >>= 1
	}
	return path
}

func hashPair(left, right []byte) []byte {
	return btcutil.Hash160(append(append([]byte{}, left...), right...))
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// NewChallenge returns a fresh random audit challenge in hex.
func NewChallenge() (string, error) {
	b := make([]byte, ChallengeSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ComputeLeaf returns the audit leaf for one challenge over the shard bytes
// read from r: the salted pre-hash RIPEMD160(SHA256(challenge ‖ bytes)),
// hashed once more into leaf form.
func ComputeLeaf(challenge string, r io.Reader) (string, error) {
	pre, err := computePreHash(challenge, r)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(btcutil.Hash160(pre)), nil
}

// ComputeLeaves builds the ordered audit leaf set for a shard and a list of
// challenges. The renter publishes these in the contract before consignment.
func ComputeLeaves(data []byte, challenges []string) ([]string, error) {
	leaves := make([]string, len(challenges))
	for i, ch := range challenges {
		leaf, err := ComputeLeaf(ch, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		leaves[i] = leaf
	}
	return leaves, nil
}

func computePreHash(challenge string, r io.Reader) ([]byte, error) {
	salt, err := hex.DecodeString(challenge)
	if err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	sha := sha256.New()
	sha.Write(salt)
	if _, err := io.Copy(sha, r); err != nil {
		return nil, err
	}
	rip := ripemd160.New()
	rip.Write(sha.Sum(nil))
	return rip.Sum(nil), nil
}
