package proofs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/btcsuite/btcutil"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/ripemd160"
)

var log = logging.Logger("proofs")

// Proof is a compact inclusion proof: the salted pre-hash payload of the
// challenged leaf, its position, and the sibling hashes along the path from
// the leaf to the audit root, bottom-up.
type Proof struct {
	Leaf     string   `json:"leaf"`
	Index    int      `json:"index"`
	Siblings []string `json:"siblings"`
}

// Stream consumes shard bytes and produces a compact proof against a
// pre-published leaf set and a challenge. Feed it with io.Copy, then call
// Finish.
type Stream struct {
	tree     *Tree
	leaves   []string
	salt     []byte
	sha      hash.Hash
	finished bool
}

// NewStream prepares a prover for one audit. The leaf set is the contract's
// public Merkle record; the challenge is the renter's salt in hex.
func NewStream(leaves []string, challenge string) (*Stream, error) {
	salt, err := hex.DecodeString(challenge)
	if err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	tree, err := NewTree(leaves)
	if err != nil {
		return nil, err
	}
	sha := sha256.New()
	sha.Write(salt)
	return &Stream{
		tree:   tree,
		leaves: leaves,
		salt:   salt,
		sha:    sha,
	}, nil
}

// Write consumes a slice of shard bytes.
func (s *Stream) Write(p []byte) (int, error) {
	if s.finished {
		return 0, errors.New("proof stream already finished")
	}
	return s.sha.Write(p)
}

// Finish computes the salted pre-hash over everything written, locates the
// matching leaf and returns the inclusion proof. It fails when the computed
// leaf is not in the published leaf set, which is what a truncated or
// corrupted shard stream looks like.
func (s *Stream) Finish() (*Proof, error) {
	if s.finished {
		return nil, errors.New("proof stream already finished")
	}
	s.finished = true

	rip := ripemd160.New()
	rip.Write(s.sha.Sum(nil))
	pre := rip.Sum(nil)
	leaf := hex.EncodeToString(btcutil.Hash160(pre))

	index := -1
	for i, l := range s.leaves {
		if l == leaf {
			index = i
			break
		}
	}
	if index == -1 {
		log.Debugw("computed leaf not in audit record", "leaf", leaf)
		return nil, errors.New("shard data does not match audit record")
	}

	siblings := s.tree.siblings(index)
	proof := &Proof{
		Leaf:     hex.EncodeToString(pre),
		Index:    index,
		Siblings: make([]string, len(siblings)),
	}
	for i, sib := range siblings {
		proof.Siblings[i] = hex.EncodeToString(sib)
	}
	return proof, nil
}

// Prove streams shard bytes from r through a fresh Stream and returns the
// proof.
func Prove(leaves []string, challenge string, r io.Reader) (*Proof, error) {
	s, err := NewStream(leaves, challenge)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(s, r); err != nil {
		return nil, err
	}
	return s.Finish()
}

// Verify recomputes the root from a compact proof. It returns the expected
// root and the computed root; the caller compares them for equality. An error
// means the proof is structurally unusable, not merely failing.
func Verify(p *Proof, expectedRoot string, depth int) (expected, computed []byte, err error) {
	if p == nil {
		return nil, nil, errors.New("nil proof")
	}
	if len(p.Siblings) != depth {
		return nil, nil, fmt.Errorf("proof depth %d, want %d", len(p.Siblings), depth)
	}
	expected, err = hex.DecodeString(expectedRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("decode root: %w", err)
	}
	pre, err := hex.DecodeString(p.Leaf)
	if err != nil {
		return nil, nil, fmt.Errorf("decode leaf payload: %w", err)
	}

	node := btcutil.Hash160(pre)
	index := p.Index
	for _, sibHex := range p.Siblings {
		sib, err := hex.DecodeString(sibHex)
		if err != nil {
			return nil, nil, fmt.Errorf("decode sibling: %w", err)
		}
		if index&1 == 0 {
			node = hashPair(node, sib)
		} else {
			node = hashPair(sib, node)
		}
		index >>= 1
	}
	return expected, node, nil
}

// Accepted reports whether a Verify result accepts the proof.
func Accepted(expected, computed []byte) bool {
	return len(expected) > 0 && bytes.Equal(expected, computed)
}
