package core

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/hdkeychain"
)

// hdHardenedOffset is the first hardened child index. Contract derivation
// indices must stay below it so counterparties can derive the same child from
// the published extended public key.
const hdHardenedOffset = 0x80000000

// Hash160Hex returns the lowercase hex encoding of RIPEMD160(SHA256(b)), the
// hash used for node identities and shard content addresses.
func Hash160Hex(b []byte) string {
	return hex.EncodeToString(btcutil.Hash160(b))
}

// Signer holds a node's extended private key and derives per-contract child
// keys at non-hardened indices.
type Signer struct {
	key      *hdkeychain.ExtendedKey
	hdKey    string
	identity string
}

// NewSigner wraps an extended private key. The node identity is the Hash160
// of the key's compressed public key.
func NewSigner(key *hdkeychain.ExtendedKey) (*Signer, error) {
	if !key.IsPrivate() {
		return nil, errors.New("signer requires an extended private key")
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}
	neutered, err := key.Neuter()
	if err != nil {
		return nil, err
	}
	return &Signer{
		key:      key,
		hdKey:    neutered.String(),
		identity: Hash160Hex(pub.SerializeCompressed()),
	}, nil
}

// NewSignerFromSeed derives a master extended key from the given seed and
// wraps it in a Signer.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	return NewSigner(master)
}

// NewRandomSigner generates a fresh random master key. Useful for tests and
// for first-run node setup.
func NewRandomSigner() (*Signer, error) {
	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return nil, err
	}
	return NewSignerFromSeed(seed)
}

// Identity returns the node identity hash in lowercase hex.
func (s *Signer) Identity() string { return s.identity }

// HDKey returns the extended public key counterparties verify against.
func (s *Signer) HDKey() string { return s.hdKey }

// Sign signs the digest with the child private key at the given non-hardened
// index and returns the DER signature in hex.
func (s *Signer) Sign(digest []byte, index uint32) (string, error) {
	if index >= hdHardenedOffset {
		return "", fmt.Errorf("derivation index %d is hardened", index)
	}
	child, err := s.key.Child(index)
	if err != nil {
		return "", err
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return "", err
	}
	sig, err := priv.Sign(digest)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifySignature checks a hex DER signature over digest against the public
// key derived from the extended public key at the given index.
func VerifySignature(digest []byte, sigHex, hdKey string, index uint32) error {
	if hdKey == "" {
		return errors.New("missing extended public key")
	}
	if index >= hdHardenedOffset {
		return fmt.Errorf("derivation index %d is hardened", index)
	}
	xpub, err := hdkeychain.NewKeyFromString(hdKey)
	if err != nil {
		return fmt.Errorf("parse extended key: %w", err)
	}
	child, err := xpub.Child(index)
	if err != nil {
		return err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return err
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	sig, err := btcec.ParseDERSignature(sigBytes, btcec.S256())
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	if !sig.Verify(digest, pub) {
		return errors.New("signature verification failed")
	}
	return nil
}
