package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
)

// Role identifies which side of a storage contract a party acts as.
type Role string

const (
	RoleRenter Role = "renter"
	RoleFarmer Role = "farmer"
)

// CurrentVersion is the descriptor schema version written by this node.
const CurrentVersion = 1

// Contract is a shard storage descriptor: an open-schema mapping from the
// descriptor field catalog to scalar values, signed by the renter and the
// farmer. The zero value is not usable; construct with New, From or Copy.
type Contract struct {
	fields map[string]interface{}
}

// New returns a descriptor with every catalog field set to its zero value and
// the version field set to CurrentVersion.
func New() *Contract {
	c := &Contract{fields: make(map[string]interface{}, len(fieldCatalog))}
	for _, f := range fieldCatalog {
		switch f.kind {
		case kindInt:
			c.fields[f.name] = int64(0)
		case kindString:
			c.fields[f.name] = ""
		case kindStringList:
			c.fields[f.name] = []string{}
		}
	}
	c.fields[FieldVersion] = int64(CurrentVersion)
	return c
}

// From builds a descriptor from an arbitrary mapping. It never fails; fields
// that are missing or carry a value of the wrong shape are left at their zero
// value, which surfaces later as IsValid() == false. Unknown keys are dropped.
func From(descriptor map[string]interface{}) *Contract {
	c := New()
	if descriptor == nil {
		return c
	}
	for _, f := range fieldCatalog {
		v, ok := descriptor[f.name]
		if !ok {
			continue
		}
		if norm, ok := normalize(f.kind, v); ok {
			c.fields[f.name] = norm
		}
	}
	return c
}

// Copy returns a deep copy of the descriptor.
func (c *Contract) Copy() *Contract {
	out := &Contract{fields: make(map[string]interface{}, len(c.fields))}
	for k, v := range c.fields {
		if ls, ok := v.([]string); ok {
			cp := make([]string, len(ls))
			copy(cp, ls)
			out.fields[k] = cp
			continue
		}
		out.fields[k] = v
	}
	return out
}

// normalize coerces a raw value to the storage representation for the given
// field kind. JSON decoding produces float64 for numbers, so integer fields
// accept several numeric shapes.
func normalize(kind fieldKind, v interface{}) (interface{}, bool) {
	switch kind {
	case kindInt:
		switch n := v.(type) {
		case int64:
			return n, true
		case int:
			return int64(n), true
		case uint32:
			return int64(n), true
		case float64:
			return int64(n), true
		case json.Number:
			i, err := n.Int64()
			return i, err == nil
		}
	case kindString:
		if s, ok := v.(string); ok {
			return s, true
		}
	case kindStringList:
		switch ls := v.(type) {
		case []string:
			cp := make([]string, len(ls))
			copy(cp, ls)
			return cp, true
		case []interface{}:
			cp := make([]string, 0, len(ls))
			for _, e := range ls {
				s, ok := e.(string)
				if !ok {
					return nil, false
				}
				cp = append(cp, s)
			}
			return cp, true
		}
	}
	return nil, false
}

// Get returns the value of a descriptor field, or nil for an unknown name.
func (c *Contract) Get(name string) interface{} {
	v, ok := c.fields[name]
	if !ok {
		return nil
	}
	if ls, ok := v.([]string); ok {
		cp := make([]string, len(ls))
		copy(cp, ls)
		return cp
	}
	return v
}

// Set assigns a descriptor field. Unknown names and values of the wrong shape
// are rejected.
func (c *Contract) Set(name string, value interface{}) error {
	for _, f := range fieldCatalog {
		if f.name != name {
			continue
		}
		norm, ok := normalize(f.kind, value)
		if !ok {
			return fmt.Errorf("field %s: unsupported value type %T", name, value)
		}
		c.fields[name] = norm
		return nil
	}
	return fmt.Errorf("unknown descriptor field: %s", name)
}

func (c *Contract) getString(name string) string {
	s, _ := c.fields[name].(string)
	return s
}

func (c *Contract) getInt(name string) int64 {
	n, _ := c.fields[name].(int64)
	return n
}

// Typed accessors for the fields the protocol handlers touch on every path.

func (c *Contract) DataHash() string    { return c.getString(FieldDataHash) }
func (c *Contract) DataSize() int64     { return c.getInt(FieldDataSize) }
func (c *Contract) StoreBegin() int64   { return c.getInt(FieldStoreBegin) }
func (c *Contract) StoreEnd() int64     { return c.getInt(FieldStoreEnd) }
func (c *Contract) RenterHDKey() string { return c.getString(FieldRenterHDKey) }
func (c *Contract) FarmerHDKey() string { return c.getString(FieldFarmerHDKey) }

func (c *Contract) AuditLeaves() []string {
	ls, _ := c.fields[FieldAuditLeaves].([]string)
	return ls
}

// HDKey returns the extended public key field for the given role.
func (c *Contract) HDKey(role Role) string {
	return c.getString(string(role) + "_hd_key")
}

// HDIndex returns the derivation index field for the given role.
func (c *Contract) HDIndex(role Role) uint32 {
	return uint32(c.getInt(string(role) + "_hd_index"))
}

// Signature returns the detached signature field for the given role.
func (c *Contract) Signature(role Role) string {
	return c.getString(string(role) + "_signature")
}

// Key returns the contract store key for this descriptor held against the
// given counterparty extended public key.
func (c *Contract) Key(counterpartyHDKey string) string {
	return ContractKey(c.DataHash(), counterpartyHDKey)
}

// ContractKey composes the contract store key for a shard hash and a
// counterparty extended public key.
func ContractKey(dataHash, counterpartyHDKey string) string {
	return dataHash + ":" + counterpartyHDKey
}

// signingBlanks maps each role to the fields its signature does NOT cover:
// both signature fields plus the counterparty's fillable fields. Blanking the
// counterparty's fields keeps a signature verifiable after the other side
// fills or renews its half of the descriptor.
var signingBlanks = map[Role][]string{
	RoleRenter: {
		FieldRenterSignature, FieldFarmerSignature,
		FieldFarmerID, FieldFarmerHDKey, FieldFarmerHDIndex, FieldPaymentDestination,
	},
	RoleFarmer: {
		FieldRenterSignature, FieldFarmerSignature,
		FieldRenterID, FieldRenterHDKey, FieldRenterHDIndex,
		FieldStoreBegin, FieldStoreEnd, FieldAuditLeaves,
	},
}

// SigningBytes returns the canonical serialization the given role's detached
// signature covers: the descriptor as a JSON object with alphabetically
// sorted keys and the role's blanked fields at their zero values.
func (c *Contract) SigningBytes(role Role) ([]byte, error) {
	blanks, ok := signingBlanks[role]
	if !ok {
		return nil, fmt.Errorf("unknown contract role: %s", role)
	}
	blanked := make(map[string]interface{}, len(c.fields))
	for k, v := range c.fields {
		blanked[k] = v
	}
	for _, name := range blanks {
		for _, f := range fieldCatalog {
			if f.name != name {
				continue
			}
			switch f.kind {
			case kindInt:
				blanked[name] = int64(0)
			case kindString:
				blanked[name] = ""
			case kindStringList:
				blanked[name] = []string{}
			}
		}
	}
	return json.Marshal(blanked)
}

func (c *Contract) signingDigest(role Role) ([]byte, error) {
	b, err := c.SigningBytes(role)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// Sign writes the signature field for the given role. The signing key is the
// child of the signer's extended key at the descriptor's derivation index for
// that role; the corresponding hd_key field must already carry the signer's
// extended public key.
func (c *Contract) Sign(role Role, signer *Signer) error {
	digest, err := c.signingDigest(role)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest, c.HDIndex(role))
	if err != nil {
		return err
	}
	c.fields[string(role)+"_signature"] = sig
	return nil
}

// VerifySignature checks the populated signature for the given role against
// the public key derived from the role's hd_key at its hd_index.
func (c *Contract) VerifySignature(role Role) error {
	sig := c.Signature(role)
	if sig == "" {
		return fmt.Errorf("%s signature not present", role)
	}
	digest, err := c.signingDigest(role)
	if err != nil {
		return err
	}
	return VerifySignature(digest, sig, c.HDKey(role), c.HDIndex(role))
}

// IsWellFormed reports whether every descriptor field is present with the
// correct type and shape and the validity window is ordered. It does not
// verify signatures; see IsValid.
func (c *Contract) IsWellFormed() bool {
	for _, f := range fieldCatalog {
		v, ok := c.fields[f.name]
		if !ok {
			return false
		}
		switch f.kind {
		case kindInt:
			if _, ok := v.(int64); !ok {
				return false
			}
		case kindString:
			if _, ok := v.(string); !ok {
				return false
			}
		case kindStringList:
			if _, ok := v.([]string); !ok {
				return false
			}
		}
	}
	if !isHexHash(c.DataHash()) {
		return false
	}
	if c.DataSize() < 0 {
		return false
	}
	if c.StoreEnd() <= c.StoreBegin() {
		return false
	}
	if c.getInt(FieldVersion) < 1 {
		return false
	}
	for _, leaf := range c.AuditLeaves() {
		if !isHexHash(leaf) {
			return false
		}
	}
	for _, role := range []Role{RoleRenter, RoleFarmer} {
		id := c.getString(string(role) + "_id")
		if id != "" && !isHexHash(id) {
			return false
		}
		if c.getInt(string(role)+"_hd_index") < 0 || c.getInt(string(role)+"_hd_index") >= hdHardenedOffset {
			return false
		}
	}
	return true
}

// IsValid reports whether the descriptor is well formed and every populated
// signature verifies against the key derived from its role's hd_key.
func (c *Contract) IsValid() bool {
	if !c.IsWellFormed() {
		return false
	}
	for _, role := range []Role{RoleRenter, RoleFarmer} {
		if c.Signature(role) != "" && c.VerifySignature(role) != nil {
			return false
		}
	}
	return true
}

// IsComplete reports whether both parties have signed the descriptor.
func (c *Contract) IsComplete() bool {
	return c.Signature(RoleRenter) != "" && c.Signature(RoleFarmer) != ""
}

// Diff returns the names of fields whose values differ between the two
// descriptors. The comparison is set-semantic over the field catalog, not
// structural.
func Diff(a, b *Contract) []string {
	var names []string
	for _, f := range fieldCatalog {
		if !reflect.DeepEqual(a.fields[f.name], b.fields[f.name]) {
			names = append(names, f.name)
		}
	}
	return names
}

// MarshalJSON serializes the descriptor as a flat JSON object.
func (c *Contract) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.fields)
}

// UnmarshalJSON rebuilds the descriptor from a flat JSON object, coercing
// field values through the catalog. Malformed field values degrade to zero
// values rather than failing, matching From.
func (c *Contract) UnmarshalJSON(b []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = *From(raw)
	return nil
}

// isHexHash reports whether s is a 40-character lowercase hexadecimal
// RIPEMD160 digest.
func isHexHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
