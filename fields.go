package core

// Descriptor field names. The catalog below is the single source of truth for
// which fields a shard descriptor carries; serialization, validation and Diff
// all iterate it.
const (
	FieldVersion            = "version"
	FieldRenterID           = "renter_id"
	FieldRenterHDKey        = "renter_hd_key"
	FieldRenterHDIndex      = "renter_hd_index"
	FieldRenterSignature    = "renter_signature"
	FieldFarmerID           = "farmer_id"
	FieldFarmerHDKey        = "farmer_hd_key"
	FieldFarmerHDIndex      = "farmer_hd_index"
	FieldFarmerSignature    = "farmer_signature"
	FieldDataSize           = "data_size"
	FieldDataHash           = "data_hash"
	FieldStoreBegin         = "store_begin"
	FieldStoreEnd           = "store_end"
	FieldAuditLeaves        = "audit_leaves"
	FieldPaymentDestination = "payment_destination"
)

type fieldKind int

const (
	kindInt fieldKind = iota
	kindString
	kindStringList
)

type fieldSpec struct {
	name string
	kind fieldKind
}

// fieldCatalog lists every descriptor field in canonical declaration order.
var fieldCatalog = []fieldSpec{
	{FieldVersion, kindInt},
	{FieldRenterID, kindString},
	{FieldRenterHDKey, kindString},
	{FieldRenterHDIndex, kindInt},
	{FieldRenterSignature, kindString},
	{FieldFarmerID, kindString},
	{FieldFarmerHDKey, kindString},
	{FieldFarmerHDIndex, kindInt},
	{FieldFarmerSignature, kindString},
	{FieldDataSize, kindInt},
	{FieldDataHash, kindString},
	{FieldStoreBegin, kindInt},
	{FieldStoreEnd, kindInt},
	{FieldAuditLeaves, kindStringList},
	{FieldPaymentDestination, kindString},
}

// FieldNames returns the names of all descriptor fields in catalog order.
func FieldNames() []string {
	names := make([]string, len(fieldCatalog))
	for i, f := range fieldCatalog {
		names[i] = f.name
	}
	return names
}

// RenewalFields is the set of fields a renter may change when renewing an
// existing contract. A renewal differing in any other field is rejected.
var RenewalFields = map[string]struct{}{
	FieldRenterID:        {},
	FieldRenterHDKey:     {},
	FieldRenterSignature: {},
	FieldStoreBegin:      {},
	FieldStoreEnd:        {},
	FieldAuditLeaves:     {},
}
