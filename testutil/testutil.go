// Package testutil provides fixtures shared by tests across the repo:
// signed contracts, party keys and contacts.
package testutil

import (
	"time"

	core "github.com/shardbay/go-node-core"
	"github.com/shardbay/go-node-core/proofs"
)

// Party bundles a signer with the contact other peers would see.
type Party struct {
	Signer  *core.Signer
	Contact core.Contact
}

// NewParty generates a fresh identity listening on the given port.
func NewParty(port int) (*Party, error) {
	signer, err := core.NewRandomSigner()
	if err != nil {
		return nil, err
	}
	return &Party{
		Signer: signer,
		Contact: core.Contact{
			Identity: signer.Identity(),
			Info: core.AddressInfo{
				Hostname: "127.0.0.1",
				Port:     port,
				XPub:     signer.HDKey(),
			},
		},
	}, nil
}

// ShardBytes is the canonical test shard.
var ShardBytes = []byte("this is a test shard")

// MakeAudit builds challenges and the matching leaf set for a shard.
func MakeAudit(data []byte, n int) (challenges, leaves []string, err error) {
	challenges = make([]string, n)
	for i := range challenges {
		challenges[i], err = proofs.NewChallenge()
		if err != nil {
			return nil, nil, err
		}
	}
	leaves, err = proofs.ComputeLeaves(data, challenges)
	if err != nil {
		return nil, nil, err
	}
	return challenges, leaves, nil
}

// MakeContract builds a valid, complete contract between renter and farmer
// over the given shard bytes, signed by both parties. The validity window
// starts now and runs 90 days.
func MakeContract(renter, farmer *Party, data []byte, leaves []string) (*core.Contract, error) {
	now := time.Now().UnixMilli()
	return MakeContractAt(renter, farmer, data, leaves, now, now+(90*24*time.Hour).Milliseconds())
}

// MakeContractAt is MakeContract with an explicit validity window.
func MakeContractAt(renter, farmer *Party, data []byte, leaves []string, begin, end int64) (*core.Contract, error) {
	c := core.New()
	fields := map[string]interface{}{
		core.FieldDataHash:           core.Hash160Hex(data),
		core.FieldDataSize:           int64(len(data)),
		core.FieldStoreBegin:         begin,
		core.FieldStoreEnd:           end,
		core.FieldRenterID:           renter.Signer.Identity(),
		core.FieldRenterHDKey:        renter.Signer.HDKey(),
		core.FieldRenterHDIndex:      int64(0),
		core.FieldFarmerID:           farmer.Signer.Identity(),
		core.FieldFarmerHDKey:        farmer.Signer.HDKey(),
		core.FieldFarmerHDIndex:      int64(0),
		core.FieldPaymentDestination: "pay-" + farmer.Signer.Identity()[:8],
	}
	for name, v := range fields {
		if err := c.Set(name, v); err != nil {
			return nil, err
		}
	}
	if err := c.Set(core.FieldAuditLeaves, leaves); err != nil {
		return nil, err
	}
	if err := c.Sign(core.RoleRenter, renter.Signer); err != nil {
		return nil, err
	}
	if err := c.Sign(core.RoleFarmer, farmer.Signer); err != nil {
		return nil, err
	}
	return c, nil
}
