// Package test provides conformance tests shared by every contract store
// backend.
package test

import (
	"testing"

	"github.com/stretchr/testify/require"

	core "github.com/shardbay/go-node-core"
	"github.com/shardbay/go-node-core/testutil"
)

type fixtures struct {
	renter  *testutil.Party
	farmerA *testutil.Party
	farmerB *testutil.Party
	shard   []byte
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()
	renter, err := testutil.NewParty(4000)
	require.NoError(t, err)
	farmerA, err := testutil.NewParty(4001)
	require.NoError(t, err)
	farmerB, err := testutil.NewParty(4002)
	require.NoError(t, err)
	return &fixtures{renter: renter, farmerA: farmerA, farmerB: farmerB, shard: testutil.ShardBytes}
}

func (f *fixtures) contract(t *testing.T, farmer *testutil.Party, data []byte) *core.Contract {
	t.Helper()
	_, leaves, err := testutil.MakeAudit(data, 2)
	require.NoError(t, err)
	c, err := testutil.MakeContract(f.renter, farmer, data, leaves)
	require.NoError(t, err)
	return c
}

// E2ETest exercises the full ContractStore surface against one backend.
func E2ETest(t *testing.T, s core.ContractStore) {
	f := newFixtures(t)

	cA := f.contract(t, f.farmerA, f.shard)
	cB := f.contract(t, f.farmerB, f.shard)
	cOther := f.contract(t, f.farmerA, []byte("a different shard"))

	// From the renter's perspective the counterparty is the farmer.
	keyA := cA.Key(f.farmerA.Signer.HDKey())
	keyB := cB.Key(f.farmerB.Signer.HDKey())
	keyOther := cOther.Key(f.farmerA.Signer.HDKey())

	_, found, err := s.Get(keyA)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.Put(keyA, cA))
	require.NoError(t, s.Put(keyB, cB))
	require.NoError(t, s.Put(keyOther, cOther))

	got, found, err := s.Get(keyA)
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, core.Diff(cA, got))
	require.True(t, got.IsValid())
	require.True(t, got.IsComplete())

	// By-shard lookup returns one of the contracts for that hash.
	byShard, found, err := s.GetByShard(cA.DataHash())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, cA.DataHash(), byShard.DataHash())

	_, found, err = s.GetByShard("ffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	require.False(t, found)

	var count int
	require.NoError(t, s.ForEach(func(key string, c *core.Contract) bool {
		count++
		return false
	}))
	require.Equal(t, 3, count)

	removed, err := s.Remove(keyB)
	require.NoError(t, err)
	require.True(t, removed)
	_, found, err = s.Get(keyB)
	require.NoError(t, err)
	require.False(t, found)

	removed, err = s.Remove(keyB)
	require.NoError(t, err)
	require.False(t, removed)

	require.NoError(t, s.Flush())
}

// OverwriteTest checks last-writer-wins per key.
func OverwriteTest(t *testing.T, s core.ContractStore) {
	f := newFixtures(t)

	c1 := f.contract(t, f.farmerA, f.shard)
	key := c1.Key(f.farmerA.Signer.HDKey())
	require.NoError(t, s.Put(key, c1))

	c2 := c1.Copy()
	require.NoError(t, c2.Set(core.FieldStoreEnd, c1.StoreEnd()+1000))
	require.NoError(t, c2.Sign(core.RoleRenter, f.renter.Signer))
	require.NoError(t, c2.Sign(core.RoleFarmer, f.farmerA.Signer))
	require.NoError(t, s.Put(key, c2))

	got, found, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, c2.StoreEnd(), got.StoreEnd())
}
