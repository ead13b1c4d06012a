package node

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	core "github.com/shardbay/go-node-core"
	"github.com/shardbay/go-node-core/proofs"
	"github.com/shardbay/go-node-core/testutil"
)

// farmerHolds stores a complete contract on the farmer node under the
// renter's extended public key, as CLAIM or OFFER acceptance would have.
func farmerHolds(t *testing.T, farmer *testNode, renter *testNode, c *core.Contract) string {
	t.Helper()
	key := c.Key(renter.party.Signer.HDKey())
	require.NoError(t, farmer.contracts.Put(key, c))
	return key
}

func TestAuditHappyPath(t *testing.T) {
	net := newMemNet()
	farmer := newTestNode(t, net, 4001)
	renter := newTestNode(t, net, 4002)

	challenges, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	c, err := testutil.MakeContract(renter.party, farmer.party, testutil.ShardBytes, leaves)
	require.NoError(t, err)
	farmerHolds(t, farmer, renter, c)
	hash := storeShard(t, farmer, testutil.ShardBytes)

	results, err := renter.node.AuditRemoteShards(context.Background(), farmer.party.Contact, []AuditRequest{
		{Hash: hash, Challenge: challenges[0]},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, hash, results[0].Hash)
	require.NotNil(t, results[0].Proof)

	tree, err := proofs.NewTree(leaves)
	require.NoError(t, err)
	expected, computed, err := proofs.Verify(results[0].Proof, tree.RootHex(), tree.Depth())
	require.NoError(t, err)
	require.Equal(t, expected, computed)
}

func TestAuditIsTotalAndOrdered(t *testing.T) {
	net := newMemNet()
	farmer := newTestNode(t, net, 4001)
	renter := newTestNode(t, net, 4002)

	challenges, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	c, err := testutil.MakeContract(renter.party, farmer.party, testutil.ShardBytes, leaves)
	require.NoError(t, err)
	farmerHolds(t, farmer, renter, c)
	hash := storeShard(t, farmer, testutil.ShardBytes)

	missing := core.Hash160Hex([]byte("never consigned"))
	results, err := renter.node.AuditRemoteShards(context.Background(), farmer.party.Contact, []AuditRequest{
		{Hash: missing, Challenge: challenges[0]},
		{Hash: hash, Challenge: challenges[1]},
		{Hash: hash, Challenge: "not hex"},
	})
	require.NoError(t, err, "audit never fails as a whole")
	require.Len(t, results, 3)
	require.Nil(t, results[0].Proof, "missing contract yields nil proof")
	require.NotNil(t, results[1].Proof)
	require.Nil(t, results[2].Proof, "bad challenge yields nil proof")
	require.Equal(t, missing, results[0].Hash)
	require.Equal(t, hash, results[1].Hash)
}

func TestConsignMintsToken(t *testing.T) {
	net := newMemNet()
	farmer := newTestNode(t, net, 4001)
	renter := newTestNode(t, net, 4002)

	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	c, err := testutil.MakeContract(renter.party, farmer.party, testutil.ShardBytes, leaves)
	require.NoError(t, err)
	farmerHolds(t, farmer, renter, c)

	toks, err := renter.node.AuthorizeConsignment(context.Background(), farmer.party.Contact, []string{c.DataHash()})
	require.NoError(t, err)
	require.Len(t, toks, 1)

	_, err = farmer.node.tokens.Authorize(toks[0], c.DataHash())
	require.NoError(t, err)
}

func TestConsignExpiredContract(t *testing.T) {
	net := newMemNet()
	// The farmer's clock runs far in the future so the contract below is past
	// its validity window without being malformed.
	future := time.Now().Add(200 * 24 * time.Hour)
	farmer := newTestNode(t, net, 4001, WithClock(func() time.Time { return future }))
	renter := newTestNode(t, net, 4002)

	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	c, err := testutil.MakeContract(renter.party, farmer.party, testutil.ShardBytes, leaves)
	require.NoError(t, err)
	farmerHolds(t, farmer, renter, c)

	before := farmer.node.tokens.Count()
	_, err = renter.node.AuthorizeConsignment(context.Background(), farmer.party.Contact, []string{c.DataHash()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Contract has expired")
	require.Equal(t, before, farmer.node.tokens.Count(), "token table size unchanged")
}

func TestConsignNoContract(t *testing.T) {
	net := newMemNet()
	farmer := newTestNode(t, net, 4001)
	renter := newTestNode(t, net, 4002)

	_, err := renter.node.AuthorizeConsignment(context.Background(), farmer.party.Contact, []string{core.Hash160Hex(testutil.ShardBytes)})
	require.Error(t, err)
}

func TestRetrieveShardNotFound(t *testing.T) {
	net := newMemNet()
	farmer := newTestNode(t, net, 4001)
	renter := newTestNode(t, net, 4002)

	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	c, err := testutil.MakeContract(renter.party, farmer.party, testutil.ShardBytes, leaves)
	require.NoError(t, err)
	farmerHolds(t, farmer, renter, c)

	_, err = renter.node.AuthorizeRetrieval(context.Background(), farmer.party.Contact, []string{c.DataHash()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Shard not found")

	storeShard(t, farmer, testutil.ShardBytes)
	toks, err := renter.node.AuthorizeRetrieval(context.Background(), farmer.party.Contact, []string{c.DataHash()})
	require.NoError(t, err)
	require.Len(t, toks, 1)
}

func TestRenewAllowedFields(t *testing.T) {
	net := newMemNet()
	farmer := newTestNode(t, net, 4001)
	renter := newTestNode(t, net, 4002)

	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	c, err := testutil.MakeContract(renter.party, farmer.party, testutil.ShardBytes, leaves)
	require.NoError(t, err)
	key := farmerHolds(t, farmer, renter, c)

	renewal := c.Copy()
	require.NoError(t, renewal.Set(core.FieldStoreEnd, c.StoreEnd()+(30*24*time.Hour).Milliseconds()))
	require.NoError(t, renewal.Sign(core.RoleRenter, renter.party.Signer))

	finalized, err := renter.node.RequestContractRenewal(context.Background(), farmer.party.Contact, renewal)
	require.NoError(t, err)
	require.True(t, finalized.IsValid())
	require.True(t, finalized.IsComplete())
	require.Equal(t, renewal.StoreEnd(), finalized.StoreEnd())

	stored, found, err := farmer.contracts.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, renewal.StoreEnd(), stored.StoreEnd())
}

func TestRenewDisallowedField(t *testing.T) {
	net := newMemNet()
	farmer := newTestNode(t, net, 4001)
	renter := newTestNode(t, net, 4002)

	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	c, err := testutil.MakeContract(renter.party, farmer.party, testutil.ShardBytes, leaves)
	require.NoError(t, err)
	farmerHolds(t, farmer, renter, c)

	imposter, err := testutil.NewParty(4009)
	require.NoError(t, err)
	renewal := c.Copy()
	require.NoError(t, renewal.Set(core.FieldFarmerHDKey, imposter.Signer.HDKey()))
	require.NoError(t, renewal.Sign(core.RoleRenter, renter.party.Signer))

	_, err = renter.node.RequestContractRenewal(context.Background(), farmer.party.Contact, renewal)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Rejecting renewal of farmer_hd_key")
}

func TestRenewUnknownContract(t *testing.T) {
	net := newMemNet()
	farmer := newTestNode(t, net, 4001)
	renter := newTestNode(t, net, 4002)

	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	c, err := testutil.MakeContract(renter.party, farmer.party, testutil.ShardBytes, leaves)
	require.NoError(t, err)

	_, err = renter.node.RequestContractRenewal(context.Background(), farmer.party.Contact, c)
	require.Error(t, err)
}

func TestClaimRejectedWithoutAllowList(t *testing.T) {
	net := newMemNet()
	farmer := newTestNode(t, net, 4001) // no claims configured
	renter := newTestNode(t, net, 4002)

	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	c, err := renterDescriptor(renter.party, leaves)
	require.NoError(t, err)

	_, _, err = renter.node.ClaimFarmerCapacity(context.Background(), farmer.party.Contact, c)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Currently rejecting claims")

	var count int
	require.NoError(t, farmer.contracts.ForEach(func(string, *core.Contract) bool {
		count++
		return false
	}))
	require.Zero(t, count, "nothing persisted")
}

func TestClaimAcceptedWithWildcard(t *testing.T) {
	net := newMemNet()
	farmer := newTestNode(t, net, 4001, WithClaims([]string{"*"}))
	renter := newTestNode(t, net, 4002)

	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	c, err := renterDescriptor(renter.party, leaves)
	require.NoError(t, err)

	finalized, token, err := renter.node.ClaimFarmerCapacity(context.Background(), farmer.party.Contact, c)
	require.NoError(t, err)
	require.True(t, finalized.IsValid())
	require.True(t, finalized.IsComplete())
	require.Equal(t, farmer.party.Signer.Identity(), finalized.Get(core.FieldFarmerID))
	require.Equal(t, "payment-address-stub", finalized.Get(core.FieldPaymentDestination))

	// The token authorizes a consignment of exactly this shard.
	_, err = farmer.node.tokens.Authorize(token, finalized.DataHash())
	require.NoError(t, err)

	stored, found, err := farmer.contracts.Get(finalized.Key(renter.party.Signer.HDKey()))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, stored.IsComplete())
}

func TestClaimAcceptedForListedRenter(t *testing.T) {
	net := newMemNet()
	renter := newTestNode(t, net, 4002)
	farmer := newTestNode(t, net, 4001, WithClaims([]string{renter.party.Signer.HDKey()}))

	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	c, err := renterDescriptor(renter.party, leaves)
	require.NoError(t, err)

	_, _, err = renter.node.ClaimFarmerCapacity(context.Background(), farmer.party.Contact, c)
	require.NoError(t, err)
}

func TestOfferRoundTrip(t *testing.T) {
	net := newMemNet()
	renter := newTestNode(t, net, 4002, WithMaxOffers(1))
	farmer := newTestNode(t, net, 4001)

	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	published, err := renterDescriptor(renter.party, leaves)
	require.NoError(t, err)

	stream, err := renter.node.PublishShardDescriptor(context.Background(), published)
	require.NoError(t, err)

	// The renter accepts the first admitted offer.
	accepted := make(chan *core.Contract, 1)
	go func() {
		offer := <-stream.Offers()
		_ = renter.node.AcceptOffer(offer)
		accepted <- offer.Contract
	}()

	finalized, err := farmer.node.OfferShardAllocation(context.Background(), renter.party.Contact, published.Copy())
	require.NoError(t, err)
	require.True(t, finalized.IsComplete())

	got := <-accepted
	require.Equal(t, finalized.DataHash(), got.DataHash())

	// Both sides persisted the contract.
	_, found, err := renter.contracts.Get(finalized.Key(finalized.FarmerHDKey()))
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = farmer.contracts.Get(finalized.Key(renter.party.Signer.HDKey()))
	require.NoError(t, err)
	require.True(t, found)
}

func TestOfferWithoutStream(t *testing.T) {
	net := newMemNet()
	renter := newTestNode(t, net, 4002)
	farmer := newTestNode(t, net, 4001)

	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	c, err := testutil.MakeContract(renter.party, farmer.party, testutil.ShardBytes, leaves)
	require.NoError(t, err)

	_, err = farmer.node.OfferShardAllocation(context.Background(), renter.party.Contact, c)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Offers for descriptor are closed")
}

func TestOfferInvalidDescriptor(t *testing.T) {
	net := newMemNet()
	renter := newTestNode(t, net, 4002)
	farmer := newTestNode(t, net, 4001)

	raw := []json.RawMessage{json.RawMessage(`{"data_hash": 42}`)}
	_, err := renter.node.handleOffer(context.Background(), farmer.party.Contact, raw)
	require.ErrorIs(t, err, core.ErrInvalidDescriptor)
}

func TestOfferArbitration(t *testing.T) {
	net := newMemNet()
	renter := newTestNode(t, net, 4002, WithMaxOffers(1))
	farmerA := newTestNode(t, net, 4001)
	farmerB := newTestNode(t, net, 4003)

	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	published, err := renterDescriptor(renter.party, leaves)
	require.NoError(t, err)

	stream, err := renter.node.PublishShardDescriptor(context.Background(), published)
	require.NoError(t, err)

	type outcome struct {
		finalized *core.Contract
		err       error
	}
	results := make(chan outcome, 2)
	offerFrom := func(f *testNode) {
		finalized, err := f.node.OfferShardAllocation(context.Background(), renter.party.Contact, published.Copy())
		results <- outcome{finalized: finalized, err: err}
	}
	go offerFrom(farmerA)
	go offerFrom(farmerB)

	// Exactly one offer is exposed; accept it. The second is rejected once
	// the first resolves.
	offer := <-stream.Offers()
	require.NoError(t, renter.node.AcceptOffer(offer))

	first := <-results
	second := <-results
	if first.err != nil {
		first, second = second, first
	}
	require.NoError(t, first.err)
	require.NotNil(t, first.finalized)
	require.Error(t, second.err)

	_, ok := <-stream.Offers()
	require.False(t, ok, "stream ended after one acceptance")
}

func TestProbe(t *testing.T) {
	net := newMemNet()
	a := newTestNode(t, net, 4001)
	b := newTestNode(t, net, 4002)

	reply, err := b.transport.Send(context.Background(), a.party.Contact, core.VerbProbe, nil)
	require.NoError(t, err)
	require.Empty(t, reply)

	a.transport.mu.Lock()
	a.transport.pingErr = errors.New("unreachable")
	a.transport.mu.Unlock()
	_, err = b.transport.Send(context.Background(), a.party.Contact, core.VerbProbe, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Failed to reach probe originator")
}

// renterDescriptor builds a renter-signed descriptor with empty farmer side,
// as published for offers or sent with a CLAIM.
func renterDescriptor(renter *testutil.Party, leaves []string) (*core.Contract, error) {
	now := time.Now().UnixMilli()
	c := core.New()
	fields := map[string]interface{}{
		core.FieldDataHash:      core.Hash160Hex(testutil.ShardBytes),
		core.FieldDataSize:      int64(len(testutil.ShardBytes)),
		core.FieldStoreBegin:    now,
		core.FieldStoreEnd:      now + (90 * 24 * time.Hour).Milliseconds(),
		core.FieldRenterID:      renter.Signer.Identity(),
		core.FieldRenterHDKey:   renter.Signer.HDKey(),
		core.FieldRenterHDIndex: int64(0),
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
	return c, nil
}
