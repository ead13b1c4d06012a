package offers_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	core "github.com/shardbay/go-node-core"
	"github.com/shardbay/go-node-core/offers"
	"github.com/shardbay/go-node-core/testutil"
)

type fixture struct {
	renter  *testutil.Party
	farmer  *testutil.Party
	farmer2 *testutil.Party
	offered *core.Contract
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	renter, err := testutil.NewParty(4000)
	require.NoError(t, err)
	farmer, err := testutil.NewParty(4001)
	require.NoError(t, err)
	farmer2, err := testutil.NewParty(4002)
	require.NoError(t, err)
	_, leaves, err := testutil.MakeAudit(testutil.ShardBytes, 2)
	require.NoError(t, err)
	offered, err := testutil.MakeContract(renter, farmer, testutil.ShardBytes, leaves)
	require.NoError(t, err)
	return &fixture{renter: renter, farmer: farmer, farmer2: farmer2, offered: offered}
}

type capture struct {
	mu       sync.Mutex
	called   bool
	err      error
	contract *core.Contract
}

func (c *capture) resolver() offers.Resolver {
	return func(err error, finalized *core.Contract) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.called = true
		c.err = err
		c.contract = finalized
	}
}

func (c *capture) result() (bool, error, *core.Contract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.called, c.err, c.contract
}

func TestQueueAdmitsValidOffer(t *testing.T) {
	f := newFixture(t)
	s := offers.NewStream(f.offered, offers.Options{MaxOffers: 1}, nil)

	var reply capture
	require.NoError(t, s.Queue(f.farmer.Contact, f.offered, reply.resolver()))

	offer := <-s.Offers()
	require.Equal(t, f.farmer.Contact.Identity, offer.Contact.Identity)

	offer.Resolve(nil, offer.Contract)
	called, err, finalized := reply.result()
	require.True(t, called)
	require.NoError(t, err)
	require.NotNil(t, finalized)
}

func TestQueueRejectsHashMismatch(t *testing.T) {
	f := newFixture(t)
	other := f.offered.Copy()
	require.NoError(t, other.Set(core.FieldDataHash, core.Hash160Hex([]byte("other shard"))))
	s := offers.NewStream(other, offers.Options{MaxOffers: 1}, nil)

	var reply capture
	err := s.Queue(f.farmer.Contact, f.offered, reply.resolver())
	require.ErrorIs(t, err, offers.ErrHashMismatch)
	called, rerr, _ := reply.result()
	require.True(t, called)
	require.Error(t, rerr)
}

func TestQueueRejectsUnsignedOffer(t *testing.T) {
	f := newFixture(t)
	unsigned := f.offered.Copy()
	require.NoError(t, unsigned.Set(core.FieldFarmerSignature, ""))
	s := offers.NewStream(f.offered, offers.Options{MaxOffers: 1}, nil)

	var reply capture
	err := s.Queue(f.farmer.Contact, unsigned, reply.resolver())
	require.ErrorIs(t, err, offers.ErrIncomplete)
}

func TestQueueRejectsBlacklistedFarmer(t *testing.T) {
	f := newFixture(t)
	s := offers.NewStream(f.offered, offers.Options{
		MaxOffers:       1,
		FarmerBlacklist: []string{f.farmer.Contact.Identity},
	}, nil)

	var reply capture
	err := s.Queue(f.farmer.Contact, f.offered, reply.resolver())
	require.ErrorIs(t, err, offers.ErrBlacklisted)
}

func TestSecondOfferRejectedAfterFirstResolves(t *testing.T) {
	f := newFixture(t)
	terminated := make(chan struct{})
	s := offers.NewStream(f.offered, offers.Options{MaxOffers: 1}, func() { close(terminated) })

	second, err := testutil.MakeContract(f.renter, f.farmer2, testutil.ShardBytes, f.offered.AuditLeaves())
	require.NoError(t, err)

	var reply1, reply2 capture
	require.NoError(t, s.Queue(f.farmer.Contact, f.offered, reply1.resolver()))
	require.NoError(t, s.Queue(f.farmer2.Contact, second, reply2.resolver()))

	// Only the first offer is exposed while maxOffers=1.
	offer := <-s.Offers()
	require.Equal(t, f.farmer.Contact.Identity, offer.Contact.Identity)
	called2, _, _ := reply2.result()
	require.False(t, called2)

	offer.Resolve(nil, offer.Contract)
	<-terminated

	_, ok := <-s.Offers()
	require.False(t, ok, "stream must be closed after max acceptances")

	called2, err2, _ := reply2.result()
	require.True(t, called2)
	require.ErrorIs(t, err2, offers.ErrStreamEnded)
}

func TestConsumerRejectionFreesSlot(t *testing.T) {
	f := newFixture(t)
	s := offers.NewStream(f.offered, offers.Options{MaxOffers: 1}, nil)

	second, err := testutil.MakeContract(f.renter, f.farmer2, testutil.ShardBytes, f.offered.AuditLeaves())
	require.NoError(t, err)

	var reply1, reply2 capture
	require.NoError(t, s.Queue(f.farmer.Contact, f.offered, reply1.resolver()))
	require.NoError(t, s.Queue(f.farmer2.Contact, second, reply2.resolver()))

	first := <-s.Offers()
	first.Resolve(core.ErrInvalidDescriptor, nil)

	// The queued second offer takes the freed slot.
	next := <-s.Offers()
	require.Equal(t, f.farmer2.Contact.Identity, next.Contact.Identity)
}

func TestEndRejectsFutureOffers(t *testing.T) {
	f := newFixture(t)
	s := offers.NewStream(f.offered, offers.Options{MaxOffers: 2}, nil)
	s.End()

	var reply capture
	err := s.Queue(f.farmer.Contact, f.offered, reply.resolver())
	require.ErrorIs(t, err, offers.ErrStreamEnded)
	called, rerr, _ := reply.result()
	require.True(t, called)
	require.ErrorIs(t, rerr, offers.ErrStreamEnded)
}
