// Package offers implements the renter-side auction attached to a published
// shard descriptor. Farmers willing to store the shard send signed contracts;
// the stream admits them, exposes them to the owning renter in FIFO order,
// and forwards each decision back to the originating farmer.
package offers

import (
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	core "github.com/shardbay/go-node-core"
)

var log = logging.Logger("offers")

// DefaultMaxOffers bounds how many acceptances a stream collects when the
// caller does not say otherwise.
const DefaultMaxOffers = 3

// Stream terminal and admission errors.
var (
	ErrStreamEnded  = errors.New("offer stream has ended")
	ErrHashMismatch = errors.New("offer is for a different shard")
	ErrIncomplete   = errors.New("offer descriptor is not signed by the farmer")
	ErrBlacklisted  = errors.New("farmer is blacklisted")
	ErrMaxOffers    = errors.New("maximum offers already resolved")
)

// Resolver carries the renter's decision back to the transport reply for the
// originating farmer.
type Resolver func(err error, finalized *core.Contract)

// Offer is one admitted (farmer, signed contract) pair. The consumer decides
// by calling Resolve exactly once.
type Offer struct {
	Contact  core.Contact
	Contract *core.Contract

	stream   *Stream
	resolver Resolver
	once     sync.Once
}

// Resolve forwards the decision to the farmer's reply and advances the
// stream. err == nil counts the offer as an acceptance.
func (o *Offer) Resolve(err error, finalized *core.Contract) {
	o.once.Do(func() {
		o.resolver(err, finalized)
		o.stream.offerResolved(err == nil)
	})
}

// Options configures a Stream.
type Options struct {
	// MaxOffers is the number of acceptances the renter wants.
	MaxOffers int
	// FarmerBlacklist lists farmer identities never admitted.
	FarmerBlacklist []string
}

type pendingOffer struct {
	contact  core.Contact
	contract *core.Contract
	resolver Resolver
}

// Stream is a bounded auction for one published descriptor. At most
// MaxOffers offers are exposed to the consumer at a time; further admitted
// offers queue behind them and are rejected if the stream fills up first.
type Stream struct {
	contract  *core.Contract
	maxOffers int
	blacklist map[string]struct{}

	mu       sync.Mutex
	ch       chan *Offer
	pending  []pendingOffer
	exposed  int
	accepted int
	ended    bool

	onTerminal func()
	termOnce   sync.Once
}

// NewStream creates the auction for a descriptor owned by this node's renter
// side. onTerminal, if non-nil, runs exactly once when the stream ends or is
// destroyed; the node uses it to drop the registry entry.
func NewStream(contract *core.Contract, opts Options, onTerminal func()) *Stream {
	maxOffers := opts.MaxOffers
	if maxOffers < 1 {
		maxOffers = DefaultMaxOffers
	}
	blacklist := make(map[string]struct{}, len(opts.FarmerBlacklist))
	for _, id := range opts.FarmerBlacklist {
		blacklist[id] = struct{}{}
	}
	return &Stream{
		contract:   contract,
		maxOffers:  maxOffers,
		blacklist:  blacklist,
		ch:         make(chan *Offer, maxOffers),
		onTerminal: onTerminal,
	}
}

// Contract returns the descriptor this stream auctions.
func (s *Stream) Contract() *core.Contract { return s.contract }

// Offers is the lazy sequence of admitted offers, FIFO. The channel closes on
// any terminal event.
func (s *Stream) Offers() <-chan *Offer { return s.ch }

// Queue runs the admission policy on an incoming offer. Rejected offers have
// their resolver called with the admission error and are never exposed; the
// error is also returned to the caller.
func (s *Stream) Queue(contact core.Contact, offered *core.Contract, resolver Resolver) error {
	if err := s.admit(contact, offered); err != nil {
		log.Debugw("offer rejected", "farmer", contact.Identity, "err", err)
		resolver(err, nil)
		return err
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		resolver(ErrStreamEnded, nil)
		return ErrStreamEnded
	}
	if s.exposed < s.maxOffers {
		s.exposed++
		// The channel capacity is maxOffers and exposure never exceeds it,
		// so this send cannot block while the lock is held.
		s.ch <- &Offer{Contact: contact, Contract: offered, stream: s, resolver: resolver}
		s.mu.Unlock()
		return nil
	}
	s.pending = append(s.pending, pendingOffer{contact: contact, contract: offered, resolver: resolver})
	s.mu.Unlock()
	return nil
}

func (s *Stream) admit(contact core.Contact, offered *core.Contract) error {
	if offered.DataHash() != s.contract.DataHash() {
		return ErrHashMismatch
	}
	if !offered.IsValid() {
		return core.ErrInvalidDescriptor
	}
	if offered.Signature(core.RoleFarmer) == "" ||
		offered.Get(core.FieldFarmerID) == "" ||
		offered.FarmerHDKey() == "" {
		return ErrIncomplete
	}
	if _, bad := s.blacklist[contact.Identity]; bad {
		return ErrBlacklisted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrStreamEnded
	}
	if s.accepted >= s.maxOffers {
		return ErrMaxOffers
	}
	return nil
}

// offerResolved advances the stream after a consumer decision. Reaching
// MaxOffers acceptances ends the stream and rejects everything still queued.
func (s *Stream) offerResolved(accepted bool) {
	s.mu.Lock()
	s.exposed--
	if accepted {
		s.accepted++
	}
	if s.accepted >= s.maxOffers {
		s.mu.Unlock()
		s.End()
		return
	}
	if !s.ended && len(s.pending) > 0 && s.exposed < s.maxOffers {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.exposed++
		s.ch <- &Offer{Contact: next.contact, Contract: next.contract, stream: s, resolver: next.resolver}
	}
	s.mu.Unlock()
}

// End terminates the stream: pending and future offers are rejected with
// ErrStreamEnded and the offer channel closes.
func (s *Stream) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	rejected := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, p := range rejected {
		p.resolver(ErrStreamEnded, nil)
	}
	close(s.ch)
	s.terminal()
}

// Destroy ends the stream and signals the owner to unregister it. Offers
// already exposed but not yet resolved still resolve, but their decisions no
// longer count toward anything.
func (s *Stream) Destroy() {
	s.End()
}

func (s *Stream) terminal() {
	s.termOnce.Do(func() {
		if s.onTerminal != nil {
			s.onTerminal()
		}
	})
}
