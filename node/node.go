// Package node glues the protocol together: it registers the RPC verb
// handlers with the overlay transport, runs the HTTP shard server, owns the
// offer stream registry and token table, and exposes the renter- and
// farmer-initiated client calls.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"

	core "github.com/shardbay/go-node-core"
	"github.com/shardbay/go-node-core/capacity"
	"github.com/shardbay/go-node-core/metrics"
	"github.com/shardbay/go-node-core/offers"
	"github.com/shardbay/go-node-core/tokens"
)

var log = logging.Logger("node")

// Node is one peer in the storage network, acting as farmer, renter, or
// both. All of its mutable protocol state (contract store handle, token
// table, offer registry, capacity cache) lives here, scoped to the instance
// and torn down by Shutdown.
type Node struct {
	cfg       nodeConfig
	signer    *core.Signer
	contact   core.Contact
	transport core.Transport
	wallet    core.Wallet
	contracts core.ContractStore
	shards    core.ShardStore

	tokens    *tokens.Table
	capacity  *capacity.Cache
	transfers *workerpool.WorkerPool
	server    *ShardServer
	client    *http.Client

	mutex        sync.Mutex
	offerStreams map[string]*offers.Stream

	cancel  context.CancelFunc
	stopped chan struct{}
}

// New assembles a node. The transport, wallet and stores are external
// collaborators owned by the caller; the node owns the token table, capacity
// cache and transfer pool it creates here.
func New(signer *core.Signer, contact core.Contact, transport core.Transport, wallet core.Wallet,
	contracts core.ContractStore, shards core.ShardStore, opts ...Option) (*Node, error) {
	cfg, err := getOpts(opts)
	if err != nil {
		return nil, err
	}
	if signer == nil || transport == nil || contracts == nil || shards == nil {
		return nil, errors.New("signer, transport and stores are required")
	}
	n := &Node{
		cfg:          cfg,
		signer:       signer,
		contact:      contact,
		transport:    transport,
		wallet:       wallet,
		contracts:    contracts,
		shards:       shards,
		tokens:       tokens.NewTable(cfg.tokenTTL),
		capacity:     capacity.NewCache(cfg.capacityTTL),
		transfers:    workerpool.New(cfg.maxTransfers),
		client:       &http.Client{Timeout: cfg.httpTimeout},
		offerStreams: make(map[string]*offers.Stream),
	}
	n.server = newShardServer(n)
	return n, nil
}

// Contact returns the contact this node advertises.
func (n *Node) Contact() core.Contact { return n.contact }

// Server returns the HTTP shard server. The transport multiplexes inbound
// connections onto it.
func (n *Node) Server() *ShardServer { return n.server }

// Listen registers the verb handlers with the transport and starts the
// node's background work. It returns once registration is done; the node
// keeps running until Shutdown.
func (n *Node) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.stopped = make(chan struct{})

	n.transport.RegisterHandler(core.VerbOffer, n.instrument(core.VerbOffer, n.handleOffer))
	n.transport.RegisterHandler(core.VerbClaim, n.instrument(core.VerbClaim, n.handleClaim))
	n.transport.RegisterHandler(core.VerbConsign, n.instrument(core.VerbConsign, n.handleConsign))
	n.transport.RegisterHandler(core.VerbRetrieve, n.instrument(core.VerbRetrieve, n.handleRetrieve))
	n.transport.RegisterHandler(core.VerbMirror, n.instrument(core.VerbMirror, n.handleMirror))
	n.transport.RegisterHandler(core.VerbAudit, n.instrument(core.VerbAudit, n.handleAudit))
	n.transport.RegisterHandler(core.VerbRenew, n.instrument(core.VerbRenew, n.handleRenew))
	n.transport.RegisterHandler(core.VerbProbe, n.instrument(core.VerbProbe, n.handleProbe))

	go n.reapLoop(ctx)
	return nil
}

// Shutdown tears down the node: offer streams end, background workers stop,
// the token table and capacity cache close. The external stores stay open;
// the caller owns them.
func (n *Node) Shutdown() {
	if n.cancel != nil {
		n.cancel()
	}
	n.mutex.Lock()
	streams := make([]*offers.Stream, 0, len(n.offerStreams))
	for _, s := range n.offerStreams {
		streams = append(streams, s)
	}
	n.mutex.Unlock()
	for _, s := range streams {
		s.End()
	}
	n.transfers.StopWait()
	_ = n.tokens.Close()
	_ = n.capacity.Close()
	if n.stopped != nil {
		<-n.stopped
	}
}

// offerStream returns the active offer stream for a shard hash.
func (n *Node) offerStream(hash string) (*offers.Stream, bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	s, ok := n.offerStreams[hash]
	return s, ok
}

func (n *Node) removeOfferStream(hash string) {
	n.mutex.Lock()
	delete(n.offerStreams, hash)
	n.mutex.Unlock()
}

// PublishShardDescriptor signs a descriptor as renter, registers an offer
// stream for it and broadcasts it on its class topic. The returned stream
// yields accepting farmers until maxOffers acceptances resolve.
func (n *Node) PublishShardDescriptor(ctx context.Context, c *core.Contract) (*offers.Stream, error) {
	if err := c.Set(core.FieldRenterID, n.signer.Identity()); err != nil {
		return nil, err
	}
	if err := c.Set(core.FieldRenterHDKey, n.signer.HDKey()); err != nil {
		return nil, err
	}
	if err := c.Sign(core.RoleRenter, n.signer); err != nil {
		return nil, err
	}
	if !c.IsValid() {
		return nil, core.ErrInvalidDescriptor
	}
	hash := c.DataHash()

	n.mutex.Lock()
	if _, exists := n.offerStreams[hash]; exists {
		n.mutex.Unlock()
		return nil, fmt.Errorf("descriptor %s is already published", hash)
	}
	stream := offers.NewStream(c, offers.Options{
		MaxOffers:       n.cfg.maxOffers,
		FarmerBlacklist: n.cfg.farmerBlacklist,
	}, func() { n.removeOfferStream(hash) })
	n.offerStreams[hash] = stream
	n.mutex.Unlock()

	payload, err := json.Marshal(c)
	if err != nil {
		stream.Destroy()
		return nil, err
	}
	if err := n.transport.Publish(ctx, c.DescriptorTopic(), payload); err != nil {
		stream.Destroy()
		return nil, fmt.Errorf("publish descriptor: %w", err)
	}
	log.Debugw("published shard descriptor", "hash", hash, "topic", c.DescriptorTopic())
	return stream, nil
}

// AcceptOffer finalizes an admitted offer on the renter side: the farmer's
// signed contract is persisted under the farmer's extended public key and
// forwarded back to the farmer as the OFFER reply.
func (n *Node) AcceptOffer(offer *offers.Offer) error {
	c := offer.Contract
	key := c.Key(c.FarmerHDKey())
	if err := n.contracts.Put(key, c); err != nil {
		offer.Resolve(err, nil)
		return err
	}
	offer.Resolve(nil, c)
	return nil
}

// RejectOffer declines an admitted offer; reason becomes the farmer's RPC
// error.
func (n *Node) RejectOffer(offer *offers.Offer, reason error) {
	offer.Resolve(reason, nil)
}

// OfferShardAllocation offers to store a renter's published shard: the
// farmer fills and signs the descriptor, sends OFFER, and persists the
// finalized contract the renter replies with.
func (n *Node) OfferShardAllocation(ctx context.Context, peer core.Contact, c *core.Contract) (*core.Contract, error) {
	if err := n.fillFarmerSide(ctx, c); err != nil {
		return nil, err
	}
	reply, err := n.transport.Send(ctx, peer, core.VerbOffer, []interface{}{c})
	if err != nil {
		return nil, err
	}
	finalized, err := contractFromReply(reply, 0)
	if err != nil {
		return nil, err
	}
	if !finalized.IsValid() || !finalized.IsComplete() {
		return nil, core.ErrInvalidDescriptor
	}
	key := finalized.Key(peer.XPub())
	if err := n.contracts.Put(key, finalized); err != nil {
		return nil, err
	}
	return finalized, nil
}

// RequestContractRenewal sends a renewed descriptor to the farmer and
// persists the finalized descriptor from the reply.
func (n *Node) RequestContractRenewal(ctx context.Context, peer core.Contact, renewal *core.Contract) (*core.Contract, error) {
	reply, err := n.transport.Send(ctx, peer, core.VerbRenew, []interface{}{renewal})
	if err != nil {
		return nil, err
	}
	finalized, err := contractFromReply(reply, 0)
	if err != nil {
		return nil, err
	}
	if !finalized.IsValid() || !finalized.IsComplete() {
		return nil, core.ErrInvalidDescriptor
	}
	key := finalized.Key(peer.XPub())
	if err := n.contracts.Put(key, finalized); err != nil {
		return nil, err
	}
	return finalized, nil
}

// AuthorizeConsignment asks the farmer for upload tokens, one per hash.
func (n *Node) AuthorizeConsignment(ctx context.Context, peer core.Contact, hashes []string) ([]string, error) {
	return n.authorizeTransfers(ctx, peer, core.VerbConsign, hashes)
}

// AuthorizeRetrieval asks the farmer for download tokens, one per hash.
func (n *Node) AuthorizeRetrieval(ctx context.Context, peer core.Contact, hashes []string) ([]string, error) {
	return n.authorizeTransfers(ctx, peer, core.VerbRetrieve, hashes)
}

func (n *Node) authorizeTransfers(ctx context.Context, peer core.Contact, verb string, hashes []string) ([]string, error) {
	out := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		reply, err := n.transport.Send(ctx, peer, verb, []interface{}{hash})
		if err != nil {
			return nil, err
		}
		if len(reply) < 1 {
			return nil, fmt.Errorf("%s reply missing token", verb)
		}
		var token string
		if err := json.Unmarshal(reply[0], &token); err != nil {
			return nil, err
		}
		out = append(out, token)
	}
	return out, nil
}

// CreateShardMirror instructs a source farmer to push a shard to a
// destination farmer. The destination token must have been minted by the
// destination beforehand (via CLAIM or CONSIGN).
func (n *Node) CreateShardMirror(ctx context.Context, source core.Contact, hash, token string, destination core.Contact) (string, error) {
	reply, err := n.transport.Send(ctx, source, core.VerbMirror, []interface{}{hash, token, destination})
	if err != nil {
		return "", err
	}
	if len(reply) < 1 {
		return "", errors.New("mirror reply missing acknowledgement")
	}
	var ack string
	if err := json.Unmarshal(reply[0], &ack); err != nil {
		return "", err
	}
	return ack, nil
}

// AuditRemoteShards challenges a farmer over a batch of shards. The reply
// preserves input order; entries the farmer could not prove carry a nil
// proof.
func (n *Node) AuditRemoteShards(ctx context.Context, peer core.Contact, audits []AuditRequest) ([]AuditProof, error) {
	params := make([]interface{}, len(audits))
	for i, a := range audits {
		params[i] = a
	}
	reply, err := n.transport.Send(ctx, peer, core.VerbAudit, params)
	if err != nil {
		return nil, err
	}
	out := make([]AuditProof, len(reply))
	for i, raw := range reply {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ClaimFarmerCapacity initiates a purchase against a farmer's announced
// capacity. On success the farmer's finalized contract is persisted and the
// consignment token is returned alongside it.
func (n *Node) ClaimFarmerCapacity(ctx context.Context, peer core.Contact, c *core.Contract) (*core.Contract, string, error) {
	reply, err := n.transport.Send(ctx, peer, core.VerbClaim, []interface{}{c})
	if err != nil {
		return nil, "", err
	}
	if len(reply) < 2 {
		return nil, "", errors.New("claim reply missing contract or token")
	}
	finalized, err := contractFromReply(reply, 0)
	if err != nil {
		return nil, "", err
	}
	if !finalized.IsValid() || !finalized.IsComplete() {
		return nil, "", core.ErrInvalidDescriptor
	}
	var token string
	if err := json.Unmarshal(reply[1], &token); err != nil {
		return nil, "", err
	}
	key := finalized.Key(peer.XPub())
	if err := n.contracts.Put(key, finalized); err != nil {
		return nil, "", err
	}
	return finalized, token, nil
}

// IdentifyService fetches a peer's unauthenticated identity handshake from
// its HTTP root and returns the advertised contact.
func (n *Node) IdentifyService(ctx context.Context, url string) (core.Contact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return core.Contact{}, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return core.Contact{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return core.Contact{}, fmt.Errorf("identify returned status %d", resp.StatusCode)
	}
	var contact core.Contact
	if err := json.NewDecoder(resp.Body).Decode(&contact); err != nil {
		return core.Contact{}, err
	}
	return contact, nil
}

// AnnounceCapacity publishes this farmer's free capacity on the capacity
// topic for a descriptor class.
func (n *Node) AnnounceCapacity(ctx context.Context, topicCode string) error {
	usage, err := n.shards.Usage()
	if err != nil {
		return err
	}
	payload, err := capacity.Announcement{Capacity: usage, Contact: n.contact}.Marshal()
	if err != nil {
		return err
	}
	return n.transport.Publish(ctx, core.CapacityTopicPrefix+topicCode, payload)
}

// SubscribeCapacity feeds farmer capacity announcements for a descriptor
// class into the renter-side capacity cache until ctx is done.
func (n *Node) SubscribeCapacity(ctx context.Context, topicCode string) error {
	msgs, err := n.transport.Subscribe(ctx, core.CapacityTopicPrefix+topicCode)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			a, err := capacity.ParseAnnouncement(msg.Payload)
			if err != nil {
				log.Debugw("dropping malformed capacity announcement", "err", err)
				continue
			}
			n.capacity.Update(a)
		}
	}()
	return nil
}

// Capacity returns the renter-side capacity cache.
func (n *Node) Capacity() *capacity.Cache { return n.capacity }

// reapLoop periodically drops contracts whose validity window passed by the
// grace margin, together with shard bytes no surviving contract references.
func (n *Node) reapLoop(ctx context.Context) {
	defer close(n.stopped)
	ticker := time.NewTicker(n.cfg.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.reapExpired(); err != nil {
				log.Errorw("contract reap failed", "err", err)
			}
		}
	}
}

func (n *Node) reapExpired() error {
	cutoff := n.cfg.clock().Add(-n.cfg.reapGraceMargin).UnixMilli()
	type dead struct {
		key  string
		hash string
	}
	var expired []dead
	live := make(map[string]bool)
	err := n.contracts.ForEach(func(key string, c *core.Contract) bool {
		if c.StoreEnd() < cutoff {
			expired = append(expired, dead{key: key, hash: c.DataHash()})
		} else {
			live[c.DataHash()] = true
		}
		return false
	})
	if err != nil {
		return err
	}
	for _, d := range expired {
		if _, err := n.contracts.Remove(d.key); err != nil {
			return err
		}
		if !live[d.hash] {
			if err := n.shards.Unlink(d.hash); err != nil {
				log.Warnw("failed to unlink reaped shard", "hash", d.hash, "err", err)
			}
		}
	}
	if len(expired) > 0 {
		log.Infow("reaped expired contracts", "count", len(expired))
	}
	if size, err := n.contracts.Size(); err == nil {
		stats.Record(context.Background(), metrics.ContractStoreSize.M(size))
	}
	return nil
}

// fillFarmerSide completes the farmer half of a descriptor: identity, keys,
// a freshly minted payment destination, and the farmer signature.
func (n *Node) fillFarmerSide(ctx context.Context, c *core.Contract) error {
	if n.wallet == nil {
		return errors.New("no wallet configured")
	}
	address, err := n.wallet.NewAddress(ctx)
	if err != nil {
		return fmt.Errorf("mint payment destination: %w", err)
	}
	fields := map[string]interface{}{
		core.FieldFarmerID:           n.signer.Identity(),
		core.FieldFarmerHDKey:        n.signer.HDKey(),
		core.FieldFarmerHDIndex:      int64(n.cfg.hdIndex),
		core.FieldPaymentDestination: address,
	}
	for name, v := range fields {
		if err := c.Set(name, v); err != nil {
			return err
		}
	}
	return c.Sign(core.RoleFarmer, n.signer)
}

func contractFromReply(reply []json.RawMessage, i int) (*core.Contract, error) {
	if len(reply) <= i {
		return nil, fmt.Errorf("reply missing parameter %d", i)
	}
	var c core.Contract
	if err := json.Unmarshal(reply[i], &c); err != nil {
		return nil, err
	}
	return &c, nil
}
