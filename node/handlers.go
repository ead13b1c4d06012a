package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	core "github.com/shardbay/go-node-core"
	"github.com/shardbay/go-node-core/metrics"
	"github.com/shardbay/go-node-core/proofs"
)

// AuditRequest is one entry of an AUDIT batch.
type AuditRequest struct {
	Hash      string `json:"hash"`
	Challenge string `json:"challenge"`
}

// AuditProof is one entry of an AUDIT reply. A nil proof signals that the
// shard or its contract was missing or the proof could not be produced.
type AuditProof struct {
	Hash  string        `json:"hash"`
	Proof *proofs.Proof `json:"proof"`
}

// instrument wraps a verb handler with counters and latency recording.
func (n *Node) instrument(verb string, h core.HandlerFunc) core.HandlerFunc {
	return func(ctx context.Context, from core.Contact, params []json.RawMessage) ([]interface{}, error) {
		start := time.Now()
		mctx, _ := tag.New(context.Background(), tag.Insert(metrics.Verb, verb))
		reply, err := h(ctx, from, params)
		stats.Record(mctx, metrics.RPCHandled.M(1), metrics.RPCLatency.M(metrics.MsecSince(start)))
		if err != nil {
			stats.Record(mctx, metrics.RPCErrors.M(1))
			log.Debugw("rpc failed", "verb", verb, "from", from.Identity, "err", err)
		}
		return reply, err
	}
}

// handleOffer admits a farmer's signed contract into the offer stream for
// its descriptor and waits for the renter's decision, which becomes the RPC
// reply.
func (n *Node) handleOffer(ctx context.Context, from core.Contact, params []json.RawMessage) ([]interface{}, error) {
	offered, err := contractParam(params, 0)
	if err != nil {
		return nil, core.ErrInvalidDescriptor
	}
	if !offered.IsValid() || !offered.IsComplete() {
		return nil, core.ErrInvalidDescriptor
	}
	stream, ok := n.offerStream(offered.DataHash())
	if !ok {
		return nil, core.ErrClosedOffers
	}

	type decision struct {
		err       error
		finalized *core.Contract
	}
	done := make(chan decision, 1)
	queueErr := stream.Queue(from, offered, func(err error, finalized *core.Contract) {
		done <- decision{err: err, finalized: finalized}
	})
	if queueErr != nil {
		stats.Record(context.Background(), metrics.OffersRejected.M(1))
		// The resolver already fired with the admission error; surface the
		// same error as the RPC reply.
		<-done
		return nil, queueErr
	}
	stats.Record(context.Background(), metrics.OffersAdmitted.M(1))

	select {
	case d := <-done:
		if d.err != nil {
			return nil, d.err
		}
		return []interface{}{d.finalized}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleClaim processes a renter-initiated purchase against previously
// announced capacity: policy check, farmer-side fill and signature,
// persistence, and a consignment token.
func (n *Node) handleClaim(ctx context.Context, from core.Contact, params []json.RawMessage) ([]interface{}, error) {
	c, err := contractParam(params, 0)
	if err != nil {
		return nil, core.ErrInvalidDescriptor
	}
	if !n.claimAllowed(c.RenterHDKey()) {
		return nil, core.ErrRejectingClaims
	}
	usage, err := n.shards.Usage()
	if err != nil {
		return nil, err
	}
	if c.DataSize() > usage.Available {
		return nil, fmt.Errorf("not enough space to store shard")
	}
	if err := n.fillFarmerSide(ctx, c); err != nil {
		return nil, err
	}
	if !c.IsValid() || !c.IsComplete() {
		return nil, core.ErrInvalidDescriptor
	}
	key := c.Key(c.RenterHDKey())
	if err := n.contracts.Put(key, c); err != nil {
		return nil, err
	}
	token, err := n.tokens.Issue(c.DataHash(), from)
	if err != nil {
		return nil, err
	}
	stats.Record(context.Background(), metrics.ActiveTokens.M(n.tokens.Count()))
	return []interface{}{c, token}, nil
}

func (n *Node) claimAllowed(renterHDKey string) bool {
	for _, allowed := range n.cfg.claims {
		if allowed == "*" || allowed == renterHDKey {
			return true
		}
	}
	return false
}

// handleConsign mints an upload token for a renter with a live contract.
func (n *Node) handleConsign(ctx context.Context, from core.Contact, params []json.RawMessage) ([]interface{}, error) {
	hash, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	if _, err := n.liveContract(hash, from); err != nil {
		return nil, err
	}
	token, err := n.tokens.Issue(hash, from)
	if err != nil {
		return nil, err
	}
	stats.Record(context.Background(), metrics.ActiveTokens.M(n.tokens.Count()))
	return []interface{}{token}, nil
}

// handleRetrieve mints a download token for a renter with a live contract,
// provided the shard bytes are actually held.
func (n *Node) handleRetrieve(ctx context.Context, from core.Contact, params []json.RawMessage) ([]interface{}, error) {
	hash, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	if _, err := n.liveContract(hash, from); err != nil {
		return nil, err
	}
	exists, err := n.shards.Exists(hash)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.ErrShardNotFound
	}
	token, err := n.tokens.Issue(hash, from)
	if err != nil {
		return nil, err
	}
	stats.Record(context.Background(), metrics.ActiveTokens.M(n.tokens.Count()))
	return []interface{}{token}, nil
}

// liveContract loads the contract for (hash, counterparty) and rejects it if
// its validity window has passed.
func (n *Node) liveContract(hash string, from core.Contact) (*core.Contract, error) {
	key := core.ContractKey(hash, from.XPub())
	c, found, err := n.contracts.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, core.ErrContractNotFound
	}
	if n.cfg.clock().UnixMilli() > c.StoreEnd() {
		return nil, core.ErrContractExpired
	}
	return c, nil
}

// handleMirror pushes a held shard to another farmer's shard server using a
// token the caller obtained from the destination. The destination's HTTP
// acknowledgement is echoed back to the caller.
func (n *Node) handleMirror(ctx context.Context, from core.Contact, params []json.RawMessage) ([]interface{}, error) {
	hash, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	token, err := stringParam(params, 1)
	if err != nil {
		return nil, err
	}
	if len(params) < 3 {
		return nil, fmt.Errorf("mirror missing destination contact")
	}
	var destination core.Contact
	if err := json.Unmarshal(params[2], &destination); err != nil {
		return nil, fmt.Errorf("malformed destination contact: %w", err)
	}
	if _, err := n.liveContract(hash, from); err != nil {
		return nil, err
	}

	var ack string
	var uploadErr error
	// The transfer pool bounds concurrent outbound uploads; SubmitWait keeps
	// the handler synchronous so the acknowledgement can be the RPC reply.
	n.transfers.SubmitWait(func() {
		ack, uploadErr = n.uploadShard(ctx, hash, token, destination)
	})
	if uploadErr != nil {
		return nil, uploadErr
	}
	return []interface{}{ack}, nil
}

func (n *Node) uploadShard(ctx context.Context, hash, token string, destination core.Contact) (string, error) {
	r, err := n.shards.CreateReadStream(hash)
	if err != nil {
		return "", err
	}
	defer r.Close()

	url := fmt.Sprintf("%s/shards/%s?token=%s", destination.Info.URL(), hash, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, r)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mirror upload: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mirror destination returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

// handleAudit answers a batch of possession challenges. The batch is
// processed sequentially so concurrent proofs do not contend for the same
// disk, and the reply preserves input order. The handler itself never fails:
// per-item failures are encoded as nil proofs.
func (n *Node) handleAudit(ctx context.Context, from core.Contact, params []json.RawMessage) ([]interface{}, error) {
	reply := make([]interface{}, 0, len(params))
	for _, raw := range params {
		var req AuditRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			reply = append(reply, AuditProof{})
			continue
		}
		reply = append(reply, AuditProof{
			Hash:  req.Hash,
			Proof: n.proveShard(req, from),
		})
	}
	return reply, nil
}

func (n *Node) proveShard(req AuditRequest, from core.Contact) *proofs.Proof {
	start := time.Now()
	key := core.ContractKey(req.Hash, from.XPub())
	c, found, err := n.contracts.Get(key)
	if err != nil || !found {
		return nil
	}
	r, err := n.shards.CreateReadStream(req.Hash)
	if err != nil {
		return nil
	}
	defer r.Close()
	proof, err := proofs.Prove(c.AuditLeaves(), req.Challenge, r)
	if err != nil {
		log.Debugw("audit proof failed", "hash", req.Hash, "err", err)
		return nil
	}
	stats.Record(context.Background(), metrics.ProofLatency.M(metrics.MsecSince(start)))
	return proof
}

// handleRenew accepts a renewed descriptor when only renter-renewable fields
// changed, re-signs it as farmer and persists it.
func (n *Node) handleRenew(ctx context.Context, from core.Contact, params []json.RawMessage) ([]interface{}, error) {
	renewal, err := contractParam(params, 0)
	if err != nil {
		return nil, core.ErrInvalidDescriptor
	}
	// The farmer signature in a renewal is the one from the prior term; only
	// the renter has re-signed at this point. The farmer side is refreshed
	// below before persisting.
	if !renewal.IsWellFormed() || !renewal.IsComplete() {
		return nil, core.ErrInvalidDescriptor
	}
	if renewal.VerifySignature(core.RoleRenter) != nil {
		return nil, core.ErrInvalidDescriptor
	}
	oldKey := core.ContractKey(renewal.DataHash(), from.XPub())
	local, found, err := n.contracts.Get(oldKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, core.ErrContractNotFound
	}
	for _, field := range core.Diff(local, renewal) {
		if _, allowed := core.RenewalFields[field]; !allowed {
			return nil, fmt.Errorf("Rejecting renewal of %s", field)
		}
	}
	if err := renewal.Sign(core.RoleFarmer, n.signer); err != nil {
		return nil, err
	}
	newKey := core.ContractKey(renewal.DataHash(), renewal.RenterHDKey())
	if newKey != oldKey {
		if _, err := n.contracts.Remove(oldKey); err != nil {
			return nil, err
		}
	}
	if err := n.contracts.Put(newKey, renewal); err != nil {
		return nil, err
	}
	return []interface{}{renewal}, nil
}

// handleProbe pings the originator back through the overlay; used by peers
// for NAT/reachability self-tests.
func (n *Node) handleProbe(ctx context.Context, from core.Contact, params []json.RawMessage) ([]interface{}, error) {
	if err := n.transport.Ping(ctx, from); err != nil {
		return nil, core.ErrProbeFailed
	}
	return []interface{}{}, nil
}

func contractParam(params []json.RawMessage, i int) (*core.Contract, error) {
	if len(params) <= i {
		return nil, fmt.Errorf("missing parameter %d", i)
	}
	var c core.Contract
	if err := json.Unmarshal(params[i], &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func stringParam(params []json.RawMessage, i int) (string, error) {
	if len(params) <= i {
		return "", fmt.Errorf("missing parameter %d", i)
	}
	var s string
	if err := json.Unmarshal(params[i], &s); err != nil {
		return "", err
	}
	return s, nil
}
