package core

import (
	"context"
	"encoding/json"
	"io"
)

// Overlay RPC verbs.
const (
	VerbOffer    = "OFFER"
	VerbClaim    = "CLAIM"
	VerbConsign  = "CONSIGN"
	VerbRetrieve = "RETRIEVE"
	VerbMirror   = "MIRROR"
	VerbAudit    = "AUDIT"
	VerbRenew    = "RENEW"
	VerbProbe    = "PROBE"
)

// IterFunc is called for each contract visited by ContractStore.ForEach.
// Returning true stops iteration.
type IterFunc func(key string, c *Contract) bool

// ContractStore persists contracts keyed by "{data_hash}:{counterparty_hd_key}".
// A node holds at most one contract per (shard, counterparty) pair. Every
// persisted contract must be both valid and complete.
type ContractStore interface {
	// Get retrieves the contract stored under the given key.
	Get(key string) (*Contract, bool, error)
	// GetByShard retrieves any contract whose key begins with the given shard
	// hash. Used by the shard server, which authorizes transfers by hash.
	GetByShard(hash string) (*Contract, bool, error)
	// Put stores a contract under the given key, replacing any prior value.
	Put(key string, c *Contract) error
	// Remove deletes the contract stored under the given key.
	Remove(key string) (bool, error)
	// ForEach iterates stored contracts until the callback returns true.
	ForEach(IterFunc) error
	// Size returns the total bytes of storage used by the store.
	Size() (int64, error)
	// Flush commits changes to storage.
	Flush() error
	// Close gracefully closes the store, flushing pending data.
	Close() error
}

// StoreUsage reports shard storage accounting against the configured
// allocation.
type StoreUsage struct {
	Available int64 `json:"available"`
	Allocated int64 `json:"allocated"`
}

// ShardWriter streams shard bytes into the store. Commit makes the shard
// visible under its hash; Abort discards everything written so far. Exactly
// one of the two must be called.
type ShardWriter interface {
	io.Writer
	Commit() error
	Abort() error
}

// ShardStore is a content-addressed blob store. Keys are the data_hash of the
// contract that authorized the bytes.
type ShardStore interface {
	Exists(hash string) (bool, error)
	CreateReadStream(hash string) (io.ReadCloser, error)
	CreateWriteStream(hash string) (ShardWriter, error)
	// Unlink removes the shard bytes. Safe while readers exist; readers see
	// either the old bytes or an I/O error.
	Unlink(hash string) error
	Usage() (StoreUsage, error)
	Close() error
}

// HandlerFunc processes one inbound RPC. The returned slice is the reply
// parameter list; a non-nil error becomes an RPC error reply carrying the
// error text verbatim.
type HandlerFunc func(ctx context.Context, from Contact, params []json.RawMessage) ([]interface{}, error)

// TopicMessage is one pub/sub delivery.
type TopicMessage struct {
	From    Contact
	Payload []byte
}

// Transport is the node's handle to the overlay: verb dispatch, direct sends,
// pub/sub and reachability pings. The routing table, onion transport and
// message encoding live behind this interface.
type Transport interface {
	// RegisterHandler installs the handler for an RPC verb. The owning node
	// registers every verb from its Listen method.
	RegisterHandler(verb string, h HandlerFunc)
	// Send issues an RPC to a peer and returns the reply parameter list.
	Send(ctx context.Context, to Contact, verb string, params []interface{}) ([]json.RawMessage, error)
	// Publish broadcasts a payload on a pub/sub topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers messages published on the topic until ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan TopicMessage, error)
	// Ping checks reachability of a peer.
	Ping(ctx context.Context, to Contact) error
}

// Wallet mints payment destination addresses for farmer-side contracts.
type Wallet interface {
	NewAddress(ctx context.Context) (string, error)
}
