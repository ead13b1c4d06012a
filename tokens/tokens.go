// Package tokens tracks the short-lived authorization tokens that gate HTTP
// shard transfers. A token authorizes exactly one transfer of one shard for
// one counterparty; entries expire after the table TTL whether or not they
// were used.
package tokens

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
	core "github.com/shardbay/go-node-core"
	cache "github.com/unkn0wn-root/kioshun"
)

var log = logging.Logger("tokens")

// DefaultTTL bounds how long an issued token stays usable.
const DefaultTTL = 30 * time.Minute

const tokenSize = 32

// ErrNotAuthorized covers every authorization failure: unknown token, expired
// token, or a token bound to a different shard.
var ErrNotAuthorized = errors.New("token not authorized")

// Record is what a token authorizes.
type Record struct {
	Hash      string
	Contact   core.Contact
	ExpiresAt time.Time
}

// Table is the node's token table. Expired entries are unusable immediately;
// the cache's cleanup worker sweeps them out once per TTL.
type Table struct {
	ttl   time.Duration
	cache *cache.InMemoryCache[string, Record]
}

// NewTable creates a token table. A non-positive ttl selects DefaultTTL.
func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := cache.New[string, Record](cache.Config{
		MaxSize:         0,
		CleanupInterval: ttl,
		DefaultTTL:      ttl,
		EvictionPolicy:  cache.LRU,
		StatsEnabled:    true,
	})
	return &Table{ttl: ttl, cache: c}
}

// TTL returns the table's token lifetime.
func (t *Table) TTL() time.Duration { return t.ttl }

// NewToken mints a fresh 32-byte random token in hex.
func NewToken() (string, error) {
	b := make([]byte, tokenSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Accept records that token authorizes one transfer of the shard for the
// given counterparty.
func (t *Table) Accept(token, hash string, contact core.Contact) {
	rec := Record{
		Hash:      hash,
		Contact:   contact,
		ExpiresAt: time.Now().Add(t.ttl),
	}
	if err := t.cache.Set(token, rec, t.ttl); err != nil {
		log.Errorw("failed to record token", "err", err)
	}
}

// Issue mints a token and accepts it in one step.
func (t *Table) Issue(hash string, contact core.Contact) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	t.Accept(token, hash, contact)
	return token, nil
}

// Reject removes a token, whether or not it was ever accepted.
func (t *Table) Reject(token string) {
	t.cache.Delete(token)
}

// Authorize returns the record for a token iff the token is known, unexpired,
// and bound to the given shard hash. The token stays live; the transfer path
// calls Reject after a completed transfer to enforce single use.
func (t *Table) Authorize(token, hash string) (Record, error) {
	rec, ok := t.cache.Get(token)
	if !ok {
		return Record{}, ErrNotAuthorized
	}
	if rec.Hash != hash {
		return Record{}, ErrNotAuthorized
	}
	if !rec.ExpiresAt.After(time.Now()) {
		return Record{}, ErrNotAuthorized
	}
	return rec, nil
}

// Count returns the number of live entries.
func (t *Table) Count() int64 {
	return t.cache.Size()
}

// Close stops the sweep worker and drops all entries.
func (t *Table) Close() error {
	return t.cache.Close()
}
