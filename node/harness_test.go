package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	core "github.com/shardbay/go-node-core"
	"github.com/shardbay/go-node-core/store/memory"
	"github.com/shardbay/go-node-core/store/shardfs"
	"github.com/shardbay/go-node-core/testutil"
)

type testNode struct {
	node      *Node
	party     *testutil.Party
	transport *memTransport
	contracts core.ContractStore
	shards    core.ShardStore
}

func newTestNode(t *testing.T, net *memNet, port int, opts ...Option) *testNode {
	t.Helper()
	party, err := testutil.NewParty(port)
	require.NoError(t, err)
	transport := net.attach(party.Contact)
	contracts := memory.New()
	shards, err := shardfs.New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	n, err := New(party.Signer, party.Contact, transport, stubWallet{}, contracts, shards, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Listen(ctx))
	t.Cleanup(func() {
		cancel()
		n.Shutdown()
	})
	return &testNode{
		node:      n,
		party:     party,
		transport: transport,
		contracts: contracts,
		shards:    shards,
	}
}

// storeShard writes bytes into a node's shard store under their content
// address and returns the hash.
func storeShard(t *testing.T, tn *testNode, data []byte) string {
	t.Helper()
	hash := core.Hash160Hex(data)
	w, err := tn.shards.CreateWriteStream(hash)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	return hash
}
