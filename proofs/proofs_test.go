package proofs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

var shardBytes = []byte("this is a test shard")

func makeLeaves(t *testing.T, data []byte, n int) ([]string, []string) {
	t.Helper()
	challenges := make([]string, n)
	for i := range challenges {
		ch, err := NewChallenge()
		require.NoError(t, err)
		challenges[i] = ch
	}
	leaves, err := ComputeLeaves(data, challenges)
	require.NoError(t, err)
	return challenges, leaves
}

func TestProveVerify(t *testing.T) {
	challenges, leaves := makeLeaves(t, shardBytes, 2)
	tree, err := NewTree(leaves)
	require.NoError(t, err)

	for i, ch := range challenges {
		proof, err := Prove(leaves, ch, bytes.NewReader(shardBytes))
		require.NoError(t, err)
		require.Equal(t, i, proof.Index)

		expected, computed, err := Verify(proof, tree.RootHex(), tree.Depth())
		require.NoError(t, err)
		require.Equal(t, expected, computed)
	}
}

func TestProveStreamed(t *testing.T) {
	challenges, leaves := makeLeaves(t, shardBytes, 4)

	s, err := NewStream(leaves, challenges[2])
	require.NoError(t, err)
	// Feed the shard in uneven pieces.
	for _, chunk := range [][]byte{shardBytes[:3], shardBytes[3:10], shardBytes[10:]} {
		_, err = s.Write(chunk)
		require.NoError(t, err)
	}
	proof, err := s.Finish()
	require.NoError(t, err)
	require.Equal(t, 2, proof.Index)

	_, err = s.Finish()
	require.Error(t, err, "second finish must fail")
}

func TestTruncatedShardFails(t *testing.T) {
	challenges, leaves := makeLeaves(t, shardBytes, 2)

	_, err := Prove(leaves, challenges[0], bytes.NewReader(shardBytes[:len(shardBytes)-1]))
	require.Error(t, err)
}

func TestTamperedProofRejected(t *testing.T) {
	challenges, leaves := makeLeaves(t, shardBytes, 2)
	tree, err := NewTree(leaves)
	require.NoError(t, err)

	proof, err := Prove(leaves, challenges[1], bytes.NewReader(shardBytes))
	require.NoError(t, err)

	// Flip the leaf payload; the recomputed root must no longer match.
	tampered := *proof
	tampered.Leaf = leaves[0]
	expected, computed, err := Verify(&tampered, tree.RootHex(), tree.Depth())
	require.NoError(t, err)
	require.False(t, Accepted(expected, computed))
}

func TestVerifyDepthMismatch(t *testing.T) {
	challenges, leaves := makeLeaves(t, shardBytes, 2)
	tree, err := NewTree(leaves)
	require.NoError(t, err)

	proof, err := Prove(leaves, challenges[0], bytes.NewReader(shardBytes))
	require.NoError(t, err)

	_, _, err = Verify(proof, tree.RootHex(), tree.Depth()+1)
	require.Error(t, err)
}

func TestTreePadsToPowerOfTwo(t *testing.T) {
	_, leaves := makeLeaves(t, shardBytes, 3)
	tree, err := NewTree(leaves)
	require.NoError(t, err)
	require.Equal(t, 2, tree.Depth())
	require.Len(t, tree.levels[0], 4)
}

func TestBadChallenge(t *testing.T) {
	_, leaves := makeLeaves(t, shardBytes, 2)
	_, err := NewStream(leaves, "not hex")
	require.Error(t, err)
}
