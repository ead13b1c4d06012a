package pebble

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardbay/go-node-core/store/test"
)

func TestE2E(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()
	test.E2ETest(t, s)
}

func TestOverwrite(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()
	test.OverwriteTest(t, s)
}

func TestMalformedKeyRejected(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.Get("no-colon-here")
	require.Error(t, err)

	_, _, err = s.GetByShard("not a hash")
	require.Error(t, err)
}

func TestKeyerFixedLength(t *testing.T) {
	k := newBlake3Keyer()
	shortKey, err := k.contractKey("00112233445566778899aabbccddeeff00112233:xpub-a")
	require.NoError(t, err)
	longKey, err := k.contractKey("00112233445566778899aabbccddeeff00112233:" + string(make([]byte, 200)))
	require.NoError(t, err)
	require.Equal(t, len(shortKey), len(longKey))
	require.Equal(t, 1+shardHashLen+xpubHashLen, len(shortKey))
}
