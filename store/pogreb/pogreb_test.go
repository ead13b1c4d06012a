package pogreb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardbay/go-node-core/store/pogreb"
	"github.com/shardbay/go-node-core/store/test"
)

func TestE2E(t *testing.T) {
	s, err := pogreb.New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	test.E2ETest(t, s)
}

func TestOverwrite(t *testing.T) {
	s, err := pogreb.New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	test.OverwriteTest(t, s)
}
