// Package store opens contract store backends by name, guarding each store
// directory with an info sidecar so a directory created by one backend is
// never reopened by another.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	core "github.com/shardbay/go-node-core"
	"github.com/shardbay/go-node-core/store/pebble"
	"github.com/shardbay/go-node-core/store/pogreb"
	"github.com/shardbay/go-node-core/store/storeinfo"
)

// codecs used by each backend; recorded in the sidecar.
var backendCodecs = map[string]string{
	"pebble": "binary",
	"pogreb": "json",
}

// Open opens the contract store in dir using the named backend, creating the
// directory and its info sidecar on first use.
func Open(dir, backend string) (core.ContractStore, error) {
	codec, ok := backendCodecs[backend]
	if !ok {
		return nil, fmt.Errorf("unsupported contract store backend: %s", backend)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	info, err := storeinfo.Load(dir)
	switch {
	case os.IsNotExist(err):
		info = storeinfo.StoreInfo{Type: backend, Codec: codec}
		if err := info.Save(dir); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case info.Type != backend:
		return nil, fmt.Errorf("store in %s is %s, not %s", dir, info.Type, backend)
	}
	// Sanity-check the recorded codec is still one this build understands.
	if _, err := info.MakeCodec(); err != nil {
		return nil, err
	}

	dataDir := filepath.Join(dir, "data")
	switch backend {
	case "pebble":
		return pebble.New(dataDir, nil)
	default:
		return pogreb.New(dataDir)
	}
}
