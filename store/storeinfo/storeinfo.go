// Package storeinfo records which backend and codec a contract store
// directory was created with, so a node refuses to reopen it with the wrong
// implementation.
package storeinfo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	core "github.com/shardbay/go-node-core"
)

const (
	fileName = "cstore.info"
	version  = 1
)

// StoreInfo describes the contract store living in a directory.
type StoreInfo struct {
	// Version is the version number of this file.
	Version int
	// Type is the contract store backend ("pebble", "pogreb").
	Type string
	// Codec is the serialization the backend was created with.
	Codec string
}

func Load(dir string) (StoreInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		return StoreInfo{}, err
	}
	var info StoreInfo
	err = json.Unmarshal(data, &info)
	if err != nil {
		return StoreInfo{}, err
	}
	return info, nil
}

func (v StoreInfo) Save(dir string) error {
	v.Version = version
	data, err := json.Marshal(&v)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, fileName), data, 0o666)
}

func (v StoreInfo) MakeCodec() (core.ContractCodec, error) {
	switch v.Codec {
	case "binary":
		return core.BinaryContractCodec{}, nil
	case "json":
		return core.JsonContractCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported codec: %s", v.Codec)
}
