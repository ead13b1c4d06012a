package core

import (
	"bytes"
	"fmt"

	"github.com/multiformats/go-varint"
)

// ContractCodec serializes contracts for persistent storage. The wire form of
// a descriptor (RPC params, HTTP bodies) is always JSON; codecs only vary how
// the contract stores lay descriptors out on disk.
type ContractCodec interface {
	MarshalContract(*Contract) ([]byte, error)
	UnmarshalContract([]byte) (*Contract, error)
	// Name identifies the codec in the store info sidecar.
	Name() string
}

var (
	_ ContractCodec = JsonContractCodec{}
	_ ContractCodec = BinaryContractCodec{}
)

// JsonContractCodec stores descriptors as flat JSON objects.
type JsonContractCodec struct{}

func (JsonContractCodec) MarshalContract(c *Contract) ([]byte, error) {
	return c.MarshalJSON()
}

func (JsonContractCodec) UnmarshalContract(b []byte) (*Contract, error) {
	var c Contract
	if err := c.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return &c, nil
}

func (JsonContractCodec) Name() string { return "json" }

// BinaryContractCodec stores descriptors as varint-framed field values in
// catalog order. Integers are unsigned varints, strings are length-prefixed,
// lists are count-prefixed.
type BinaryContractCodec struct{}

func (BinaryContractCodec) MarshalContract(c *Contract) ([]byte, error) {
	var buf bytes.Buffer
	for _, f := range fieldCatalog {
		switch f.kind {
		case kindInt:
			n := c.getInt(f.name)
			if n < 0 {
				return nil, fmt.Errorf("field %s: negative value %d not encodable", f.name, n)
			}
			buf.Write(varint.ToUvarint(uint64(n)))
		case kindString:
			writeBinaryString(&buf, c.getString(f.name))
		case kindStringList:
			ls, _ := c.fields[f.name].([]string)
			buf.Write(varint.ToUvarint(uint64(len(ls))))
			for _, s := range ls {
				writeBinaryString(&buf, s)
			}
		}
	}
	return buf.Bytes(), nil
}

func (BinaryContractCodec) UnmarshalContract(b []byte) (*Contract, error) {
	c := New()
	buf := bytes.NewBuffer(b)
	for _, f := range fieldCatalog {
		switch f.kind {
		case kindInt:
			n, err := varint.ReadUvarint(buf)
			if err != nil {
				return nil, err
			}
			c.fields[f.name] = int64(n)
		case kindString:
			s, err := readBinaryString(buf)
			if err != nil {
				return nil, err
			}
			c.fields[f.name] = s
		case kindStringList:
			count, err := varint.ReadUvarint(buf)
			if err != nil {
				return nil, err
			}
			if count > uint64(buf.Len()) {
				return nil, ErrCodecOverflow
			}
			ls := make([]string, 0, count)
			for i := uint64(0); i < count; i++ {
				s, err := readBinaryString(buf)
				if err != nil {
					return nil, err
				}
				ls = append(ls, s)
			}
			c.fields[f.name] = ls
		}
	}
	if buf.Len() != 0 {
		return nil, fmt.Errorf("too many bytes; %d remain unread", buf.Len())
	}
	return c, nil
}

func (BinaryContractCodec) Name() string { return "binary" }

func writeBinaryString(buf *bytes.Buffer, s string) {
	buf.Write(varint.ToUvarint(uint64(len(s))))
	buf.WriteString(s)
}

func readBinaryString(buf *bytes.Buffer) (string, error) {
	usize, err := varint.ReadUvarint(buf)
	if err != nil {
		return "", err
	}
	size := int(usize)
	if size < 0 || size > buf.Len() {
		return "", ErrCodecOverflow
	}
	return string(buf.Next(size)), nil
}
