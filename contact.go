package core

import (
	"encoding/json"
	"fmt"
)

// AddressInfo describes how to reach a peer and which extended public key it
// negotiates contracts under.
type AddressInfo struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"`
	XPub     string `json:"xpub,omitempty"`
}

// URL returns the base HTTP URL for the peer's shard transfer server.
func (a AddressInfo) URL() string {
	return fmt.Sprintf("http://%s:%d", a.Hostname, a.Port)
}

// Contact is the envelope the transport carries with every call: the peer's
// identity hash and its address info. On the wire it is a 2-element tuple
// [identity_hex, address_info].
type Contact struct {
	Identity string
	Info     AddressInfo
}

// XPub returns the extended public key the contact negotiates under.
func (c Contact) XPub() string { return c.Info.XPub }

func (c Contact) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{c.Identity, c.Info})
}

func (c *Contact) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("contact tuple has %d elements, want 2", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &c.Identity); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &c.Info)
}
