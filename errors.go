package core

import "errors"

// Protocol error sentinels. The message text is part of the protocol surface:
// peers match on it, so it must not change.
var (
	// ErrInvalidDescriptor rejects a descriptor that is not both valid and
	// complete.
	ErrInvalidDescriptor = errors.New("Invalid shard descriptor")

	// ErrClosedOffers rejects an OFFER for a descriptor with no active offer
	// stream on this node.
	ErrClosedOffers = errors.New("Offers for descriptor are closed")

	// ErrContractExpired rejects operations against a contract whose validity
	// window has passed.
	ErrContractExpired = errors.New("Contract has expired")

	// ErrShardNotFound rejects a RETRIEVE for shard bytes this node does not
	// hold.
	ErrShardNotFound = errors.New("Shard not found")

	// ErrRejectingClaims rejects a CLAIM from a renter not on the allow-list.
	ErrRejectingClaims = errors.New("Currently rejecting claims")

	// ErrProbeFailed reports that the probe originator was unreachable.
	ErrProbeFailed = errors.New("Failed to reach probe originator")

	// ErrHashMismatch rejects uploaded shard bytes whose content address does
	// not match the contract.
	ErrHashMismatch = errors.New("Hash does not match contract")

	// ErrContractNotFound reports a missing contract store entry.
	ErrContractNotFound = errors.New("contract not found")

	// ErrCodecOverflow signals a corrupt length prefix in a serialized
	// descriptor.
	ErrCodecOverflow = errors.New("overflow in codec varint read")
)
