package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with older digests.
const (
	DomainEvent      = "nds/event/v1"
	DomainProjection = "nds/projection/v1"
	DomainSegment    = "nds/segment/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator removes domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashBytes hashes already-canonical bytes under a domain.
func HashBytes(domain string, data []byte) string {
	return hashWithDomain(domain, data)
}

// EventHash computes the content hash of an event.
// Two events with the same EventID are "identical" iff their hashes match.
func EventHash(e Event) (string, error) {
	canonical, err := MarshalCanonical(e.canonicalObject())
	if err != nil {
		return "", fmt.Errorf("EventHash %s: %w", e.ID(), err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// ProjectionDigest hashes projection state. Rebuilt and incrementally folded
// state must produce the same digest.
func ProjectionDigest(state Object) (string, error) {
	canonical, err := MarshalCanonical(state)
	if err != nil {
		return "", fmt.Errorf("ProjectionDigest: %w", err)
	}
	return hashWithDomain(DomainProjection, canonical), nil
}

// MustEventHash is like EventHash but panics on error.
// Use only in tests or when the event is known to be valid.
func MustEventHash(e Event) string {
	h, err := EventHash(e)
	if err != nil {
		panic(err)
	}
	return h
}
