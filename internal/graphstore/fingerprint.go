package graphstore

import (
	"crypto/sha256"
	"encoding/json"
)

// fingerprint is a content hash of an entity body, used by
// mutate_entity_body_and_maybe_upsert to decide whether a mutation actually
// changed anything worth a change-log entry. Grounded on the teacher's
// sha256-over-a-serialized-content-string approach in internal/idgen/hash.go.
type fingerprint [32]byte

func fingerprintBody(b EntityBody) fingerprint {
	// EntityBody round-trips through JSON deterministically: encoding/json
	// always emits struct fields in declaration order, so two equal values
	// always hash equal regardless of map iteration order elsewhere.
	data, err := json.Marshal(b)
	if err != nil {
		// EntityBody has no cyclic or unsupported types; Marshal cannot fail.
		panic(err)
	}
	return sha256.Sum256(data)
}
