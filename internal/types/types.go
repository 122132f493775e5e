package types

import (
	"time"
)

// DocumentID identifies a collaborative document.
type DocumentID string

// ClientID represents a connected client or a peer replica.
type ClientID string

// OperationID is a globally unique identifier for an operation.
type OperationID string

// VectorClock records, per site, the highest node clock a replica has seen.
type VectorClock map[string]int64

// Bump increments the entry for site and returns the new value.
func (vc VectorClock) Bump(site string) int64 {
	vc[site]++
	return vc[site]
}

// Merge merges another vector clock into the receiver by taking the max value
// for each entry.
func (vc VectorClock) Merge(other VectorClock) {
	for site, value := range other {
		if current, ok := vc[site]; !ok || value > current {
			vc[site] = value
		}
	}
}

// Dominates reports whether every entry of other is covered by the receiver.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for site, value := range other {
		if vc[site] < value {
			return false
		}
	}
	return true
}

// Equal reports whether both clocks cover exactly the same entries.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Dominates(other) && other.Dominates(vc)
}

// Clone returns an independent copy. A nil clock clones to an empty one.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for site, value := range vc {
		out[site] = value
	}
	return out
}

// WALRecord stores a durable representation of an operation.
type WALRecord struct {
	LSN       int64       `json:"lsn,omitempty"`
	Operation OperationID `json:"operation_id"`
	Document  DocumentID  `json:"document_id"`
	Client    ClientID    `json:"client_id"`
	Payload   []byte      `json:"payload"`
	Version   VectorClock `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
}
