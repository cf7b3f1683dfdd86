// Package broker implements spec.md §4.3's JobBroker: composes block
// templates from the external node into mining jobs and tracks a
// bounded history.
package broker

import "time"

// Job is the unit of work published to miners, per spec.md §3.
type Job struct {
	JobID      string
	Height     int64
	Blob       string // hex-encoded 76-byte mining payload
	Target     string // server share target, 4-byte LE hex
	SeedHash   string // hex epoch key
	Algo       string
	CreatedAt  time.Time
	Template   *jobTemplate
}

// jobTemplate is the opaque, cheaply-cloned template handle a Job
// carries for submit-time reconstruction, per spec.md §9's
// "reference-shared block templates" design note.
type jobTemplate struct {
	Version           int32
	PreviousBlockHash string
	MerkleRoot        string
	StateRoot         string
	UTXORoot          string
	Bits              string
	Height            int64
	CurTime           int64
}
