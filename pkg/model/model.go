package model

import (
	"fmt"
	"time"
)

// Fact is a canonicalized, deduplicated record of an ingested business event.
// ID is a deterministic hash of business content computed by the ingest path,
// stable across retries of the same logical event.
type Fact struct {
	ID        string                 `bson:"_id" json:"id"`
	Type      int                    `bson:"type" json:"type"`
	CreatedAt time.Time              `bson:"createdAt" json:"createdAt"`
	Data      map[string]interface{} `bson:"data" json:"data"`
}

// IndexEntry is a secondary lookup row derived from a fact. Hash encodes
// (indexType, field value) as a single key; (Hash, FactID) is unique.
type IndexEntry struct {
	Hash          string                 `bson:"hash" json:"hash"`
	FactID        string                 `bson:"factId" json:"factId"`
	FactTime      time.Time              `bson:"factTime" json:"factTime"`
	CreatedAt     time.Time              `bson:"createdAt" json:"createdAt"`
	IndexType     int                    `bson:"indexType" json:"indexType"`
	IndexEncoding int                    `bson:"indexEncoding" json:"indexEncoding"`
	FieldValue    string                 `bson:"fieldValue,omitempty" json:"fieldValue,omitempty"`
	Data          map[string]interface{} `bson:"data,omitempty" json:"data,omitempty"`
}

// IndexDescriptor binds a fact field to an index type. IndexTypeName is the
// handle counters use to reference the index. Immutable after load.
type IndexDescriptor struct {
	FieldName     string `yaml:"field_name"`
	DateName      string `yaml:"date_name"`
	IndexType     int    `yaml:"index_type"`
	IndexEncoding int    `yaml:"index_encoding"`
	IndexTypeName string `yaml:"index_type_name"`
	Limit         int64  `yaml:"limit"`
}

// ValidateFact enforces the input invariants the evaluation path depends on.
func ValidateFact(f *Fact) error {
	if f == nil {
		return &InvalidInputError{Reason: "nil fact"}
	}
	if f.ID == "" {
		return &InvalidInputError{Reason: "fact id is empty"}
	}
	if f.Type < 1 {
		return &InvalidInputError{Reason: fmt.Sprintf("fact type %d is not >= 1", f.Type)}
	}
	return nil
}

// ValidateIndexEntries rejects entries whose hash is empty. An empty slice is
// valid input; the evaluator short-circuits on it.
func ValidateIndexEntries(entries []IndexEntry) error {
	for i := range entries {
		if entries[i].Hash == "" {
			return &InvalidInputError{Reason: fmt.Sprintf("index entry %d has an empty hash", i)}
		}
	}
	return nil
}

// InvalidInputError is the only per-request error that surfaces to callers of
// the evaluator. Everything else degrades into the metrics envelope.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}
