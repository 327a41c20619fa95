// Package ipc defines the message protocol spoken between the process pool
// manager and its query workers, plus the codecs and pipe framing carrying it.
package ipc

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// MessageType discriminates the protocol variants.
type MessageType string

const (
	// parent → worker
	TypeInit       MessageType = "INIT"
	TypeQuery      MessageType = "QUERY"
	TypeQueryBatch MessageType = "QUERY_BATCH"
	TypeShutdown   MessageType = "SHUTDOWN"

	// worker → parent
	TypeReady       MessageType = "READY"
	TypeError       MessageType = "ERROR"
	TypeResult      MessageType = "RESULT"
	TypeResultBatch MessageType = "RESULT_BATCH"
)

// Message is the envelope for every frame on the channel. Exactly one payload
// field is set, matching Type.
type Message struct {
	Type MessageType `bson:"type" json:"type"`

	Init        *Init        `bson:"init,omitempty" json:"init,omitempty"`
	Query       *Request     `bson:"query,omitempty" json:"query,omitempty"`
	Batch       *Batch       `bson:"batch,omitempty" json:"batch,omitempty"`
	Result      *Result      `bson:"result,omitempty" json:"result,omitempty"`
	ResultBatch *ResultBatch `bson:"resultBatch,omitempty" json:"resultBatch,omitempty"`
	Error       *WorkerError `bson:"error,omitempty" json:"error,omitempty"`
}

// Init tells a freshly spawned worker how to reach storage. The worker
// answers READY or ERROR.
type Init struct {
	ConnectionString string        `bson:"connectionString" json:"connectionString"`
	Database         string        `bson:"database" json:"database"`
	ConnectTimeout   time.Duration `bson:"connectTimeoutNs" json:"connectTimeoutNs"`
	AppName          string        `bson:"appName,omitempty" json:"appName,omitempty"`
}

// Request is one aggregation to run: a rendered pipeline against a named
// collection.
type Request struct {
	ID         string        `bson:"id" json:"id"`
	Pipeline   []bson.M      `bson:"pipeline" json:"pipeline"`
	Collection string        `bson:"collection" json:"collection"`
	Options    *QueryOptions `bson:"options,omitempty" json:"options,omitempty"`
}

// QueryOptions tunes a single aggregation.
type QueryOptions struct {
	AllowDiskUse bool   `bson:"allowDiskUse,omitempty" json:"allowDiskUse,omitempty"`
	MaxTimeMS    int64  `bson:"maxTimeMs,omitempty" json:"maxTimeMs,omitempty"`
	Comment      string `bson:"comment,omitempty" json:"comment,omitempty"`
}

// Batch groups requests handed to one worker as a single frame.
type Batch struct {
	BatchID  string    `bson:"batchId" json:"batchId"`
	Requests []Request `bson:"requests" json:"requests"`
}

// Result carries one request's rows or error. Results inside a batch reply
// arrive in arbitrary order, tagged by request id.
type Result struct {
	ID      string         `bson:"id" json:"id"`
	Rows    []bson.M       `bson:"rows,omitempty" json:"rows,omitempty"`
	Error   string         `bson:"error,omitempty" json:"error,omitempty"`
	Metrics RequestMetrics `bson:"metrics" json:"metrics"`
}

// RequestMetrics attributes timing and sizing to one request.
type RequestMetrics struct {
	SubmitTime    time.Time     `bson:"submitTime" json:"submitTime"`
	WaitTime      time.Duration `bson:"waitTimeNs" json:"waitTimeNs"`
	ExecTime      time.Duration `bson:"execTimeNs" json:"execTimeNs"`
	PipelineBytes int           `bson:"pipelineBytes" json:"pipelineBytes"`
	ResultBytes   int           `bson:"resultBytes" json:"resultBytes"`
}

// ResultBatch answers one Batch.
type ResultBatch struct {
	BatchID string   `bson:"batchId" json:"batchId"`
	Results []Result `bson:"results" json:"results"`
}

// WorkerError reports a worker-level failure (bad init, unreachable storage).
type WorkerError struct {
	Code    string `bson:"code" json:"code"`
	Message string `bson:"message" json:"message"`
	Stack   string `bson:"stack,omitempty" json:"stack,omitempty"`
}
