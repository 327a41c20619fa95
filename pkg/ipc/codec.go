package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Codec serializes protocol messages. Two codecs exist: a compact binary one
// and a text one. Both must carry timestamp values losslessly; the text codec
// does so by writing ISO-8601 strings and re-inflating them on decode, so the
// far side always observes timestamps, never strings.
type Codec interface {
	Name() string
	Encode(*Message) ([]byte, error)
	Decode([]byte) (*Message, error)
}

// NewCodec returns the binary codec when binary is set, else the text codec.
func NewCodec(binary bool) Codec {
	if binary {
		return bsonCodec{}
	}
	return jsonCodec{}
}

// bsonCodec is the compact binary codec. BSON has a native datetime type, so
// dates survive the round trip without help.
type bsonCodec struct{}

func (bsonCodec) Name() string { return "bson" }

func (bsonCodec) Encode(m *Message) ([]byte, error) {
	return bson.Marshal(m)
}

func (bsonCodec) Decode(data []byte) (*Message, error) {
	var m Message
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding bson message: %w", err)
	}
	return &m, nil
}

// jsonCodec is the text fallback. Timestamps inside pipelines and rows are
// stringified by encoding/json; Decode walks the payload and re-inflates
// anything that parses as ISO-8601 UTC back into a timestamp.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func (jsonCodec) Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding json message: %w", err)
	}
	reviveMessage(&m)
	return &m, nil
}

func reviveMessage(m *Message) {
	if m.Query != nil {
		reviveRequest(m.Query)
	}
	if m.Batch != nil {
		for i := range m.Batch.Requests {
			reviveRequest(&m.Batch.Requests[i])
		}
	}
	if m.Result != nil {
		reviveResult(m.Result)
	}
	if m.ResultBatch != nil {
		for i := range m.ResultBatch.Results {
			reviveResult(&m.ResultBatch.Results[i])
		}
	}
}

func reviveRequest(r *Request) {
	for i, stage := range r.Pipeline {
		r.Pipeline[i] = reviveDoc(stage)
	}
}

func reviveResult(r *Result) {
	for i, row := range r.Rows {
		r.Rows[i] = reviveDoc(row)
	}
}

func reviveDoc(doc bson.M) bson.M {
	for k, v := range doc {
		doc[k] = ReviveTimestamps(v)
	}
	return doc
}

// ReviveTimestamps walks a decoded value tree and converts ISO-8601 strings
// back into time.Time. It undoes the text codec's stringification; values the
// ingest path never produces as bare ISO strings are unaffected because fact
// data is normalized upstream.
func ReviveTimestamps(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if ts, ok := parseISO(val); ok {
			return ts
		}
		return val
	case map[string]interface{}:
		return reviveDoc(bson.M(val))
	case bson.M:
		return reviveDoc(val)
	case []interface{}:
		for i, item := range val {
			val[i] = ReviveTimestamps(item)
		}
		return val
	case primitive.A:
		for i, item := range val {
			val[i] = ReviveTimestamps(item)
		}
		return val
	default:
		return val
	}
}

func parseISO(s string) (time.Time, bool) {
	// cheap shape check before the full parse
	if len(s) < 20 || s[4] != '-' || s[10] != 'T' {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
