// Package wire decodes the CBOR frame envelope used by AT Protocol
// subscription streams. Each WebSocket binary message carries two
// concatenated CBOR documents: a header naming the frame type, followed by a
// type-specific body.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

// ErrorFrameOp is the header op value of an error frame. An error frame
// terminates the subscription; the connection must be re-established.
const ErrorFrameOp = -1

const cborCidTag = 42

type FrameHeader struct {
	Op   int64  `cbor:"op"`
	Type string `cbor:"t"`
}

// SubscriptionError is an error frame sent by the upstream before it closes
// the subscription (e.g. FutureCursor, ConsumerTooSlow).
type SubscriptionError struct {
	Name    string `cbor:"error"`
	Message string `cbor:"message"`
}

func (e *SubscriptionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("subscription error: %s", e.Name)
	}
	return fmt.Sprintf("subscription error: %s: %s", e.Name, e.Message)
}

// ReadHeader decodes the frame header and returns a decoder positioned at the
// body. If the frame is an error frame the SubscriptionError is returned as
// the error.
func ReadHeader(data []byte) (FrameHeader, *cbor.Decoder, error) {
	dec := cbor.NewDecoder(bytes.NewReader(data))
	var header FrameHeader
	if err := dec.Decode(&header); err != nil {
		return FrameHeader{}, nil, errors.WithMessage(err, "error decoding frame header")
	}
	if header.Op == ErrorFrameOp {
		subErr := &SubscriptionError{}
		if err := dec.Decode(subErr); err != nil {
			return header, nil, errors.WithMessage(err, "error decoding error frame")
		}
		return header, nil, subErr
	}
	return header, dec, nil
}

// CidAsString renders a decoded dag-cbor CID link (tag 42) as its canonical
// string form. Returns false for nil links and anything that is not a link.
func CidAsString(v interface{}) (string, bool) {
	tag, ok := v.(cbor.Tag)
	if !ok || tag.Number != cborCidTag {
		return "", false
	}
	raw, ok := tag.Content.([]byte)
	// A dag-cbor link is a byte string with a single multibase identity prefix.
	if !ok || len(raw) < 2 {
		return "", false
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return "", false
	}
	return c.String(), true
}

// DagCBORToJSON converts a dag-cbor document to a JSON value, rendering CID
// links as strings.
func DagCBORToJSON(data []byte) (json.RawMessage, error) {
	var v interface{}
	if err := cbor.Unmarshal(data, &v); err != nil {
		return nil, errors.WithMessage(err, "error decoding dag-cbor record")
	}
	out, err := json.Marshal(normalize(v))
	return out, errors.WithMessage(err, "error rendering record as JSON")
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case cbor.Tag:
		if s, ok := CidAsString(t); ok {
			return s
		}
		return normalize(t.Content)
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
