package model

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Stream names on the downstream Redis log. Each source writes to exactly one stream.
const (
	FirehoseLiveStream = "firehose_live"
	RepoBackfillStream = "repo_backfill"
	LabelLiveStream    = "label_live"
)

// DoneCursor is the sentinel cursor value marking a completed backfill enumeration.
// It is distinct from both "no cursor stored" (never started) and any pagination token.
const DoneCursor = "!ingester-done"

// EventType tags a StreamEvent variant. The set is closed; the write boundary
// switches exhaustively over it.
type EventType string

const (
	EventCreate   EventType = "create"
	EventUpdate   EventType = "update"
	EventDelete   EventType = "delete"
	EventRepo     EventType = "repo"
	EventAccount  EventType = "account"
	EventIdentity EventType = "identity"
)

// StreamEvent is a single repository change event destined for the firehose_live
// stream. It is a tagged union: Type determines which of the optional fields are
// populated. Events from one host carry strictly increasing Seq values.
type StreamEvent struct {
	Type EventType `json:"type"`
	Seq  int64     `json:"seq"`
	Time string    `json:"time"`
	Did  string    `json:"did"`

	// Commit-level fields (create, update, delete, repo)
	Commit string `json:"commit,omitempty"`
	Rev    string `json:"rev,omitempty"`

	// Record-level fields (create, update, delete)
	Collection string `json:"collection,omitempty"`
	Rkey       string `json:"rkey,omitempty"`

	// Record content (create, update)
	Cid    string          `json:"cid,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`

	// Account fields (account)
	Active *bool   `json:"active,omitempty"`
	Status *string `json:"status,omitempty"`

	// Identity fields (identity)
	Handle string `json:"handle,omitempty"`
}

// Validate checks that the event carries the fields its variant requires.
func (e *StreamEvent) Validate() error {
	switch e.Type {
	case EventCreate, EventUpdate:
		if e.Collection == "" || e.Rkey == "" || e.Cid == "" {
			return errors.Errorf("%s event for %s is missing record fields", e.Type, e.Did)
		}
	case EventDelete:
		if e.Collection == "" || e.Rkey == "" {
			return errors.Errorf("delete event for %s is missing record path", e.Did)
		}
	case EventRepo:
		if e.Commit == "" {
			return errors.Errorf("repo event for %s is missing commit", e.Did)
		}
	case EventAccount, EventIdentity:
		// No variant-specific required fields beyond did.
	default:
		return errors.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// BackfillEntry says "this repository needs backfilling"; it carries no repo content.
type BackfillEntry struct {
	Did    string  `json:"did"`
	Host   string  `json:"host"`
	Rev    string  `json:"rev"`
	Status *string `json:"status,omitempty"`
	Active bool    `json:"active"`
}

// LabelEvent is one frame from a labeler's subscribeLabels stream.
// The labeler sequence space is independent of the firehose sequence space.
type LabelEvent struct {
	Seq    int64   `json:"seq"`
	Labels []Label `json:"labels"`
}

type Label struct {
	Src string  `json:"src"`
	Uri string  `json:"uri"`
	Cid *string `json:"cid,omitempty"`
	Val string  `json:"val"`
	Neg *bool   `json:"neg,omitempty"`
	Cts string  `json:"cts"`
}
