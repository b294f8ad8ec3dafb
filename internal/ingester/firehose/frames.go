package firehose

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-car"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/model"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/wire"
)

// Frame bodies for com.atproto.sync.subscribeRepos. CID links arrive as
// dag-cbor tag 42 values and are decoded via wire.CidAsString.

type commitBody struct {
	Seq    int64       `cbor:"seq"`
	Repo   string      `cbor:"repo"`
	Commit interface{} `cbor:"commit"`
	Rev    string      `cbor:"rev"`
	Time   string      `cbor:"time"`
	Blocks []byte      `cbor:"blocks"`
	Ops    []repoOp    `cbor:"ops"`
}

type repoOp struct {
	Action string      `cbor:"action"`
	Path   string      `cbor:"path"`
	Cid    interface{} `cbor:"cid"`
}

type accountBody struct {
	Seq    int64   `cbor:"seq"`
	Did    string  `cbor:"did"`
	Time   string  `cbor:"time"`
	Active bool    `cbor:"active"`
	Status *string `cbor:"status"`
}

type identityBody struct {
	Seq    int64   `cbor:"seq"`
	Did    string  `cbor:"did"`
	Handle *string `cbor:"handle"`
	Time   string  `cbor:"time"`
}

type tombstoneBody struct {
	Seq int64  `cbor:"seq"`
	Did string `cbor:"did"`
}

// convertFrame turns one subscribeRepos frame into stream events. A commit
// frame yields one event per record operation followed by a repo event for
// the commit itself; info and unknown frames yield nothing.
func convertFrame(data []byte) ([]model.StreamEvent, error) {
	header, dec, err := wire.ReadHeader(data)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)

	switch header.Type {
	case "#commit":
		var body commitBody
		if err := dec.Decode(&body); err != nil {
			return nil, errors.WithMessage(err, "error decoding commit frame")
		}
		return convertCommit(&body, now)
	case "#account":
		var body accountBody
		if err := dec.Decode(&body); err != nil {
			return nil, errors.WithMessage(err, "error decoding account frame")
		}
		active := body.Active
		return []model.StreamEvent{{
			Type:   model.EventAccount,
			Seq:    body.Seq,
			Time:   eventTime(body.Time, now),
			Did:    body.Did,
			Active: &active,
			Status: body.Status,
		}}, nil
	case "#identity", "#handle":
		var body identityBody
		if err := dec.Decode(&body); err != nil {
			return nil, errors.WithMessagef(err, "error decoding %s frame", header.Type)
		}
		if body.Handle == nil || *body.Handle == "" {
			return nil, nil
		}
		return []model.StreamEvent{{
			Type:   model.EventIdentity,
			Seq:    body.Seq,
			Time:   eventTime(body.Time, now),
			Did:    body.Did,
			Handle: *body.Handle,
		}}, nil
	case "#tombstone":
		var body tombstoneBody
		if err := dec.Decode(&body); err != nil {
			return nil, errors.WithMessage(err, "error decoding tombstone frame")
		}
		log.Infof("Received tombstone for %s", body.Did)
		return nil, nil
	case "#info", "#sync":
		return nil, nil
	default:
		log.Debugf("Skipping unknown frame type %q", header.Type)
		return nil, nil
	}
}

func convertCommit(body *commitBody, now string) ([]model.StreamEvent, error) {
	commitCid, ok := wire.CidAsString(body.Commit)
	if !ok {
		return nil, errors.Errorf("commit frame for %s carries no commit cid", body.Repo)
	}
	t := eventTime(body.Time, now)

	events := make([]model.StreamEvent, 0, len(body.Ops)+1)
	for _, op := range body.Ops {
		collection, rkey, ok := splitRecordPath(op.Path)
		if !ok {
			continue
		}

		switch op.Action {
		case "create", "update":
			recordCid, ok := wire.CidAsString(op.Cid)
			if !ok {
				continue
			}
			record, err := recordFromBlocks(body.Blocks, recordCid)
			if err != nil {
				return nil, err
			}
			eventType := model.EventCreate
			if op.Action == "update" {
				eventType = model.EventUpdate
			}
			events = append(events, model.StreamEvent{
				Type:       eventType,
				Seq:        body.Seq,
				Time:       t,
				Did:        body.Repo,
				Commit:     commitCid,
				Rev:        body.Rev,
				Collection: collection,
				Rkey:       rkey,
				Cid:        recordCid,
				Record:     record,
			})
		case "delete":
			events = append(events, model.StreamEvent{
				Type:       model.EventDelete,
				Seq:        body.Seq,
				Time:       t,
				Did:        body.Repo,
				Commit:     commitCid,
				Rev:        body.Rev,
				Collection: collection,
				Rkey:       rkey,
			})
		}
	}

	// The repo root event trails the record events of its commit.
	events = append(events, model.StreamEvent{
		Type:   model.EventRepo,
		Seq:    body.Seq,
		Time:   t,
		Did:    body.Repo,
		Commit: commitCid,
		Rev:    body.Rev,
	})
	return events, nil
}

// recordFromBlocks scans the commit's CAR slice for the block with the given
// CID and renders it as a JSON value.
func recordFromBlocks(blocks []byte, target string) ([]byte, error) {
	targetCid, err := cid.Parse(target)
	if err != nil {
		return nil, errors.WithMessagef(err, "malformed record cid %q", target)
	}
	cr, err := car.NewCarReader(bytes.NewReader(blocks))
	if err != nil {
		return nil, errors.WithMessage(err, "error reading commit blocks")
	}
	for {
		block, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.WithMessage(err, "error reading commit block")
		}
		if block.Cid().Equals(targetCid) {
			return wire.DagCBORToJSON(block.RawData())
		}
	}
	return nil, errors.Errorf("block %s not found in commit", target)
}

func splitRecordPath(path string) (collection string, rkey string, ok bool) {
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func eventTime(frameTime string, fallback string) string {
	if frameTime != "" {
		return frameTime
	}
	return fallback
}
