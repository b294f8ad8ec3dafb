// Package labels ingests a labeler's moderation label stream
// (com.atproto.label.subscribeLabels) and submits label events to the
// label_live pipeline. The labeler sequence space is independent of the
// firehose sequence space.
package labels

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/metrics"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/model"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/pipeline"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/store"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/subscribe"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/wire"
)

const (
	Source = "labels"
	method = "com.atproto.label.subscribeLabels"
)

type labelsBody struct {
	Seq    int64       `cbor:"seq"`
	Labels []labelBody `cbor:"labels"`
}

type labelBody struct {
	Src string      `cbor:"src"`
	Uri string      `cbor:"uri"`
	Cid interface{} `cbor:"cid"`
	Val string      `cbor:"val"`
	Neg *bool       `cbor:"neg"`
	Cts string      `cbor:"cts"`
}

type Reader struct {
	host                 string
	pipeline             *pipeline.Pipeline[model.LabelEvent]
	cursors              *store.RedisStreamStore
	maxReconnectAttempts int
	metrics              *metrics.Metrics
}

func NewReader(host string, p *pipeline.Pipeline[model.LabelEvent], cursors *store.RedisStreamStore, maxReconnectAttempts int, m *metrics.Metrics) *Reader {
	return &Reader{
		host:                 host,
		pipeline:             p,
		cursors:              cursors,
		maxReconnectAttempts: maxReconnectAttempts,
		metrics:              m,
	}
}

func (r *Reader) Run(ctx context.Context) error {
	log.Infof("Starting label reader for %s", r.host)
	return subscribe.RunWithReconnect(ctx, Source, r.maxReconnectAttempts, r.metrics, r.runConnection)
}

func (r *Reader) runConnection(ctx context.Context) error {
	cursor, err := r.cursors.GetIntCursor(ctx, model.LabelLiveStream, r.host)
	if err != nil {
		return errors.WithMessage(err, "error resolving label cursor")
	}

	url := subscribe.URL(r.host, method, cursor)
	log.Infof("Subscribing to %s from cursor %d", url, cursor)

	return subscribe.Run(ctx, url, r.metrics, func(data []byte) error {
		event, err := convertFrame(data)
		if err != nil {
			var subErr *wire.SubscriptionError
			if errors.As(err, &subErr) {
				return subErr
			}
			r.metrics.RecordParseError(Source)
			log.WithError(err).Warnf("Skipping unparseable label frame from %s", r.host)
			return nil
		}
		if event == nil {
			return nil
		}
		return r.pipeline.Submit(ctx, *event)
	})
}

// convertFrame decodes one subscribeLabels frame. Frames other than #labels
// are skipped.
func convertFrame(data []byte) (*model.LabelEvent, error) {
	header, dec, err := wire.ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if header.Type != "#labels" {
		return nil, nil
	}

	var body labelsBody
	if err := dec.Decode(&body); err != nil {
		return nil, errors.WithMessage(err, "error decoding labels frame")
	}

	event := &model.LabelEvent{
		Seq:    body.Seq,
		Labels: make([]model.Label, 0, len(body.Labels)),
	}
	for _, l := range body.Labels {
		label := model.Label{
			Src: l.Src,
			Uri: l.Uri,
			Val: l.Val,
			Neg: l.Neg,
			Cts: l.Cts,
		}
		// Labels on specific record versions carry a cid; it arrives either
		// as a plain string or as a dag-cbor link.
		switch c := l.Cid.(type) {
		case string:
			if c != "" {
				label.Cid = &c
			}
		default:
			if s, ok := wire.CidAsString(l.Cid); ok {
				label.Cid = &s
			}
		}
		event.Labels = append(event.Labels, label)
	}
	return event, nil
}
