// Package backfill enumerates every repository known to a relay
// (com.atproto.sync.listRepos) and submits one BackfillEntry per repo to the
// repo_backfill pipeline. It forwards only; it does not validate repository
// content.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/blacksky-algorithms/rsky-sub001/internal/common/ingesterrors"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/metrics"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/model"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/pipeline"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/store"
	"github.com/blacksky-algorithms/rsky-sub001/internal/ingester/subscribe"
)

const (
	Source = "backfill"

	requestTimeout   = 30 * time.Second
	fetchRetries     = 5
	fetchRetryDelay  = 2 * time.Second
	enumerationRetry = 30 * time.Second
	progressInterval = 10000
)

type listReposResponse struct {
	Repos  []repoRef `json:"repos"`
	Cursor *string   `json:"cursor,omitempty"`
}

type repoRef struct {
	Did    string  `json:"did"`
	Head   string  `json:"head"`
	Rev    string  `json:"rev"`
	Active *bool   `json:"active,omitempty"`
	Status *string `json:"status,omitempty"`
}

// Reader pages through listRepos for one host. The pagination token is
// persisted per page; a completed enumeration is recorded with the done
// sentinel so restarts skip straight to the idle poll.
type Reader struct {
	host         string
	baseURL      string
	pipeline     *pipeline.Pipeline[model.BackfillEntry]
	cursors      *store.RedisStreamStore
	client       *http.Client
	pageSize     int
	pollInterval time.Duration
	retries      uint
	retryDelay   time.Duration
	metrics      *metrics.Metrics
}

func NewReader(host string, p *pipeline.Pipeline[model.BackfillEntry], cursors *store.RedisStreamStore, pageSize int, pollInterval time.Duration, m *metrics.Metrics) *Reader {
	clean := subscribe.CleanHost(host)
	return &Reader{
		host:         clean,
		baseURL:      fmt.Sprintf("https://%s/xrpc/com.atproto.sync.listRepos", clean),
		pipeline:     p,
		cursors:      cursors,
		client:       &http.Client{Timeout: requestTimeout},
		pageSize:     pageSize,
		pollInterval: pollInterval,
		retries:      fetchRetries,
		retryDelay:   fetchRetryDelay,
		metrics:      m,
	}
}

// Run enumerates until ctx is cancelled. A completed enumeration is followed
// by an idle wait before re-checking; a failed one is retried after a short
// pause unless the failure is a retry-budget exhaustion, which is fatal.
func (r *Reader) Run(ctx context.Context) error {
	log.Infof("Starting backfill reader for %s", r.host)
	for {
		err := r.runEnumeration(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := r.pollInterval
		if err != nil {
			if isFatal(err) {
				return err
			}
			log.WithError(err).Errorf("Backfill enumeration for %s failed, retrying in %s", r.host, enumerationRetry)
			wait = enumerationRetry
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Reader) runEnumeration(ctx context.Context) error {
	cursor, found, err := r.cursors.GetCursor(ctx, model.RepoBackfillStream, r.host)
	if err != nil {
		return err
	}
	if cursor == model.DoneCursor {
		r.metrics.RecordBackfillComplete(true)
		log.Debugf("Backfill already complete for %s", r.host)
		return nil
	}
	r.metrics.RecordBackfillComplete(false)
	if found {
		log.Infof("Resuming backfill for %s from cursor %q", r.host, cursor)
	} else {
		log.Infof("Starting backfill for %s from the beginning", r.host)
	}

	totalRepos := 0
	for {
		page, err := r.fetchPage(ctx, cursor)
		if err != nil {
			return err
		}
		r.metrics.RecordBackfillReposFetched(len(page.Repos))

		// The next page is not requested until every entry of this page has
		// been accepted by the pipeline.
		for _, repo := range page.Repos {
			entry := model.BackfillEntry{
				Did:    repo.Did,
				Host:   "https://" + r.host,
				Rev:    repo.Rev,
				Status: repo.Status,
				Active: repo.Active == nil || *repo.Active,
			}
			if err := r.pipeline.Submit(ctx, entry); err != nil {
				return err
			}
			totalRepos++
		}

		if page.Cursor == nil || *page.Cursor == "" {
			if err := r.cursors.SetCursor(ctx, model.RepoBackfillStream, r.host, model.DoneCursor); err != nil {
				return err
			}
			r.metrics.RecordBackfillComplete(true)
			log.Infof("Backfill complete for %s, %d repos enumerated", r.host, totalRepos)
			return nil
		}

		cursor = *page.Cursor
		if err := r.cursors.SetCursor(ctx, model.RepoBackfillStream, r.host, cursor); err != nil {
			return err
		}
		if totalRepos%progressInterval == 0 {
			log.Infof("Backfill for %s processed %d repos, cursor %q", r.host, totalRepos, cursor)
		}
	}
}

func (r *Reader) fetchPage(ctx context.Context, cursor string) (*listReposResponse, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", r.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	pageURL := r.baseURL + "?" + q.Encode()

	var page listReposResponse
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
			if err != nil {
				return err
			}
			resp, err := r.client.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return errors.Errorf("listRepos returned %s", resp.Status)
			}
			page = listReposResponse{}
			return json.NewDecoder(resp.Body).Decode(&page)
		},
		retry.Attempts(r.retries),
		retry.Delay(r.retryDelay),
		retry.RetryIf(func(err error) bool { return ctx.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			r.metrics.RecordConnectionError(Source)
			log.WithError(err).Warnf("listRepos fetch for %s failed (attempt %d/%d)", r.host, n+1, r.retries)
		}),
	)
	if err != nil {
		return nil, errors.WithMessagef(err, "error fetching listRepos page for %s", r.host)
	}
	return &page, nil
}

func isFatal(err error) bool {
	var exhausted *ingesterrors.ErrMaxRetriesExceeded
	return errors.As(err, &exhausted)
}
