// Package scrape implements the per-occupation pagination loop and the runner
// that recovers it from transport failures.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resume-corpus-crawler/internal/extract"
	"github.com/JakeFAU/resume-corpus-crawler/internal/output"
	"github.com/JakeFAU/resume-corpus-crawler/internal/progress"
	"github.com/JakeFAU/resume-corpus-crawler/internal/session"
)

// Fetcher returns rendered markup for a URL. session.Session satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// Job walks the listing pages of one search term, writing every extracted
// record as soon as it is decoded.
type Job struct {
	Listing   Fetcher
	Detail    Fetcher
	Extractor *extract.Extractor
	Writer    output.Writer
	PageSize  int
	Emitter   progress.Emitter
	RunID     [16]byte
	Logger    *zap.Logger

	state State
}

// State returns where the job stopped, or where it is if still running.
func (j *Job) State() State {
	return j.state
}

// Run advances p from p.Offset until the listing is exhausted or p.Target is
// reached. A transport failure stops the job in StateFailed with an error
// wrapping session.ErrTransport; p then holds the checkpoint to resume from.
// Any other error is not recoverable by retrying.
func (j *Job) Run(ctx context.Context, p *Progress) (Outcome, error) {
	if j.PageSize <= 0 {
		return "", errors.New("page size must be > 0")
	}
	logger := j.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := j.Emitter
	if emitter == nil {
		emitter = progress.Discard
	}
	detail := j.Detail
	if detail == nil {
		detail = j.Listing
	}
	site := j.Extractor.Site()

	for {
		if err := ctx.Err(); err != nil {
			j.state = StateFailed
			return "", fmt.Errorf("scrape %s: %w", p.SearchTerm, err)
		}
		if p.Offset >= p.Target {
			j.state = StateDone
			return OutcomeCapped, nil
		}

		j.state = StateFetchingListing
		listingURL := site.ListingURL(p.SearchTerm, p.Offset)
		start := time.Now()
		markup, err := j.Listing.Fetch(ctx, listingURL)
		if err != nil {
			return "", j.fail(ctx, err, "listing "+listingURL)
		}
		refs, err := j.Extractor.ListRecordReferences(markup)
		if err != nil {
			return "", j.fail(ctx, err, "listing "+listingURL)
		}
		j.emit(emitter, progress.Event{
			Stage: progress.StageListingDone,
			URL:   listingURL,
			Dur:   time.Since(start),
			Note:  fmt.Sprintf("%d references", len(refs)),
		}, p)
		if len(refs) == 0 {
			j.state = StateDone
			return OutcomeExhausted, nil
		}
		if room := p.Target - p.Collected; len(refs) > room {
			refs = refs[:max(room, 0)]
		}

		j.state = StateFetchingDetail
		for _, ref := range refs {
			detailURL := site.DetailURL(ref)
			start := time.Now()
			page, err := detail.Fetch(ctx, detailURL)
			if err != nil && !errors.Is(err, session.ErrPageGone) {
				return "", j.fail(ctx, err, "detail "+detailURL)
			}
			var record extract.Record
			if err == nil {
				record, err = j.Extractor.ExtractRecord(page)
			}
			if errors.Is(err, extract.ErrParse) || errors.Is(err, session.ErrPageGone) {
				logger.Warn("skipping record",
					zap.String("occupation", p.SearchTerm),
					zap.String("url", detailURL),
					zap.Int("offset", p.Offset),
					zap.Error(err),
				)
				j.emit(emitter, progress.Event{Stage: progress.StageRecordSkipped, URL: detailURL, Note: err.Error()}, p)
				continue
			}
			if err != nil {
				j.state = StateFailed
				return "", fmt.Errorf("extract %s: %w", detailURL, err)
			}
			if err := j.Writer.WriteLine(record.String()); err != nil {
				j.state = StateFailed
				return "", fmt.Errorf("write record for %s: %w", p.Key, err)
			}
			p.Collected++
			j.emit(emitter, progress.Event{Stage: progress.StageRecordDone, URL: detailURL, Dur: time.Since(start)}, p)
		}
		p.Offset += j.PageSize
	}
}

// fail moves the job to StateFailed. Cancellation is reported as such; every
// other fetch or listing failure is classified as transport.
func (j *Job) fail(ctx context.Context, err error, op string) error {
	j.state = StateFailed
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return session.Transport(op, err)
}

func (j *Job) emit(emitter progress.Emitter, evt progress.Event, p *Progress) {
	evt.RunID = j.RunID
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	evt.Occupation = p.SearchTerm
	evt.Key = p.Key
	evt.Offset = p.Offset
	evt.Collected = p.Collected
	emitter.Emit(evt)
}
