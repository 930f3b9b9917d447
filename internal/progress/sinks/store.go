package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/resume-corpus-crawler/internal/progress"
	"github.com/JakeFAU/resume-corpus-crawler/internal/store"
)

// StoreSink persists run progress via a store.ProgressRepository. Record and
// retry counts are collapsed per run before they are written.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes run starts first, then the collapsed count deltas, then run
// completions, so a run finishing inside the batch ends with its final status.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*runDelta)
	var order []uuid.UUID
	var completions []progress.Event

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageJobStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.Occupation, evt.Key, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
			continue
		case progress.StageJobDone, progress.StageJobError:
			completions = append(completions, evt)
			continue
		case progress.StageRecordDone, progress.StageRecordSkipped, progress.StageJobRetry:
		default:
			continue
		}

		d := deltas[runID]
		if d == nil {
			d = &runDelta{}
			deltas[runID] = d
			order = append(order, runID)
		}
		switch evt.Stage {
		case progress.StageRecordDone:
			d.collected++
		case progress.StageRecordSkipped:
			d.skipped++
		case progress.StageJobRetry:
			d.retries++
		}
		if evt.TS.After(d.at) {
			d.at = evt.TS
		}
	}

	for _, runID := range order {
		d := deltas[runID]
		if err := s.repo.AddRunCounts(ctx, runID, d.collected, d.skipped, d.retries, d.at); err != nil {
			return fmt.Errorf("add run counts: %w", err)
		}
	}
	for _, evt := range completions {
		if err := s.complete(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, evt progress.Event) error {
	status := store.RunSuccess
	if evt.Stage == progress.StageJobError {
		status = store.RunError
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, status, int64(evt.Collected), note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type runDelta struct {
	collected int64
	skipped   int64
	retries   int64
	at        time.Time
}
