package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names a milestone in the life of one occupation's scrape run.
type Stage string

// Supported stages.
const (
	StageJobStart      Stage = "JOB_START"
	StageListingDone   Stage = "LISTING_DONE"
	StageRecordDone    Stage = "RECORD_DONE"
	StageRecordSkipped Stage = "RECORD_SKIPPED"
	StageJobRetry      Stage = "JOB_RETRY"
	StageJobDone       Stage = "JOB_DONE"
	StageJobError      Stage = "JOB_ERROR"
)

// Event is a single progress observation.
type Event struct {
	// RunID identifies one Runner invocation for one occupation.
	RunID [16]byte
	// TS is the UTC time the emitter observed the milestone.
	TS    time.Time
	Stage Stage
	// Occupation is the search term being scraped.
	Occupation string
	// Key is the output destination of the run.
	Key string
	// URL is the listing or detail page involved, when there is one.
	URL string
	// Offset is the listing offset at the time of the event.
	Offset int
	// Collected is the running record count for the run.
	Collected int
	// Attempt counts retries; zero on the first attempt.
	Attempt int
	// Dur is the fetch latency or, for terminal stages, the run's wall time.
	Dur time.Duration
	// Note carries short context such as an error message or outcome.
	Note string
}

// Validate performs coarse validation on an Event.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageJobRetry:
		if e.Occupation == "" {
			return fmt.Errorf("%s requires occupation", e.Stage)
		}
	case StageListingDone, StageRecordDone, StageRecordSkipped:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Offset < 0 || e.Collected < 0 {
		return errors.New("offset and collected must be >= 0")
	}
	return nil
}

// RunUUID returns RunID as a uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
