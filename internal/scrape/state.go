package scrape

// State is the position of a Job in its pagination loop.
type State int

// Job states.
const (
	StateFetchingListing State = iota
	StateFetchingDetail
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFetchingListing:
		return "fetching_listing"
	case StateFetchingDetail:
		return "fetching_detail"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome distinguishes why a job reached StateDone.
type Outcome string

// Outcomes.
const (
	// OutcomeExhausted means the listing ran out of results.
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeCapped means the target count was reached.
	OutcomeCapped Outcome = "capped"
)

// Progress is the resumable checkpoint of one occupation's scrape. It is owned
// by a single Runner invocation and never shared.
type Progress struct {
	SearchTerm string
	Key        string
	Offset     int
	Target     int
	Collected  int
}
