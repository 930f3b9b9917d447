package orchestrator

import (
	"strconv"
	"time"
)

// Notice announces one finished occupation.
type Notice struct {
	Cluster    string    `json:"cluster"`
	Pathway    string    `json:"pathway"`
	Occupation string    `json:"occupation"`
	Key        string    `json:"key"`
	RunID      string    `json:"run_id"`
	Collected  int       `json:"collected"`
	Outcome    string    `json:"outcome"`
	FinishedAt time.Time `json:"finished_at"`
}

// Attributes exposes routing fields as Pub/Sub message attributes.
func (n Notice) Attributes() map[string]string {
	return map[string]string{
		"cluster":   n.Cluster,
		"outcome":   n.Outcome,
		"collected": strconv.Itoa(n.Collected),
	}
}
