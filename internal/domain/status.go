package domain

import "time"

// FetchState enumerates the job status state machine. A job moves from
// fetching to exactly one of the terminal states; records are deleted
// externally once consumed.
type FetchState string

const (
	FetchStateFetching  FetchState = "fetching"
	FetchStateCompleted FetchState = "completed"
	FetchStateError     FetchState = "error"
)

// Terminal reports whether the state admits no further transitions.
func (s FetchState) Terminal() bool {
	return s == FetchStateCompleted || s == FetchStateError
}

// Progress tracks run completion as a percentage: Total is always 100.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// FetchStatus is the persisted job status for one principal. Every write is a
// full overwrite of the record keyed by (client_id, athlete_id).
type FetchStatus struct {
	ClientID    string     `json:"client_id"`
	AthleteID   int64      `json:"athlete_id"`
	State       FetchState `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Progress    *Progress  `json:"progress,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Principal identifies one authorized account: the tenant's own Strava
// application plus the athlete that granted it access.
type Principal struct {
	ClientID  string
	AthleteID int64
}

// Key returns the canonical map/singleflight key for the principal.
func (p Principal) Key() string {
	return p.ClientID + ":" + formatAthleteID(p.AthleteID)
}
