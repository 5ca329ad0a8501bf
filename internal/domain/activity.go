// Package domain defines the core types shared across the Strava stats service.
package domain

// ActivityRecord is one activity imported from the Strava list endpoint. Records
// are immutable within a run; the precursor counts (kudos, comments,
// achievements) decide whether per-activity enrichment is fetched at all.
type ActivityRecord struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	Distance           float64  `json:"distance"`
	MovingTime         int      `json:"moving_time"`
	ElapsedTime        int      `json:"elapsed_time"`
	TotalElevationGain float64  `json:"total_elevation_gain"`
	Type               string   `json:"type"`
	StartDate          string   `json:"start_date"`
	StartDateLocal     string   `json:"start_date_local"`
	AverageSpeed       float64  `json:"average_speed"`
	MaxSpeed           float64  `json:"max_speed"`
	AverageCadence     *float64 `json:"average_cadence,omitempty"`
	AverageTemp        *float64 `json:"average_temp,omitempty"`
	AverageHeartrate   *float64 `json:"average_heartrate,omitempty"`
	MaxHeartrate       *float64 `json:"max_heartrate,omitempty"`
	KudosCount         int      `json:"kudos_count"`
	CommentCount       int      `json:"comment_count"`
	AchievementCount   int      `json:"achievement_count"`
}

// NeedsEnrichment reports whether the record warrants detail or comment fetches.
func (a ActivityRecord) NeedsEnrichment() bool {
	return a.AchievementCount > 0 || a.CommentCount > 0
}
