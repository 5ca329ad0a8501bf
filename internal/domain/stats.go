package domain

import "time"

// Comment is one comment left on an imported activity.
type Comment struct {
	ActivityID    int64  `json:"activity_id"`
	ActivityName  string `json:"activity_name"`
	CommenterID   int64  `json:"commenter_id"`
	CommenterName string `json:"commenter_name"`
	CommentText   string `json:"comment_text"`
	CreatedAt     string `json:"created_at"`
}

// SegmentEffort records one pass over a named segment during an activity.
type SegmentEffort struct {
	SegmentID   int64  `json:"segment_id"`
	SegmentName string `json:"segment_name"`
	ActivityID  int64  `json:"activity_id"`
}

// SegmentCount is one entry in the most-passed-segments leaderboard.
type SegmentCount struct {
	SegmentID   int64  `json:"segment_id"`
	SegmentName string `json:"segment_name"`
	PassCount   int    `json:"pass_count"`
}

// TypeSummary rolls up activities sharing a type tag.
type TypeSummary struct {
	Type               string  `json:"type"`
	Count              int     `json:"count"`
	TotalDistance      float64 `json:"total_distance"`
	TotalMovingTime    int     `json:"total_moving_time"`
	TotalElevationGain float64 `json:"total_elevation_gain"`
}

// AggregateStats is the derived result of one complete run for one principal.
// It fully replaces any prior value on save.
type AggregateStats struct {
	AthleteID          int64            `json:"athlete_id"`
	AthleteName        string           `json:"athlete_name"`
	Period             string           `json:"period"`
	TotalDistance      float64          `json:"total_distance"`
	TotalActivities    int              `json:"total_activities"`
	Activities         []ActivityRecord `json:"activities"`
	ActivitiesByType   []TypeSummary    `json:"activities_by_type"`
	Comments           []Comment        `json:"comments"`
	TotalCommentsCount int              `json:"total_comments_count"`
	SegmentsPassed     []SegmentEffort  `json:"segments_passed"`
	MostPassedSegments []SegmentCount   `json:"most_passed_segments"`
	KOMCount           int              `json:"kom_count"`
	LocalLegendCount   int              `json:"local_legend_count"`
	LastUpdated        time.Time        `json:"last_updated"`
}

// StatsRecord pairs persisted stats with the principal key they belong to.
type StatsRecord struct {
	ClientID  string         `json:"client_id"`
	AthleteID int64          `json:"athlete_id"`
	Stats     AggregateStats `json:"stats"`
}
