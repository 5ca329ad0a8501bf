// Package aggregate builds one complete AggregateStats for one principal by
// paginating the upstream collection endpoint and selectively enriching
// activities under a bounded concurrency cap.
package aggregate

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/domain"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/observability"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/strava"
)

// Client is the slice of the upstream client the engine consumes.
type Client interface {
	ListActivities(ctx context.Context, after, before int64, page, perPage int) ([]domain.ActivityRecord, error)
	FetchDetail(ctx context.Context, activityID int64) (*strava.ActivityDetail, error)
	FetchComments(ctx context.Context, activityID int64) ([]strava.Comment, error)
}

// ProgressFunc receives coarse-grained progress checkpoints. Current is a
// percentage and total is always 100. Errors from the callback are logged and
// swallowed; they never abort the run.
type ProgressFunc func(current, total int) error

// Window is the half-open time window [After, Before) a run covers.
type Window struct {
	After  time.Time
	Before time.Time
}

// Period renders the window the way the dashboard displays it.
func (w Window) Period() string {
	return w.After.UTC().Format("2006-01-02") + " to " + w.Before.UTC().Format("2006-01-02")
}

// Option configures optional engine behaviour.
type Option func(*Engine)

// WithPageSize overrides the list page size.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		e.pageSize = n
	}
}

// WithBatchSize overrides the enrichment batch size (bounded concurrency).
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		e.batchSize = n
	}
}

// WithBatchPause overrides the pause between enrichment batches.
func WithBatchPause(d time.Duration) Option {
	return func(e *Engine) {
		e.batchPause = d
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine drives the aggregation pipeline. It holds tuning only; the client is
// supplied per run because each principal authorizes with its own token.
type Engine struct {
	pageSize   int
	batchSize  int
	batchPause time.Duration
	logger     *log.Logger
}

// NewEngine constructs an Engine with production defaults: 200-item pages,
// batches of 10 concurrent enrichment fetches, 500ms between batches.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		pageSize:   200,
		batchSize:  10,
		batchPause: 500 * time.Millisecond,
		logger:     log.New(log.Writer(), "[aggregate] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fetch runs the full pipeline for one athlete over one window and returns the
// completed stats. Transient upstream failures truncate or thin the result but
// never fail the run; only context cancellation is fatal, so a cancelled run
// can never be mistaken for a completed one.
func (e *Engine) Fetch(ctx context.Context, client Client, athleteID int64, athleteName string, window Window, onProgress ProgressFunc) (*domain.AggregateStats, error) {
	stats := &domain.AggregateStats{
		AthleteID:          athleteID,
		AthleteName:        athleteName,
		Period:             window.Period(),
		Activities:         []domain.ActivityRecord{},
		ActivitiesByType:   []domain.TypeSummary{},
		Comments:           []domain.Comment{},
		SegmentsPassed:     []domain.SegmentEffort{},
		MostPassedSegments: []domain.SegmentCount{},
	}

	activities, err := e.paginate(ctx, client, window)
	if err != nil {
		return nil, err
	}

	stats.TotalActivities = len(activities)
	e.accumulate(activities, stats, onProgress)

	if err := e.enrichAll(ctx, client, activities, stats, onProgress); err != nil {
		return nil, err
	}

	stats.MostPassedSegments = rollupSegments(stats.SegmentsPassed)
	stats.ActivitiesByType = rollupTypes(stats.Activities)
	stats.LastUpdated = time.Now().UTC()
	return stats, nil
}

// paginate walks the list endpoint until a short page signals end-of-stream.
// A page error terminates the walk early: the data fetched so far is accepted.
func (e *Engine) paginate(ctx context.Context, client Client, window Window) ([]domain.ActivityRecord, error) {
	after := window.After.UTC().Unix()
	before := window.Before.UTC().Unix()

	var all []domain.ActivityRecord
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := client.ListActivities(ctx, after, before, page, e.pageSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Printf("page %d fetch failed, truncating dataset at %d activities: %v", page, len(all), err)
			break
		}

		observability.RecordPage(len(batch))
		if len(batch) == 0 {
			break
		}

		all = append(all, batch...)
		if len(batch) < e.pageSize {
			break
		}
	}
	return all, nil
}

// accumulate folds every fetched activity into the running totals and reports
// pagination-phase progress (0-30%) every 50 items and on the last one.
func (e *Engine) accumulate(activities []domain.ActivityRecord, stats *domain.AggregateStats, onProgress ProgressFunc) {
	for i, activity := range activities {
		stats.TotalDistance += activity.Distance
		stats.Activities = append(stats.Activities, activity)

		if i%50 == 0 || i == len(activities)-1 {
			e.report(onProgress, (i+1)*30/len(activities))
		}
	}
}

// enrichAll processes enrichment-worthy activities in fixed-size batches.
// Fetches within a batch run concurrently and are joined before the next
// batch starts; batches are separated by a rate-limit pause.
func (e *Engine) enrichAll(ctx context.Context, client Client, activities []domain.ActivityRecord, stats *domain.AggregateStats, onProgress ProgressFunc) error {
	var filtered []domain.ActivityRecord
	for _, activity := range activities {
		if activity.NeedsEnrichment() {
			filtered = append(filtered, activity)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	acc := &accumulator{stats: stats}

	for start := 0; start < len(filtered); start += e.batchSize {
		end := start + e.batchSize
		if end > len(filtered) {
			end = len(filtered)
		}

		group, groupCtx := errgroup.WithContext(ctx)
		for _, activity := range filtered[start:end] {
			activity := activity
			group.Go(func() error {
				return e.enrich(groupCtx, client, activity, acc)
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}

		e.report(onProgress, 30+end*70/len(filtered))

		if end < len(filtered) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.batchPause):
			}
		}
	}
	return nil
}

// enrich fetches one activity's detail and/or comments as its precursor counts
// dictate. Upstream failures are logged and skipped so one item cannot sink
// the batch; only context errors propagate.
func (e *Engine) enrich(ctx context.Context, client Client, activity domain.ActivityRecord, acc *accumulator) error {
	if activity.AchievementCount > 0 {
		detail, err := client.FetchDetail(ctx, activity.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Printf("activity %d: detail fetch failed: %v", activity.ID, err)
			observability.RecordEnrichmentFailure("detail")
		} else {
			acc.addEfforts(activity.ID, detail.SegmentEfforts)
		}
	}

	if activity.CommentCount > 0 {
		comments, err := client.FetchComments(ctx, activity.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Printf("activity %d: comment fetch failed: %v", activity.ID, err)
			observability.RecordEnrichmentFailure("comments")
		} else {
			acc.addComments(activity, comments)
		}
	}
	return nil
}

func (e *Engine) report(onProgress ProgressFunc, current int) {
	if onProgress == nil {
		return
	}
	if err := onProgress(current, 100); err != nil {
		e.logger.Printf("progress callback failed at %d%%: %v", current, err)
	}
}

// accumulator guards the result lists and counters shared by the concurrent
// batch fetches.
type accumulator struct {
	mu    sync.Mutex
	stats *domain.AggregateStats
}

func (a *accumulator) addEfforts(activityID int64, efforts []strava.SegmentEffortDetail) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, effort := range efforts {
		if effort.KOMRank != nil && *effort.KOMRank == 1 {
			a.stats.KOMCount++
		}
		if effort.Segment.ID != 0 {
			a.stats.SegmentsPassed = append(a.stats.SegmentsPassed, domain.SegmentEffort{
				SegmentID:   effort.Segment.ID,
				SegmentName: segmentName(effort),
				ActivityID:  activityID,
			})
		}
	}
}

func (a *accumulator) addComments(activity domain.ActivityRecord, comments []strava.Comment) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, comment := range comments {
		name := domain.AthleteProfile{Firstname: comment.Athlete.Firstname, Lastname: comment.Athlete.Lastname}.FullName()
		a.stats.Comments = append(a.stats.Comments, domain.Comment{
			ActivityID:    activity.ID,
			ActivityName:  activity.Name,
			CommenterID:   comment.Athlete.ID,
			CommenterName: name,
			CommentText:   comment.Text,
			CreatedAt:     comment.CreatedAt,
		})
		a.stats.TotalCommentsCount++
	}
}

func segmentName(effort strava.SegmentEffortDetail) string {
	if effort.Segment.Name == "" {
		return "Unknown"
	}
	return effort.Segment.Name
}

// rollupSegments groups segment passes by id and keeps the ten most passed,
// ordered by pass count descending. Tie order is unspecified.
func rollupSegments(passes []domain.SegmentEffort) []domain.SegmentCount {
	type entry struct {
		name  string
		count int
	}
	grouped := make(map[int64]*entry)
	for _, pass := range passes {
		if existing, ok := grouped[pass.SegmentID]; ok {
			existing.count++
		} else {
			grouped[pass.SegmentID] = &entry{name: pass.SegmentName, count: 1}
		}
	}

	ranked := make([]domain.SegmentCount, 0, len(grouped))
	for id, seg := range grouped {
		ranked = append(ranked, domain.SegmentCount{SegmentID: id, SegmentName: seg.name, PassCount: seg.count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].PassCount > ranked[j].PassCount
	})

	if len(ranked) > 10 {
		ranked = ranked[:10]
	}
	return ranked
}

// rollupTypes groups activities by type tag, ordered by count descending.
func rollupTypes(activities []domain.ActivityRecord) []domain.TypeSummary {
	grouped := make(map[string]*domain.TypeSummary)
	order := make([]string, 0)
	for _, activity := range activities {
		tag := activity.Type
		if tag == "" {
			tag = "Unknown"
		}
		summary, ok := grouped[tag]
		if !ok {
			summary = &domain.TypeSummary{Type: tag}
			grouped[tag] = summary
			order = append(order, tag)
		}
		summary.Count++
		summary.TotalDistance += activity.Distance
		summary.TotalMovingTime += activity.MovingTime
		summary.TotalElevationGain += activity.TotalElevationGain
	}

	summaries := make([]domain.TypeSummary, 0, len(grouped))
	for _, tag := range order {
		summaries = append(summaries, *grouped[tag])
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Count > summaries[j].Count
	})
	return summaries
}
