//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/domain"
)

func TestRepositoryRoundTrips(t *testing.T) {
	ctx := context.Background()
	repo := newIntegrationRepo(t, ctx)

	p := domain.Principal{ClientID: "client-1", AthleteID: 42}

	t.Run("credentials", func(t *testing.T) {
		cred := domain.AccessCredential{
			ClientID:     p.ClientID,
			ClientSecret: "secret",
			AthleteID:    p.AthleteID,
			AthleteName:  "Grace Hopper",
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
			CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
			Profile:      domain.AthleteProfile{ID: p.AthleteID, Firstname: "Grace", Lastname: "Hopper"},
		}
		require.NoError(t, repo.UpsertCredential(ctx, cred))

		stored, err := repo.GetCredential(ctx, p)
		require.NoError(t, err)
		require.NotNil(t, stored)
		require.Equal(t, cred.AccessToken, stored.AccessToken)
		require.Equal(t, cred.Profile.Firstname, stored.Profile.Firstname)

		// Re-authorization replaces tokens in place.
		cred.AccessToken = "access-2"
		cred.RefreshToken = "refresh-2"
		require.NoError(t, repo.UpsertCredential(ctx, cred))

		stored, err = repo.GetCredential(ctx, p)
		require.NoError(t, err)
		require.Equal(t, "access-2", stored.AccessToken)

		all, err := repo.ListCredentials(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)

		missing, err := repo.GetCredential(ctx, domain.Principal{ClientID: "nobody", AthleteID: 1})
		require.NoError(t, err)
		require.Nil(t, missing)
	})

	t.Run("stats", func(t *testing.T) {
		stats := domain.AggregateStats{
			AthleteID:       p.AthleteID,
			AthleteName:     "Grace Hopper",
			Period:          "2025-01-01 to 2025-06-01",
			TotalDistance:   3500,
			TotalActivities: 3,
			KOMCount:        1,
			ActivitiesByType: []domain.TypeSummary{
				{Type: "Ride", Count: 2, TotalDistance: 1500},
				{Type: "Run", Count: 1, TotalDistance: 2000},
			},
		}
		require.NoError(t, repo.UpsertStats(ctx, p, stats))

		stored, err := repo.GetStats(ctx, p)
		require.NoError(t, err)
		require.NotNil(t, stored)
		require.Equal(t, 3500.0, stored.TotalDistance)
		require.Len(t, stored.ActivitiesByType, 2)
		require.False(t, stored.LastUpdated.IsZero())

		records, err := repo.ListStats(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, p.ClientID, records[0].ClientID)

		require.NoError(t, repo.DeleteStats(ctx, p))
		gone, err := repo.GetStats(ctx, p)
		require.NoError(t, err)
		require.Nil(t, gone)
	})

	t.Run("status lifecycle", func(t *testing.T) {
		startedAt := time.Now().UTC().Truncate(time.Millisecond)
		fetching := domain.FetchStatus{
			ClientID:  p.ClientID,
			AthleteID: p.AthleteID,
			State:     domain.FetchStateFetching,
			StartedAt: startedAt,
			Progress:  &domain.Progress{Current: 30, Total: 100},
		}
		require.NoError(t, repo.UpsertStatus(ctx, fetching))

		stored, err := repo.GetStatus(ctx, p)
		require.NoError(t, err)
		require.NotNil(t, stored)
		require.Equal(t, domain.FetchStateFetching, stored.State)
		require.NotNil(t, stored.Progress)
		require.Equal(t, 30, stored.Progress.Current)
		require.Nil(t, stored.CompletedAt)
		require.Empty(t, stored.Error)

		completedAt := time.Now().UTC().Truncate(time.Millisecond)
		completed := fetching
		completed.State = domain.FetchStateCompleted
		completed.Progress = nil
		completed.CompletedAt = &completedAt
		require.NoError(t, repo.UpsertStatus(ctx, completed))

		// Terminal overwrites are idempotent.
		require.NoError(t, repo.UpsertStatus(ctx, completed))

		stored, err = repo.GetStatus(ctx, p)
		require.NoError(t, err)
		require.Equal(t, domain.FetchStateCompleted, stored.State)
		require.Nil(t, stored.Progress)
		require.NotNil(t, stored.CompletedAt)

		all, err := repo.ListStatuses(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)

		require.NoError(t, repo.DeleteStatus(ctx, p))
		gone, err := repo.GetStatus(ctx, p)
		require.NoError(t, err)
		require.Nil(t, gone)
	})
}

func TestRepositoryStoresErrorMessage(t *testing.T) {
	ctx := context.Background()
	repo := newIntegrationRepo(t, ctx)

	p := domain.Principal{ClientID: "client-err", AthleteID: 7}
	status := domain.FetchStatus{
		ClientID:  p.ClientID,
		AthleteID: p.AthleteID,
		State:     domain.FetchStateError,
		StartedAt: time.Now().UTC(),
		Error:     "upstream 500",
	}
	require.NoError(t, repo.UpsertStatus(ctx, status))

	stored, err := repo.GetStatus(ctx, p)
	require.NoError(t, err)
	require.Equal(t, domain.FetchStateError, stored.State)
	require.Equal(t, "upstream 500", stored.Error)
}

func newIntegrationRepo(t *testing.T, ctx context.Context) *Repository {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("strava_stats"),
		postgrescontainer.WithUsername("strava"),
		postgrescontainer.WithPassword("strava"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return NewRepository(pool)
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_init.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		path := resolvePath(t, rel)
		contents, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
