// Package postgres provides the Postgres-backed credential, stats and status stores.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/domain"
)

// Repository implements domain.CredentialStore, domain.StatsStore and
// domain.StatusStore on one connection pool. Every upsert is a full
// overwrite of the row keyed by (client_id, athlete_id).
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertCredential stores or replaces the credential for its principal.
func (r *Repository) UpsertCredential(ctx context.Context, cred domain.AccessCredential) error {
	profile, err := json.Marshal(cred.Profile)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO tokens (client_id, athlete_id, athlete_name, access_token, refresh_token, expires_at, client_secret, created_at, athlete_profile)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (client_id, athlete_id) DO UPDATE SET
            athlete_name = EXCLUDED.athlete_name,
            access_token = EXCLUDED.access_token,
            refresh_token = EXCLUDED.refresh_token,
            expires_at = EXCLUDED.expires_at,
            client_secret = EXCLUDED.client_secret,
            athlete_profile = EXCLUDED.athlete_profile`

	_, err = r.pool.Exec(ctx, stmt,
		cred.ClientID,
		cred.AthleteID,
		cred.AthleteName,
		cred.AccessToken,
		cred.RefreshToken,
		cred.ExpiresAt,
		cred.ClientSecret,
		cred.CreatedAt,
		profile,
	)
	return err
}

// GetCredential returns the credential for the principal, or nil when absent.
func (r *Repository) GetCredential(ctx context.Context, p domain.Principal) (*domain.AccessCredential, error) {
	const query = `SELECT client_id, athlete_id, athlete_name, access_token, refresh_token, expires_at, client_secret, created_at, athlete_profile
        FROM tokens WHERE client_id=$1 AND athlete_id=$2`

	row := r.pool.QueryRow(ctx, query, p.ClientID, p.AthleteID)
	cred, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cred, nil
}

// ListCredentials returns all stored credentials, newest first.
func (r *Repository) ListCredentials(ctx context.Context) ([]domain.AccessCredential, error) {
	const query = `SELECT client_id, athlete_id, athlete_name, access_token, refresh_token, expires_at, client_secret, created_at, athlete_profile
        FROM tokens ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []domain.AccessCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *cred)
	}
	return creds, rows.Err()
}

// DeleteCredential removes the credential for the principal.
func (r *Repository) DeleteCredential(ctx context.Context, p domain.Principal) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM tokens WHERE client_id=$1 AND athlete_id=$2`, p.ClientID, p.AthleteID)
	return err
}

// UpsertStats replaces the aggregate result for the principal.
func (r *Repository) UpsertStats(ctx context.Context, p domain.Principal, stats domain.AggregateStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO stats (client_id, athlete_id, data, updated_at)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (client_id, athlete_id) DO UPDATE SET
            data = EXCLUDED.data,
            updated_at = EXCLUDED.updated_at`

	_, err = r.pool.Exec(ctx, stmt, p.ClientID, p.AthleteID, data, time.Now().UTC())
	return err
}

// GetStats returns the aggregate result for the principal, or nil when absent.
func (r *Repository) GetStats(ctx context.Context, p domain.Principal) (*domain.AggregateStats, error) {
	const query = `SELECT data, updated_at FROM stats WHERE client_id=$1 AND athlete_id=$2`

	var data []byte
	var updatedAt time.Time
	if err := r.pool.QueryRow(ctx, query, p.ClientID, p.AthleteID).Scan(&data, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var stats domain.AggregateStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, err
	}
	stats.LastUpdated = updatedAt
	return &stats, nil
}

// ListStats returns every principal's aggregate result, newest first.
func (r *Repository) ListStats(ctx context.Context) ([]domain.StatsRecord, error) {
	const query = `SELECT client_id, athlete_id, data, updated_at FROM stats ORDER BY updated_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.StatsRecord
	for rows.Next() {
		var record domain.StatsRecord
		var data []byte
		var updatedAt time.Time
		if err := rows.Scan(&record.ClientID, &record.AthleteID, &data, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &record.Stats); err != nil {
			return nil, err
		}
		record.Stats.LastUpdated = updatedAt
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteStats removes the aggregate result for the principal.
func (r *Repository) DeleteStats(ctx context.Context, p domain.Principal) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM stats WHERE client_id=$1 AND athlete_id=$2`, p.ClientID, p.AthleteID)
	return err
}

// UpsertStatus overwrites the job status record for its principal.
func (r *Repository) UpsertStatus(ctx context.Context, status domain.FetchStatus) error {
	var progress []byte
	if status.Progress != nil {
		var err error
		progress, err = json.Marshal(status.Progress)
		if err != nil {
			return err
		}
	}

	const stmt = `INSERT INTO fetch_status (client_id, athlete_id, status, started_at, completed_at, progress, error)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (client_id, athlete_id) DO UPDATE SET
            status = EXCLUDED.status,
            started_at = EXCLUDED.started_at,
            completed_at = EXCLUDED.completed_at,
            progress = EXCLUDED.progress,
            error = EXCLUDED.error`

	_, err := r.pool.Exec(ctx, stmt,
		status.ClientID,
		status.AthleteID,
		string(status.State),
		status.StartedAt,
		status.CompletedAt,
		progress,
		nullIfEmpty(status.Error),
	)
	return err
}

// GetStatus returns the job status for the principal, or nil when absent.
func (r *Repository) GetStatus(ctx context.Context, p domain.Principal) (*domain.FetchStatus, error) {
	const query = `SELECT client_id, athlete_id, status, started_at, completed_at, progress, error
        FROM fetch_status WHERE client_id=$1 AND athlete_id=$2`

	status, err := scanStatus(r.pool.QueryRow(ctx, query, p.ClientID, p.AthleteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return status, nil
}

// ListStatuses returns every principal's job status.
func (r *Repository) ListStatuses(ctx context.Context) ([]domain.FetchStatus, error) {
	const query = `SELECT client_id, athlete_id, status, started_at, completed_at, progress, error
        FROM fetch_status ORDER BY started_at DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []domain.FetchStatus
	for rows.Next() {
		status, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *status)
	}
	return statuses, rows.Err()
}

// DeleteStatus removes the job status for the principal.
func (r *Repository) DeleteStatus(ctx context.Context, p domain.Principal) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM fetch_status WHERE client_id=$1 AND athlete_id=$2`, p.ClientID, p.AthleteID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*domain.AccessCredential, error) {
	var cred domain.AccessCredential
	var profile []byte
	if err := row.Scan(&cred.ClientID, &cred.AthleteID, &cred.AthleteName, &cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &cred.ClientSecret, &cred.CreatedAt, &profile); err != nil {
		return nil, err
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &cred.Profile); err != nil {
			return nil, err
		}
	}
	return &cred, nil
}

func scanStatus(row rowScanner) (*domain.FetchStatus, error) {
	var status domain.FetchStatus
	var state string
	var progress []byte
	var errMsg *string
	if err := row.Scan(&status.ClientID, &status.AthleteID, &state, &status.StartedAt, &status.CompletedAt, &progress, &errMsg); err != nil {
		return nil, err
	}
	status.State = domain.FetchState(state)
	if len(progress) > 0 {
		status.Progress = &domain.Progress{}
		if err := json.Unmarshal(progress, status.Progress); err != nil {
			return nil, err
		}
	}
	if errMsg != nil {
		status.Error = *errMsg
	}
	return &status, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
