package domain

import "context"

// CredentialStore persists access credentials keyed by principal.
type CredentialStore interface {
	UpsertCredential(ctx context.Context, cred AccessCredential) error
	GetCredential(ctx context.Context, p Principal) (*AccessCredential, error)
	ListCredentials(ctx context.Context) ([]AccessCredential, error)
	DeleteCredential(ctx context.Context, p Principal) error
}

// StatsStore persists the aggregate result per principal. Upsert is a full
// replace of the prior value, never a merge.
type StatsStore interface {
	UpsertStats(ctx context.Context, p Principal, stats AggregateStats) error
	GetStats(ctx context.Context, p Principal) (*AggregateStats, error)
	ListStats(ctx context.Context) ([]StatsRecord, error)
	DeleteStats(ctx context.Context, p Principal) error
}

// StatusStore persists the fetch job status per principal. Upsert is an atomic
// overwrite-by-key; the design performs no read-modify-write on it.
type StatusStore interface {
	UpsertStatus(ctx context.Context, status FetchStatus) error
	GetStatus(ctx context.Context, p Principal) (*FetchStatus, error)
	ListStatuses(ctx context.Context) ([]FetchStatus, error)
	DeleteStatus(ctx context.Context, p Principal) error
}
