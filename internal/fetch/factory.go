package fetch

import (
	"context"
	"log"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/aggregate"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/domain"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/strava"
)

// NewStravaClientFactory builds per-credential upstream clients whose token
// source refreshes expired tokens and writes the rotation back to the store.
func NewStravaClientFactory(endpoints strava.Endpoints, persist strava.PersistFunc, logger *log.Logger, opts ...strava.Option) ClientFactory {
	return func(ctx context.Context, cred domain.AccessCredential) (aggregate.Client, error) {
		cfg := strava.OAuthConfig(cred.ClientID, cred.ClientSecret, endpoints)
		src := strava.NewPersistingTokenSource(ctx, cfg, cred, persist, logger)
		return strava.NewClient(endpoints.APIBaseURL, src, opts...), nil
	}
}
