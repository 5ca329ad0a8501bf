package strava

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/domain"
)

// Scopes requested during the authorization redirect.
var Scopes = []string{"activity:read_all", "profile:read_all"}

// ErrNoAthlete is returned when a token response carries no athlete payload.
var ErrNoAthlete = errors.New("strava: token response missing athlete profile")

// OAuthConfig builds the oauth2 configuration for one tenant's Strava app.
func OAuthConfig(clientID, clientSecret string, endpoints Endpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  endpoints.RedirectURI,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoints.AuthorizeURL,
			TokenURL:  endpoints.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AthleteFromToken extracts the athlete profile Strava embeds in its token
// response.
func AthleteFromToken(tok *oauth2.Token) (domain.AthleteProfile, error) {
	raw := tok.Extra("athlete")
	if raw == nil {
		return domain.AthleteProfile{}, ErrNoAthlete
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return domain.AthleteProfile{}, err
	}

	var profile domain.AthleteProfile
	if err := json.Unmarshal(buf, &profile); err != nil {
		return domain.AthleteProfile{}, err
	}
	if profile.ID == 0 {
		return domain.AthleteProfile{}, ErrNoAthlete
	}
	return profile, nil
}

// TokenFromCredential converts a stored credential into an oauth2 token so the
// standard refresh machinery can pick it up.
func TokenFromCredential(cred domain.AccessCredential) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(cred.ExpiresAt, 0),
	}
}

// PersistFunc stores a refreshed credential.
type PersistFunc func(ctx context.Context, cred domain.AccessCredential) error

// NewPersistingTokenSource wraps the config's refreshing token source so that
// rotated tokens are written back to the credential store. Persistence
// failures are logged and swallowed: the refreshed token is still valid for
// the remainder of the run.
func NewPersistingTokenSource(ctx context.Context, cfg *oauth2.Config, cred domain.AccessCredential, persist PersistFunc, logger *log.Logger) oauth2.TokenSource {
	if logger == nil {
		logger = log.New(log.Writer(), "[strava] ", log.LstdFlags)
	}
	return &persistingTokenSource{
		ctx:     ctx,
		base:    cfg.TokenSource(ctx, TokenFromCredential(cred)),
		cred:    cred,
		persist: persist,
		logger:  logger,
	}
}

type persistingTokenSource struct {
	ctx     context.Context
	base    oauth2.TokenSource
	persist PersistFunc
	logger  *log.Logger

	mu   sync.Mutex
	cred domain.AccessCredential
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tok.AccessToken == s.cred.AccessToken {
		return tok, nil
	}

	s.cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		s.cred.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		s.cred.ExpiresAt = tok.Expiry.Unix()
	}

	if s.persist != nil {
		if err := s.persist(s.ctx, s.cred); err != nil {
			s.logger.Printf("failed to persist refreshed token for athlete %d: %v", s.cred.AthleteID, err)
		}
	}
	return tok, nil
}
