// Package api exposes the HTTP surface: the OAuth handshake, credential
// management, fetch triggering and the dashboard's polling endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/auth"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/domain"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/fetch"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/strava"
)

// Runner is the orchestrator surface the fetch endpoint needs.
type Runner interface {
	RunBounded(ctx context.Context, p domain.Principal) error
}

// Handler coordinates HTTP requests with the stores and the orchestrator.
type Handler struct {
	creds        domain.CredentialStore
	stats        domain.StatsStore
	status       domain.StatusStore
	runner       Runner
	states       *auth.StateSigner
	endpoints    strava.Endpoints
	dashboardURL string
	logger       *log.Logger
}

// NewHandler builds a Handler.
func NewHandler(creds domain.CredentialStore, stats domain.StatsStore, status domain.StatusStore, runner Runner, states *auth.StateSigner, endpoints strava.Endpoints, dashboardURL string, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(log.Writer(), "[api] ", log.LstdFlags)
	}
	return &Handler{
		creds:        creds,
		stats:        stats,
		status:       status,
		runner:       runner,
		states:       states,
		endpoints:    endpoints,
		dashboardURL: dashboardURL,
		logger:       logger,
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/authorize", h.authorize)
	mux.HandleFunc("/v1/oauth/callback", h.callback)
	mux.HandleFunc("/v1/tokens", h.tokens)
	mux.HandleFunc("/v1/stats", h.statsEndpoint)
	mux.HandleFunc("/v1/fetch", h.fetchEndpoint)
	mux.HandleFunc("/v1/fetch/status", h.fetchStatus)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authorize starts the OAuth handshake: it signs the tenant credentials into
// a short-lived state token and redirects the browser to Strava.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	clientID := r.URL.Query().Get("client_id")
	clientSecret := r.URL.Query().Get("client_secret")
	if clientID == "" || clientSecret == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "client_id and client_secret are required")
		return
	}

	state, err := h.states.Issue(clientID, clientSecret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "unable to sign state")
		return
	}

	cfg := strava.OAuthConfig(clientID, clientSecret, h.endpoints)
	authURL := cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "force"))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// callback finishes the handshake: it verifies the state token, exchanges the
// authorization code for tokens and stores the credential.
func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	query := r.URL.Query()
	if denied := query.Get("error"); denied != "" {
		h.redirectDashboard(w, r, url.Values{"error": {denied}})
		return
	}

	code := query.Get("code")
	if code == "" {
		h.redirectDashboard(w, r, url.Values{"error": {"no_code"}})
		return
	}

	state, err := h.states.Parse(query.Get("state"))
	if err != nil {
		h.logger.Printf("callback rejected: %v", err)
		h.redirectDashboard(w, r, url.Values{"error": {"invalid_state"}})
		return
	}

	cfg := strava.OAuthConfig(state.ClientID, state.ClientSecret, h.endpoints)
	tok, err := cfg.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Printf("token exchange failed (correlation=%s): %v", state.CorrelationID, err)
		h.redirectDashboard(w, r, url.Values{"error": {"token_error"}})
		return
	}

	profile, err := strava.AthleteFromToken(tok)
	if err != nil {
		h.logger.Printf("token exchange returned no athlete (correlation=%s): %v", state.CorrelationID, err)
		h.redirectDashboard(w, r, url.Values{"error": {"token_error"}})
		return
	}

	cred := domain.AccessCredential{
		ClientID:     state.ClientID,
		ClientSecret: state.ClientSecret,
		AthleteID:    profile.ID,
		AthleteName:  profile.FullName(),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tokenExpiry(tok),
		CreatedAt:    time.Now().UTC(),
		Profile:      profile,
	}

	if err := h.creds.UpsertCredential(r.Context(), cred); err != nil {
		h.logger.Printf("credential save failed (correlation=%s): %v", state.CorrelationID, err)
		h.redirectDashboard(w, r, url.Values{"error": {"token_error"}})
		return
	}

	h.redirectDashboard(w, r, url.Values{"success": {"true"}, "athlete": {cred.AthleteName}})
}

func (h *Handler) tokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listTokens(w, r)
	case http.MethodDelete:
		h.deleteToken(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) listTokens(w http.ResponseWriter, r *http.Request) {
	creds, err := h.creds.ListCredentials(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	views := make([]TokenView, 0, len(creds))
	for _, cred := range creds {
		views = append(views, toTokenView(cred))
	}
	writeJSON(w, http.StatusOK, views)
}

// deleteToken removes the credential along with the derived stats and job
// status, so a re-authorization starts from a clean slate.
func (h *Handler) deleteToken(w http.ResponseWriter, r *http.Request) {
	var req PrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	p := req.Principal()
	if err := h.creds.DeleteCredential(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if err := h.stats.DeleteStats(r.Context(), p); err != nil {
		h.logger.Printf("stats cleanup failed for %s: %v", p.Key(), err)
	}
	if err := h.status.DeleteStatus(r.Context(), p); err != nil {
		h.logger.Printf("status cleanup failed for %s: %v", p.Key(), err)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) statsEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	p, ok, err := principalFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if ok {
		stats, err := h.stats.GetStats(r.Context(), p)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		if stats == nil {
			writeError(w, http.StatusNotFound, "not_found", "stats not found")
			return
		}
		writeJSON(w, http.StatusOK, StatsView{ClientID: p.ClientID, AggregateStats: *stats})
		return
	}

	records, err := h.stats.ListStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	views := make([]StatsView, 0, len(records))
	for _, record := range records {
		views = append(views, StatsView{ClientID: record.ClientID, AggregateStats: record.Stats})
	}
	writeJSON(w, http.StatusOK, views)
}

// fetchEndpoint triggers a budget-bounded run. Exceeding the budget is not a
// failure: the job continues on the worker and the client polls the status.
func (h *Handler) fetchEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	var req PrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	err := h.runner.RunBounded(r.Context(), req.Principal())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, FetchResponse{Success: true, Completed: true})
	case errors.Is(err, fetch.ErrBudgetExceeded):
		writeJSON(w, http.StatusOK, FetchResponse{Success: true, Timeout: true, Continue: true})
	case errors.Is(err, fetch.ErrNoCredential):
		writeError(w, http.StatusNotFound, "not_found", "token not found")
	default:
		writeError(w, http.StatusInternalServerError, "upstream_error", err.Error())
	}
}

func (h *Handler) fetchStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getFetchStatus(w, r)
	case http.MethodPost:
		h.updateFetchStatus(w, r)
	case http.MethodDelete:
		h.deleteFetchStatus(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) getFetchStatus(w http.ResponseWriter, r *http.Request) {
	p, ok, err := principalFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if ok {
		status, err := h.status.GetStatus(r.Context(), p)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	statuses, err := h.status.ListStatuses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	keyed := make(map[string]domain.FetchStatus, len(statuses))
	for _, status := range statuses {
		p := domain.Principal{ClientID: status.ClientID, AthleteID: status.AthleteID}
		keyed[p.Key()] = status
	}
	writeJSON(w, http.StatusOK, keyed)
}

// updateFetchStatus lets an external runner overwrite a job status record.
func (h *Handler) updateFetchStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	state := domain.FetchState(req.Status)
	if state == "" {
		state = domain.FetchStateFetching
	}

	status := domain.FetchStatus{
		ClientID:  req.ClientID,
		AthleteID: req.AthleteID,
		State:     state,
		StartedAt: time.Now().UTC(),
		Progress:  req.Progress,
		Error:     req.Error,
	}
	if state.Terminal() {
		completedAt := time.Now().UTC()
		status.CompletedAt = &completedAt
	}

	if err := h.status.UpsertStatus(r.Context(), status); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// deleteFetchStatus resets a stuck job so the dashboard can trigger again.
func (h *Handler) deleteFetchStatus(w http.ResponseWriter, r *http.Request) {
	p, ok, err := principalFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "client_id and athlete_id are required")
		return
	}

	if err := h.status.DeleteStatus(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) redirectDashboard(w http.ResponseWriter, r *http.Request, params url.Values) {
	target := h.dashboardURL
	if encoded := params.Encode(); encoded != "" {
		target += "?" + encoded
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// principalFromQuery reads the optional (client_id, athlete_id) pair. ok is
// false when neither is present; supplying only one is an error.
func principalFromQuery(r *http.Request) (domain.Principal, bool, error) {
	clientID := r.URL.Query().Get("client_id")
	rawAthlete := r.URL.Query().Get("athlete_id")
	if clientID == "" && rawAthlete == "" {
		return domain.Principal{}, false, nil
	}
	if clientID == "" || rawAthlete == "" {
		return domain.Principal{}, false, errors.New("client_id and athlete_id are required together")
	}

	athleteID, err := strconv.ParseInt(rawAthlete, 10, 64)
	if err != nil {
		return domain.Principal{}, false, errors.New("athlete_id must be an integer")
	}
	return domain.Principal{ClientID: clientID, AthleteID: athleteID}, true, nil
}

func tokenExpiry(tok *oauth2.Token) int64 {
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Unix()
	}
	if raw, ok := tok.Extra("expires_at").(float64); ok {
		return int64(raw)
	}
	return 0
}

// PrincipalRequest is the body for operations keyed by principal.
type PrincipalRequest struct {
	ClientID  string `json:"client_id"`
	AthleteID int64  `json:"athlete_id"`
}

// Validate ensures request correctness.
func (r PrincipalRequest) Validate() error {
	if r.ClientID == "" || r.AthleteID == 0 {
		return errors.New("client_id and athlete_id are required")
	}
	return nil
}

// Principal converts the request to its domain key.
func (r PrincipalRequest) Principal() domain.Principal {
	return domain.Principal{ClientID: r.ClientID, AthleteID: r.AthleteID}
}

// StatusUpdateRequest is the body for POST /v1/fetch/status.
type StatusUpdateRequest struct {
	ClientID  string           `json:"client_id"`
	AthleteID int64            `json:"athlete_id"`
	Status    string           `json:"status"`
	Progress  *domain.Progress `json:"progress,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Validate ensures request correctness.
func (r StatusUpdateRequest) Validate() error {
	if r.ClientID == "" || r.AthleteID == 0 {
		return errors.New("client_id and athlete_id are required")
	}
	switch domain.FetchState(r.Status) {
	case "", domain.FetchStateFetching, domain.FetchStateCompleted, domain.FetchStateError:
		return nil
	}
	return errors.New("status must be fetching, completed or error")
}

// FetchResponse describes the outcome of a fetch trigger.
type FetchResponse struct {
	Success   bool `json:"success"`
	Completed bool `json:"completed,omitempty"`
	Timeout   bool `json:"timeout,omitempty"`
	Continue  bool `json:"continue,omitempty"`
}

// TokenView is a credential stripped of its secrets.
type TokenView struct {
	ClientID    string                `json:"client_id"`
	AthleteID   int64                 `json:"athlete_id"`
	AthleteName string                `json:"athlete_name"`
	CreatedAt   time.Time             `json:"created_at"`
	ExpiresAt   int64                 `json:"expires_at"`
	Profile     domain.AthleteProfile `json:"athlete_profile"`
}

// StatsView pairs an aggregate result with the tenant it belongs to.
type StatsView struct {
	ClientID string `json:"client_id"`
	domain.AggregateStats
}

func toTokenView(cred domain.AccessCredential) TokenView {
	return TokenView{
		ClientID:    cred.ClientID,
		AthleteID:   cred.AthleteID,
		AthleteName: cred.AthleteName,
		CreatedAt:   cred.CreatedAt,
		ExpiresAt:   cred.ExpiresAt,
		Profile:     cred.Profile,
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
