package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/auth"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/domain"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/fetch"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/strava"
)

const dashboard = "http://localhost:5173/"

func TestAuthorizeRequiresCredentials(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/authorize?client_id=only-id", nil)
	rr := httptest.NewRecorder()
	h.authorize(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
	assertErrorType(t, rr, "invalid_request")
}

func TestAuthorizeRedirectsToProvider(t *testing.T) {
	h, env := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/authorize?client_id=client-1&client_secret=s3cr3t", nil)
	rr := httptest.NewRecorder()
	h.authorize(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302 got %d", rr.Code)
	}

	location, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect: %v", err)
	}
	if !strings.HasPrefix(location.String(), env.endpoints.AuthorizeURL) {
		t.Fatalf("unexpected redirect target %s", location)
	}

	query := location.Query()
	if query.Get("client_id") != "client-1" {
		t.Fatalf("unexpected client_id %q", query.Get("client_id"))
	}
	if query.Get("approval_prompt") != "force" {
		t.Fatalf("expected approval_prompt=force got %q", query.Get("approval_prompt"))
	}
	if query.Get("redirect_uri") != env.endpoints.RedirectURI {
		t.Fatalf("unexpected redirect_uri %q", query.Get("redirect_uri"))
	}

	state, err := env.states.Parse(query.Get("state"))
	if err != nil {
		t.Fatalf("state token did not verify: %v", err)
	}
	if state.ClientID != "client-1" || state.ClientSecret != "s3cr3t" {
		t.Fatalf("state carries wrong credentials: %+v", state)
	}
}

func TestCallbackStoresCredentialAndRedirects(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse token request: %v", err)
		}
		if r.FormValue("code") != "auth-code" {
			t.Fatalf("unexpected code %q", r.FormValue("code"))
		}
		if r.FormValue("client_secret") != "s3cr3t" {
			t.Fatalf("unexpected client_secret %q", r.FormValue("client_secret"))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"expires_in":    21600,
			"athlete": map[string]interface{}{
				"id":        42,
				"firstname": "Grace",
				"lastname":  "Hopper",
			},
		})
	}))
	defer tokenServer.Close()

	h, env := newTestHandler(t, func(e *testEnv) {
		e.endpoints.TokenURL = tokenServer.URL
	})

	state, err := env.states.Issue("client-1", "s3cr3t")
	if err != nil {
		t.Fatalf("failed to issue state: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/oauth/callback?code=auth-code&state="+url.QueryEscape(state), nil)
	rr := httptest.NewRecorder()
	h.callback(rr, req)

	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302 got %d: %s", rr.Code, rr.Body.String())
	}
	location := rr.Header().Get("Location")
	if !strings.Contains(location, "success=true") {
		t.Fatalf("expected success redirect, got %s", location)
	}
	if !strings.Contains(location, url.QueryEscape("Grace Hopper")) {
		t.Fatalf("expected athlete name in redirect, got %s", location)
	}

	cred, _ := env.stores.GetCredential(context.Background(), domain.Principal{ClientID: "client-1", AthleteID: 42})
	if cred == nil {
		t.Fatal("credential was not stored")
	}
	if cred.AccessToken != "access-1" || cred.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected tokens stored: %+v", cred)
	}
	if cred.AthleteName != "Grace Hopper" {
		t.Fatalf("unexpected athlete name %q", cred.AthleteName)
	}
	if cred.ExpiresAt <= time.Now().Unix() {
		t.Fatalf("expiry not recorded: %d", cred.ExpiresAt)
	}
}

func TestCallbackRejectsForgedState(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/oauth/callback?code=auth-code&state=forged", nil)
	rr := httptest.NewRecorder()
	h.callback(rr, req)

	assertRedirectParam(t, rr, "error", "invalid_state")
}

func TestCallbackPropagatesProviderDenial(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/oauth/callback?error=access_denied", nil)
	rr := httptest.NewRecorder()
	h.callback(rr, req)

	assertRedirectParam(t, rr, "error", "access_denied")
}

func TestCallbackWithoutCode(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/oauth/callback", nil)
	rr := httptest.NewRecorder()
	h.callback(rr, req)

	assertRedirectParam(t, rr, "error", "no_code")
}

func TestFetchCompletedWithinBudget(t *testing.T) {
	h, env := newTestHandler(t, nil)
	env.stores.putCredential("client-1", 42)

	rr := postJSON(t, h.fetchEndpoint, "/v1/fetch", PrincipalRequest{ClientID: "client-1", AthleteID: 42})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp FetchResponse
	mustDecode(t, rr, &resp)
	if !resp.Success || !resp.Completed || resp.Timeout || resp.Continue {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestFetchBudgetExceededSignalsContinuation(t *testing.T) {
	h, env := newTestHandler(t, func(e *testEnv) {
		e.runner.err = fetch.ErrBudgetExceeded
	})
	env.stores.putCredential("client-1", 42)

	rr := postJSON(t, h.fetchEndpoint, "/v1/fetch", PrincipalRequest{ClientID: "client-1", AthleteID: 42})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp FetchResponse
	mustDecode(t, rr, &resp)
	if !resp.Success || !resp.Timeout || !resp.Continue || resp.Completed {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestFetchUnknownPrincipal(t *testing.T) {
	h, _ := newTestHandler(t, func(e *testEnv) {
		e.runner.err = fetch.ErrNoCredential
	})

	rr := postJSON(t, h.fetchEndpoint, "/v1/fetch", PrincipalRequest{ClientID: "client-1", AthleteID: 42})

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
	assertErrorType(t, rr, "not_found")
}

func TestFetchValidatesBody(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rr := postJSON(t, h.fetchEndpoint, "/v1/fetch", PrincipalRequest{ClientID: "client-1"})

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
	assertErrorType(t, rr, "invalid_request")
}

func TestStatsNotFound(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats?client_id=client-1&athlete_id=42", nil)
	rr := httptest.NewRecorder()
	h.statsEndpoint(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
	assertErrorType(t, rr, "not_found")
}

func TestStatsSingleAndList(t *testing.T) {
	h, env := newTestHandler(t, nil)
	env.stores.putStats("client-1", 42, domain.AggregateStats{AthleteID: 42, TotalDistance: 3500, TotalActivities: 3, KOMCount: 1})
	env.stores.putStats("client-2", 7, domain.AggregateStats{AthleteID: 7, TotalActivities: 1})

	req := httptest.NewRequest(http.MethodGet, "/v1/stats?client_id=client-1&athlete_id=42", nil)
	rr := httptest.NewRecorder()
	h.statsEndpoint(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var single StatsView
	mustDecode(t, rr, &single)
	if single.TotalDistance != 3500 || single.KOMCount != 1 {
		t.Fatalf("unexpected stats %+v", single)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rr = httptest.NewRecorder()
	h.statsEndpoint(rr, req)

	var list []StatsView
	mustDecode(t, rr, &list)
	if len(list) != 2 {
		t.Fatalf("expected 2 entries got %d", len(list))
	}
}

func TestStatsRejectsHalfSpecifiedPrincipal(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats?client_id=client-1", nil)
	rr := httptest.NewRecorder()
	h.statsEndpoint(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestFetchStatusListIsKeyedByPrincipal(t *testing.T) {
	h, env := newTestHandler(t, nil)
	env.stores.putStatus(domain.FetchStatus{ClientID: "client-1", AthleteID: 42, State: domain.FetchStateFetching, StartedAt: time.Now().UTC()})

	req := httptest.NewRequest(http.MethodGet, "/v1/fetch/status", nil)
	rr := httptest.NewRecorder()
	h.fetchStatus(rr, req)

	var keyed map[string]domain.FetchStatus
	mustDecode(t, rr, &keyed)
	status, ok := keyed["client-1:42"]
	if !ok {
		t.Fatalf("expected key client-1:42, got %v", keyed)
	}
	if status.State != domain.FetchStateFetching {
		t.Fatalf("unexpected state %s", status.State)
	}
}

func TestFetchStatusSingleMissingIsNull(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/fetch/status?client_id=client-1&athlete_id=42", nil)
	rr := httptest.NewRecorder()
	h.fetchStatus(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != "null" {
		t.Fatalf("expected null body got %s", body)
	}
}

func TestFetchStatusUpdateStampsTerminalCompletion(t *testing.T) {
	h, env := newTestHandler(t, nil)

	rr := postJSON(t, h.fetchStatus, "/v1/fetch/status", StatusUpdateRequest{
		ClientID:  "client-1",
		AthleteID: 42,
		Status:    "completed",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	status, _ := env.stores.GetStatus(context.Background(), domain.Principal{ClientID: "client-1", AthleteID: 42})
	if status == nil {
		t.Fatal("status was not stored")
	}
	if status.State != domain.FetchStateCompleted {
		t.Fatalf("unexpected state %s", status.State)
	}
	if status.CompletedAt == nil {
		t.Fatal("terminal state missing completed_at")
	}
}

func TestFetchStatusUpdateRejectsUnknownState(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rr := postJSON(t, h.fetchStatus, "/v1/fetch/status", StatusUpdateRequest{
		ClientID:  "client-1",
		AthleteID: 42,
		Status:    "paused",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestFetchStatusDeleteResetsJob(t *testing.T) {
	h, env := newTestHandler(t, nil)
	env.stores.putStatus(domain.FetchStatus{ClientID: "client-1", AthleteID: 42, State: domain.FetchStateFetching, StartedAt: time.Now().UTC()})

	req := httptest.NewRequest(http.MethodDelete, "/v1/fetch/status?client_id=client-1&athlete_id=42", nil)
	rr := httptest.NewRecorder()
	h.fetchStatus(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	status, _ := env.stores.GetStatus(context.Background(), domain.Principal{ClientID: "client-1", AthleteID: 42})
	if status != nil {
		t.Fatalf("status should be gone, got %+v", status)
	}
}

func TestTokensListOmitsSecrets(t *testing.T) {
	h, env := newTestHandler(t, nil)
	env.stores.putCredential("client-1", 42)

	req := httptest.NewRequest(http.MethodGet, "/v1/tokens", nil)
	rr := httptest.NewRecorder()
	h.tokens(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	body := rr.Body.String()
	if strings.Contains(body, "access-token-42") || strings.Contains(body, "refresh-token-42") || strings.Contains(body, "client-secret-42") {
		t.Fatalf("secret material leaked into list response: %s", body)
	}
	var views []TokenView
	mustDecode(t, rr, &views)
	if len(views) != 1 || views[0].AthleteID != 42 {
		t.Fatalf("unexpected token list %+v", views)
	}
}

func TestTokenDeleteCascades(t *testing.T) {
	h, env := newTestHandler(t, nil)
	env.stores.putCredential("client-1", 42)
	env.stores.putStats("client-1", 42, domain.AggregateStats{AthleteID: 42})
	env.stores.putStatus(domain.FetchStatus{ClientID: "client-1", AthleteID: 42, State: domain.FetchStateCompleted, StartedAt: time.Now().UTC()})

	req := httptest.NewRequest(http.MethodDelete, "/v1/tokens", bytes.NewReader(mustMarshal(t, PrincipalRequest{ClientID: "client-1", AthleteID: 42})))
	rr := httptest.NewRecorder()
	h.tokens(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	p := domain.Principal{ClientID: "client-1", AthleteID: 42}
	if cred, _ := env.stores.GetCredential(context.Background(), p); cred != nil {
		t.Fatal("credential survived delete")
	}
	if stats, _ := env.stores.GetStats(context.Background(), p); stats != nil {
		t.Fatal("stats survived delete")
	}
	if status, _ := env.stores.GetStatus(context.Background(), p); status != nil {
		t.Fatal("status survived delete")
	}
}

type testEnv struct {
	stores    *memStores
	runner    *stubRunner
	states    *auth.StateSigner
	endpoints strava.Endpoints
}

func newTestHandler(t *testing.T, mutate func(*testEnv)) (*Handler, *testEnv) {
	t.Helper()
	env := &testEnv{
		stores: newMemStores(),
		runner: &stubRunner{},
		states: auth.NewStateSigner("test-secret", 10*time.Minute),
		endpoints: strava.Endpoints{
			AuthorizeURL: "https://provider.test/oauth/authorize",
			TokenURL:     "https://provider.test/oauth/token",
			APIBaseURL:   "https://provider.test/api/v3",
			RedirectURI:  "http://localhost:8080/v1/oauth/callback",
		},
	}
	if mutate != nil {
		mutate(env)
	}
	logger := log.New(testWriter{t}, "", 0)
	h := NewHandler(env.stores, env.stores, env.stores, env.runner, env.states, env.endpoints, dashboard, logger)
	return h, env
}

func postJSON(t *testing.T, fn http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(mustMarshal(t, body)))
	rr := httptest.NewRecorder()
	fn(rr, req)
	return rr
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	buf, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return buf
}

func mustDecode(t *testing.T, rr *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %s: %v", rr.Body.String(), err)
	}
}

func assertErrorType(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var payload map[string]string
	mustDecode(t, rr, &payload)
	if payload["type"] != want {
		t.Fatalf("expected error type %q got %q (%s)", want, payload["type"], rr.Body.String())
	}
}

func assertRedirectParam(t *testing.T, rr *httptest.ResponseRecorder, key, want string) {
	t.Helper()
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302 got %d: %s", rr.Code, rr.Body.String())
	}
	location, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse redirect: %v", err)
	}
	if got := location.Query().Get(key); got != want {
		t.Fatalf("expected %s=%s got %q in %s", key, want, got, location)
	}
}

type stubRunner struct {
	calls []domain.Principal
	err   error
}

func (r *stubRunner) RunBounded(_ context.Context, p domain.Principal) error {
	r.calls = append(r.calls, p)
	return r.err
}

type memStores struct {
	creds    map[string]domain.AccessCredential
	stats    map[string]domain.StatsRecord
	statuses map[string]domain.FetchStatus
}

func newMemStores() *memStores {
	return &memStores{
		creds:    make(map[string]domain.AccessCredential),
		stats:    make(map[string]domain.StatsRecord),
		statuses: make(map[string]domain.FetchStatus),
	}
}

func (m *memStores) putCredential(clientID string, athleteID int64) {
	cred := domain.AccessCredential{
		ClientID:     clientID,
		ClientSecret: "client-secret-42",
		AthleteID:    athleteID,
		AthleteName:  "Test Athlete",
		AccessToken:  "access-token-42",
		RefreshToken: "refresh-token-42",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		CreatedAt:    time.Now().UTC(),
	}
	m.creds[cred.Principal().Key()] = cred
}

func (m *memStores) putStats(clientID string, athleteID int64, stats domain.AggregateStats) {
	key := domain.Principal{ClientID: clientID, AthleteID: athleteID}.Key()
	m.stats[key] = domain.StatsRecord{ClientID: clientID, AthleteID: athleteID, Stats: stats}
}

func (m *memStores) putStatus(status domain.FetchStatus) {
	key := domain.Principal{ClientID: status.ClientID, AthleteID: status.AthleteID}.Key()
	m.statuses[key] = status
}

func (m *memStores) UpsertCredential(_ context.Context, cred domain.AccessCredential) error {
	m.creds[cred.Principal().Key()] = cred
	return nil
}

func (m *memStores) GetCredential(_ context.Context, p domain.Principal) (*domain.AccessCredential, error) {
	if cred, ok := m.creds[p.Key()]; ok {
		return &cred, nil
	}
	return nil, nil
}

func (m *memStores) ListCredentials(context.Context) ([]domain.AccessCredential, error) {
	out := make([]domain.AccessCredential, 0, len(m.creds))
	for _, cred := range m.creds {
		out = append(out, cred)
	}
	return out, nil
}

func (m *memStores) DeleteCredential(_ context.Context, p domain.Principal) error {
	delete(m.creds, p.Key())
	return nil
}

func (m *memStores) UpsertStats(_ context.Context, p domain.Principal, stats domain.AggregateStats) error {
	m.stats[p.Key()] = domain.StatsRecord{ClientID: p.ClientID, AthleteID: p.AthleteID, Stats: stats}
	return nil
}

func (m *memStores) GetStats(_ context.Context, p domain.Principal) (*domain.AggregateStats, error) {
	if record, ok := m.stats[p.Key()]; ok {
		stats := record.Stats
		return &stats, nil
	}
	return nil, nil
}

func (m *memStores) ListStats(context.Context) ([]domain.StatsRecord, error) {
	out := make([]domain.StatsRecord, 0, len(m.stats))
	for _, record := range m.stats {
		out = append(out, record)
	}
	return out, nil
}

func (m *memStores) DeleteStats(_ context.Context, p domain.Principal) error {
	delete(m.stats, p.Key())
	return nil
}

func (m *memStores) UpsertStatus(_ context.Context, status domain.FetchStatus) error {
	m.putStatus(status)
	return nil
}

func (m *memStores) GetStatus(_ context.Context, p domain.Principal) (*domain.FetchStatus, error) {
	if status, ok := m.statuses[p.Key()]; ok {
		return &status, nil
	}
	return nil, nil
}

func (m *memStores) ListStatuses(context.Context) ([]domain.FetchStatus, error) {
	out := make([]domain.FetchStatus, 0, len(m.statuses))
	for _, status := range m.statuses {
		out = append(out, status)
	}
	return out, nil
}

func (m *memStores) DeleteStatus(_ context.Context, p domain.Principal) error {
	delete(m.statuses, p.Key())
	return nil
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
