package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"tcstats/observability/logging"
	"tcstats/services/tcstatsd/engine"
	"tcstats/services/tcstatsd/provider"
	"tcstats/services/tcstatsd/storage"
)

const testSecret = "test-secret"

type totalsTable struct {
	mu     sync.Mutex
	totals map[string]provider.Totals
}

func (t *totalsTable) set(name string, points, units int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals[name] = provider.Totals{Points: points, Units: units}
}

func (t *totalsTable) fetch(_ context.Context, id provider.Identity) (provider.Totals, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	totals, ok := t.totals[id.FoldingUserName]
	if !ok {
		return provider.Totals{}, provider.ErrUserNotFound
	}
	return totals, nil
}

type testServer struct {
	t      *testing.T
	http   *httptest.Server
	totals *totalsTable
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.OpenMemory(uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	table := &totalsTable{totals: map[string]provider.Totals{}}
	eng, err := engine.New(store, provider.Func(table.fetch), engine.WithLogger(logging.Discard()))
	require.NoError(t, err)

	srv := New(Config{
		Engine: eng,
		Auth:   NewAuthenticator(AuthConfig{HMACSecret: testSecret}, logging.Discard()),
		Logger: logging.Discard(),
		Health: store.Ping,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{t: t, http: ts, totals: table}
}

func token(t *testing.T, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(method, path, bearer string, body any) (int, []byte) {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.http.URL+path, reader)
	require.NoError(s.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := s.http.Client().Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	return resp.StatusCode, payload
}

func decode[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(payload, &out), string(payload))
	return out
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAdminRoutesRequireScope(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{"name": "gpu", "multiplier": "1"}

	status, _ := s.do(http.MethodPost, "/api/v1/hardware", "", body)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(http.MethodPost, "/api/v1/hardware", "not-a-jwt", body)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.do(http.MethodPost, "/api/v1/hardware", token(t, "tc:read"), body)
	require.Equal(t, http.StatusForbidden, status)

	status, _ = s.do(http.MethodPost, "/api/v1/hardware", token(t, "tc:read tc:admin"), body)
	require.Equal(t, http.StatusCreated, status)
}

func TestBadTokenRejectedOnPublicRoute(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do(http.MethodGet, "/api/v1/leaderboards/teams", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, body := s.do(http.MethodGet, "/api/v1/leaderboards/teams", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `[]`, string(body))
}

func TestCompetitionFlow(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "tc:admin")

	status, body := s.do(http.MethodPost, "/api/v1/hardware", admin, map[string]any{"name": "gpu", "multiplier": "1.5"})
	require.Equal(t, http.StatusCreated, status, string(body))
	hw := decode[struct {
		ID uint `json:"id"`
	}](t, body)

	status, body = s.do(http.MethodPost, "/api/v1/teams", admin, map[string]any{"name": "red"})
	require.Equal(t, http.StatusCreated, status, string(body))
	team := decode[struct {
		ID uint `json:"id"`
	}](t, body)

	s.totals.set("alice", 1000, 10)
	status, body = s.do(http.MethodPost, "/api/v1/users", admin, map[string]any{
		"folding_user_name": "alice",
		"passkey":           "abcdef1234567890",
		"category":          "NVIDIA_GPU",
		"hardware_id":       hw.ID,
		"team_id":           team.ID,
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	user := decode[engine.UserStats](t, body)
	require.Zero(t, user.Points)
	require.Equal(t, "abcdef1234567890", user.Passkey)

	s.totals.set("alice", 1200, 14)
	status, body = s.do(http.MethodPost, "/api/v1/admin/cycle", admin, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	report := decode[engine.CycleReport](t, body)
	require.Equal(t, 1, report.Updated)

	path := fmt.Sprintf("/api/v1/users/%d/stats", user.UserID)
	status, body = s.do(http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, status)
	public := decode[engine.UserStats](t, body)
	require.Equal(t, int64(200), public.Points)
	require.Equal(t, int64(300), public.MultipliedPoints)
	require.Equal(t, int64(4), public.Units)
	require.NotEqual(t, "abcdef1234567890", public.Passkey)
	require.True(t, strings.HasPrefix(public.Passkey, "abcdef12"))

	status, body = s.do(http.MethodGet, path, admin, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "abcdef1234567890", decode[engine.UserStats](t, body).Passkey)

	status, body = s.do(http.MethodGet, "/api/v1/leaderboards/teams", "", nil)
	require.Equal(t, http.StatusOK, status)
	teams := decode[[]engine.TeamStanding](t, body)
	require.Len(t, teams, 1)
	require.Equal(t, 1, teams[0].Rank)
	require.Equal(t, int64(300), teams[0].Score)

	status, body = s.do(http.MethodPost, fmt.Sprintf("/api/v1/users/%d/offsets", user.UserID), admin,
		map[string]any{"points": 10, "multiplied_points": 15, "units": 1})
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = s.do(http.MethodGet, "/api/v1/summary", "", nil)
	require.Equal(t, http.StatusOK, status)
	summary := decode[engine.Summary](t, body)
	require.Equal(t, int64(315), summary.MultipliedPoints)
	require.Equal(t, 1, summary.ActiveUsers)

	status, body = s.do(http.MethodDelete, fmt.Sprintf("/api/v1/users/%d", user.UserID), admin, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = s.do(http.MethodGet, "/api/v1/summary", "", nil)
	require.Equal(t, http.StatusOK, status)
	summary = decode[engine.Summary](t, body)
	require.Equal(t, int64(315), summary.MultipliedPoints)
	require.Zero(t, summary.ActiveUsers)
	require.Equal(t, 1, summary.RetiredUsers)

	status, _ = s.do(http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "tc:admin")

	cases := []struct {
		method string
		path   string
		bearer string
		body   any
		want   int
	}{
		{http.MethodGet, "/api/v1/users/abc/stats", "", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/users/42/stats", "", nil, http.StatusNotFound},
		{http.MethodGet, "/api/v1/history/users/1/weekly", "", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/history/users/1/daily?start=May", "", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/history/teams/9/daily", "", nil, http.StatusNotFound},
		{http.MethodGet, "/api/v1/results/2024/13", "", nil, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/teams", admin, map[string]any{"name": " "}, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/teams", admin, map[string]any{"bogus": true}, http.StatusBadRequest},
		{http.MethodPut, "/api/v1/hardware/7/multiplier", admin, map[string]any{"multiplier": "2"}, http.StatusNotFound},
		{http.MethodPost, "/api/v1/admin/archive?year=2024", admin, nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		status, body := s.do(tc.method, tc.path, tc.bearer, tc.body)
		require.Equal(t, tc.want, status, "%s %s: %s", tc.method, tc.path, body)
	}
}

func TestUnknownProviderUserIsBadGateway(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "tc:admin")

	status, body := s.do(http.MethodPost, "/api/v1/hardware", admin, map[string]any{"name": "cpu", "multiplier": "1"})
	require.Equal(t, http.StatusCreated, status, string(body))
	status, body = s.do(http.MethodPost, "/api/v1/teams", admin, map[string]any{"name": "blue"})
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = s.do(http.MethodPost, "/api/v1/users", admin, map[string]any{
		"folding_user_name": "ghost",
		"passkey":           "abcdef1234567890",
		"category":          "WILDCARD",
		"hardware_id":       1,
		"team_id":           1,
	})
	require.Equal(t, http.StatusBadGateway, status, string(body))
}

func TestArchiveAndReadResult(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "tc:admin")

	status, body := s.do(http.MethodGet, "/api/v1/results/2024/4", "", nil)
	require.Equal(t, http.StatusOK, status)
	empty := decode[engine.MonthlyResult](t, body)
	require.Nil(t, empty.SavedAt)
	require.Empty(t, empty.Teams)

	status, body = s.do(http.MethodPost, "/api/v1/teams", admin, map[string]any{"name": "green"})
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = s.do(http.MethodPost, "/api/v1/admin/archive?year=2024&month=4", admin, nil)
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = s.do(http.MethodGet, "/api/v1/results/2024/4", "", nil)
	require.Equal(t, http.StatusOK, status)
	result := decode[engine.MonthlyResult](t, body)
	require.NotNil(t, result.SavedAt)
	require.Len(t, result.Teams, 1)
	require.Equal(t, "green", result.Teams[0].TeamName)

	status, _ = s.do(http.MethodPost, "/api/v1/admin/reset", admin, nil)
	require.Equal(t, http.StatusNoContent, status)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/healthz", "", nil)
	status, body := s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body), "go_goroutines")
}
