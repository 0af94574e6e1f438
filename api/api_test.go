package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate.evalgo.org/auth"
	"stagegate.evalgo.org/common"
	"stagegate.evalgo.org/db"
	"stagegate.evalgo.org/protocol"
	"stagegate.evalgo.org/ratelimit"
	"stagegate.evalgo.org/review"
)

type fakeAuthService struct {
	users map[string]*db.User
	pairs func() auth.TokenPair
}

func (f *fakeAuthService) Login(ctx context.Context, username, password string, meta auth.SessionMeta) (auth.TokenPair, *db.User, error) {
	user, ok := f.users[username]
	if !ok || password != "hunter2" {
		return auth.TokenPair{}, nil, common.NewAuth("invalid credentials")
	}
	return f.pairs(), user, nil
}

func (f *fakeAuthService) LoginExternal(ctx context.Context, username, email string, meta auth.SessionMeta) (auth.TokenPair, *db.User, error) {
	user, ok := f.users[username]
	if !ok {
		user = &db.User{ID: "ext-" + username, Username: username, Email: email, Role: "viewer"}
		f.users[username] = user
	}
	return f.pairs(), user, nil
}

func (f *fakeAuthService) Refresh(ctx context.Context, refreshToken string, meta auth.SessionMeta) (auth.TokenPair, *db.User, error) {
	if refreshToken != "good-refresh" {
		return auth.TokenPair{}, nil, common.NewAuth("invalid token")
	}
	return f.pairs(), f.users["ana"], nil
}

func (f *fakeAuthService) Logout(ctx context.Context, principal auth.Principal, sessionID, ip string) error {
	return nil
}

func (f *fakeAuthService) Sessions(ctx context.Context, userID string) ([]db.UserSession, error) {
	return []db.UserSession{{ID: "sess-1", UserID: userID, UserAgent: "test"}}, nil
}

func (f *fakeAuthService) RevokeSession(ctx context.Context, userID, sessionID string) error {
	if sessionID != "sess-1" {
		return common.NewNotFound("session %s not found", sessionID)
	}
	return nil
}

func (f *fakeAuthService) GetUser(ctx context.Context, userID string) (*db.User, error) {
	for _, u := range f.users {
		if u.ID == userID {
			return u, nil
		}
	}
	return nil, common.NewNotFound("user %s not found", userID)
}

type fakeReviewStore struct {
	rows     map[string]*db.Interaction
	claimed  []string
	approved []string
	rejected []string
}

func (f *fakeReviewStore) ListPending(ctx context.Context, limit int, minPriority float64) ([]db.Interaction, error) {
	var out []db.Interaction
	for _, row := range f.rows {
		if row.ReviewStatus == db.ReviewPending && row.PriorityScore >= minPriority {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeReviewStore) Get(ctx context.Context, id string) (*db.Interaction, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, common.NewNotFound("interaction %s not found", id)
	}
	return row, nil
}

func (f *fakeReviewStore) Claim(ctx context.Context, interactionID, reviewerID string) (*db.Interaction, error) {
	row, ok := f.rows[interactionID]
	if !ok {
		return nil, common.NewNotFound("interaction %s not found", interactionID)
	}
	if row.ReviewStatus != db.ReviewPending {
		return nil, common.NewConflict("interaction %s is %s, not pending", interactionID, row.ReviewStatus)
	}
	row.ReviewStatus = db.ReviewInReview
	row.ReviewerID = &reviewerID
	f.claimed = append(f.claimed, interactionID)
	return row, nil
}

func (f *fakeReviewStore) Approve(ctx context.Context, req review.ApproveRequest) (*db.Interaction, error) {
	row := f.rows[req.InteractionID]
	row.ReviewStatus = db.ReviewApproved
	row.FinalBubbles = req.FinalBubbles
	f.approved = append(f.approved, req.InteractionID)
	return row, nil
}

func (f *fakeReviewStore) Reject(ctx context.Context, interactionID, reviewerID, notes string) (*db.Interaction, error) {
	row := f.rows[interactionID]
	row.ReviewStatus = db.ReviewRejected
	f.rejected = append(f.rejected, interactionID)
	return row, nil
}

type fakeProtocol struct {
	active    map[string]bool
	processed []string
	stats     protocol.Stats
}

func (f *fakeProtocol) Activate(ctx context.Context, userID, by, reason string) error {
	f.active[userID] = true
	return nil
}

func (f *fakeProtocol) Deactivate(ctx context.Context, userID, by, reason string) error {
	f.active[userID] = false
	return nil
}

func (f *fakeProtocol) GrantOneTimePass(ctx context.Context, userID, by string) error { return nil }

func (f *fakeProtocol) Status(ctx context.Context, userID string) (db.UserProtocolStatus, error) {
	status := db.ProtocolInactive
	if f.active[userID] {
		status = db.ProtocolActive
	}
	return db.UserProtocolStatus{UserID: userID, Status: status}, nil
}

func (f *fakeProtocol) Messages(ctx context.Context, userID string, includeProcessed bool, limit int) ([]db.QuarantineMessage, error) {
	return []db.QuarantineMessage{{ID: "q1", UserID: userID, Text: "hey"}}, nil
}

func (f *fakeProtocol) Message(ctx context.Context, id string) (*db.QuarantineMessage, error) {
	if id != "q1" {
		return nil, common.NewNotFound("quarantine message %s not found", id)
	}
	return &db.QuarantineMessage{ID: "q1", UserID: "u2", Text: "hey"}, nil
}

func (f *fakeProtocol) Process(ctx context.Context, messageIDs []string, by string) (int, error) {
	if len(messageIDs) > 100 {
		return 0, common.NewValidation("batch exceeds 100 message ids")
	}
	f.processed = append(f.processed, messageIDs...)
	return len(messageIDs), nil
}

func (f *fakeProtocol) Delete(ctx context.Context, messageIDs []string) (int, error) {
	return len(messageIDs), nil
}

func (f *fakeProtocol) CleanupExpired(ctx context.Context) (int, error) { return 3, nil }

func (f *fakeProtocol) GetStats(ctx context.Context) (protocol.Stats, error) { return f.stats, nil }

func (f *fakeProtocol) AuditTrail(ctx context.Context, userID string, limit int) ([]db.ProtocolAuditLog, error) {
	return nil, nil
}

type fakeDelivery struct{ enqueued []string }

func (f *fakeDelivery) EnqueueDelivery(id string) { f.enqueued = append(f.enqueued, id) }

type fixture struct {
	server   *httptest.Server
	tokens   *auth.TokenService
	reviews  *fakeReviewStore
	protocol *fakeProtocol
	delivery *fakeDelivery
	authSvc  *fakeAuthService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	kv := db.NewKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	tokens := auth.NewTokenService("test-secret", 0, 0)
	pairs := func() auth.TokenPair {
		pair, err := tokens.GeneratePair(auth.Principal{UserID: "user-ana", Username: "ana", Role: "reviewer"}, "sess-1")
		require.NoError(t, err)
		return pair
	}

	authSvc := &fakeAuthService{
		users: map[string]*db.User{
			"ana": {ID: "user-ana", Username: "ana", Email: "ana@example.org", Role: "reviewer"},
		},
		pairs: pairs,
	}
	reviews := &fakeReviewStore{rows: map[string]*db.Interaction{}}
	proto := &fakeProtocol{
		active: map[string]bool{},
		stats:  protocol.Stats{TotalQuarantined: 1, TotalCostSaved: 0.000307},
	}
	delivery := &fakeDelivery{}

	rules := ratelimit.NewRuleSource("", log)
	limiter := ratelimit.NewLimiter(kv, rules, log)
	monitor := ratelimit.NewMonitor(kv, log)

	h := &Handlers{
		Config: Config{
			ServiceName:     "stagegate",
			Version:         "test",
			FrontendURL:     "http://frontend.local",
			DashboardAPIKey: "legacy-key",
		},
		Tokens:   tokens,
		Auth:     authSvc,
		Provider: NewStubProvider(kv, "http://provider.local"),
		Reviews:  reviews,
		Protocol: proto,
		Limiter:  limiter,
		Alerts:   monitor,
		Rules:    rules,
		Delivery: delivery,
		KV:       kv,
		Log:      log,
	}

	e := NewServer(h, nil)
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	return &fixture{
		server:   server,
		tokens:   tokens,
		reviews:  reviews,
		protocol: proto,
		delivery: delivery,
		authSvc:  authSvc,
	}
}

func (f *fixture) token(t *testing.T, userID, role string) string {
	t.Helper()
	pair, err := f.tokens.GeneratePair(auth.Principal{UserID: userID, Username: userID, Role: role}, "sess-1")
	require.NoError(t, err)
	return pair.AccessToken
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok"`)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/reviews/pending", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPasswordLogin(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/auth/login", "", `{"username":"ana","password":"hunter2"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got tokenResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.NotEmpty(t, got.AccessToken)
	assert.Equal(t, "ana", got.User.Username)

	resp, _ = f.do(t, http.MethodPost, "/auth/login", "", `{"username":"ana","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProviderLoginFlow(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/auth/login", "", `{"provider":"google"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var start map[string]string
	require.NoError(t, json.Unmarshal(body, &start))
	require.NotEmpty(t, start["state"])
	assert.Contains(t, start["auth_url"], "state="+start["state"])

	// Callback with the issued state redirects to the frontend with
	// tokens in the fragment.
	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/auth/callback?code=ana&state="+start["state"], nil)
	require.NoError(t, err)
	redirect, err := client.Do(req)
	require.NoError(t, err)
	redirect.Body.Close()
	assert.Equal(t, http.StatusFound, redirect.StatusCode)
	location := redirect.Header.Get("Location")
	assert.True(t, strings.HasPrefix(location, "http://frontend.local#access_token="))

	// States are single use.
	resp, _ = f.do(t, http.MethodGet, "/auth/callback?code=ana&state="+start["state"], "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMeAndSessions(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-ana", "reviewer")

	resp, body := f.do(t, http.MethodGet, "/auth/me", token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ana"`)

	resp, body = f.do(t, http.MethodGet, "/auth/sessions", token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions []sessionView
	require.NoError(t, json.Unmarshal(body, &sessions))
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Current)

	resp, _ = f.do(t, http.MethodDelete, "/auth/sessions/sess-1", token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/auth/sessions/ghost", token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApproveClaimsAndQueuesDelivery(t *testing.T) {
	f := newFixture(t)
	f.reviews.rows["i1"] = &db.Interaction{ID: "i1", UserID: "u1", ReviewStatus: db.ReviewPending}
	token := f.token(t, "rev-1", "reviewer")

	resp, _ := f.do(t, http.MethodPost, "/reviews/i1/approve", token,
		`{"final_bubbles":["hey!"],"edit_tags":["tone"],"quality_score":4}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"i1"}, f.reviews.claimed)
	assert.Equal(t, []string{"i1"}, f.reviews.approved)
	assert.Equal(t, []string{"i1"}, f.delivery.enqueued)
}

func TestApproveValidatesQualityScore(t *testing.T) {
	f := newFixture(t)
	f.reviews.rows["i1"] = &db.Interaction{ID: "i1", UserID: "u1", ReviewStatus: db.ReviewPending}
	token := f.token(t, "rev-1", "reviewer")

	resp, _ := f.do(t, http.MethodPost, "/reviews/i1/approve", token,
		`{"final_bubbles":["hey!"],"quality_score":9}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.delivery.enqueued)
}

func TestRejectDoesNotDeliver(t *testing.T) {
	f := newFixture(t)
	f.reviews.rows["i1"] = &db.Interaction{ID: "i1", UserID: "u1", ReviewStatus: db.ReviewPending}
	token := f.token(t, "rev-1", "reviewer")

	resp, _ := f.do(t, http.MethodPost, "/reviews/i1/reject", token, `{"reviewer_notes":"off brand"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"i1"}, f.reviews.rejected)
	assert.Empty(t, f.delivery.enqueued)
}

func TestViewerCannotApprove(t *testing.T) {
	f := newFixture(t)
	f.reviews.rows["i1"] = &db.Interaction{ID: "i1", UserID: "u1", ReviewStatus: db.ReviewPending}
	token := f.token(t, "v-1", "viewer")

	resp, _ := f.do(t, http.MethodPost, "/reviews/i1/approve", token,
		`{"final_bubbles":["hey!"],"quality_score":4}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Reading the queue is still allowed.
	resp, _ = f.do(t, http.MethodGet, "/reviews/pending", token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReviewerCannotAdministerProtocol(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "rev-1", "reviewer")

	resp, _ := f.do(t, http.MethodPost, "/users/u2/protocol?action=activate&reason=spam", token, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestProtocolActivateAndStats(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "adm-1", "admin")

	resp, body := f.do(t, http.MethodPost, "/users/u2/protocol?action=activate&reason=spam", token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), string(db.ProtocolActive))

	resp, body = f.do(t, http.MethodGet, "/quarantine/stats", token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var stats protocol.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(1), stats.TotalQuarantined)
	assert.InDelta(t, 0.000307, stats.TotalCostSaved, 1e-9)

	resp, _ = f.do(t, http.MethodPost, "/users/u2/protocol?action=explode", token, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProcessAndDeactivate(t *testing.T) {
	f := newFixture(t)
	f.protocol.active["u2"] = true
	token := f.token(t, "adm-1", "admin")

	resp, _ := f.do(t, http.MethodPost, "/quarantine/q1/process?action=process_and_deactivate", token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"q1"}, f.protocol.processed)
	assert.False(t, f.protocol.active["u2"])
}

func TestBatchProcessRejectsOversizedBatch(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "adm-1", "admin")

	ids := make([]string, 101)
	for i := range ids {
		ids[i] = "m"
	}
	body, _ := json.Marshal(ids)
	resp, _ := f.do(t, http.MethodPost, "/quarantine/batch-process?action=process", token, string(body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ = json.Marshal([]string{"a", "b"})
	resp, _ = f.do(t, http.MethodPost, "/quarantine/batch-process?action=process", token, string(body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLegacyDashboardKey(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/quarantine/stats", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "legacy-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req.Header.Set("X-API-Key", "wrong-key")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimitAdminSurface(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "adm-1", "admin")

	resp, body := f.do(t, http.MethodGet, "/api/rate-limits/config", token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rules ratelimit.Rules
	require.NoError(t, json.Unmarshal(body, &rules))
	assert.Equal(t, 60, rules.Roles[ratelimit.RoleReviewer].RequestsPerMinute)

	resp, _ = f.do(t, http.MethodGet, "/api/rate-limits/client/user:ghost", token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/rate-limits/client/user:ghost/violations", token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Reviewers have no admin permission here.
	reviewer := f.token(t, "rev-1", "reviewer")
	resp, _ = f.do(t, http.MethodGet, "/api/rate-limits/stats", reviewer, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRefreshEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/auth/refresh", "", `{"refresh_token":"good-refresh"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"access_token"`)

	resp, _ = f.do(t, http.MethodPost, "/auth/refresh", "", `{"refresh_token":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/auth/refresh", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMCPMetrics(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/mcp/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var metrics map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &metrics))
	assert.Contains(t, metrics, "quarantine")
	assert.Contains(t, metrics, "uptime_seconds")
}
