package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
	accountrepo "github.com/smallbiznis/summarly/internal/account/repository"
	accountservice "github.com/smallbiznis/summarly/internal/account/service"
	authdomain "github.com/smallbiznis/summarly/internal/auth/domain"
	authoauth "github.com/smallbiznis/summarly/internal/auth/oauth"
	authservice "github.com/smallbiznis/summarly/internal/auth/service"
	"github.com/smallbiznis/summarly/internal/clock"
	"github.com/smallbiznis/summarly/internal/config"
	gatedomain "github.com/smallbiznis/summarly/internal/gatekeeper/domain"
	gateservice "github.com/smallbiznis/summarly/internal/gatekeeper/service"
	ledgerdomain "github.com/smallbiznis/summarly/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/summarly/internal/ledger/service"
	"github.com/smallbiznis/summarly/internal/orchestrator"
	slackprovider "github.com/smallbiznis/summarly/internal/providers/slack"
	"github.com/smallbiznis/summarly/internal/ratelimit"
	"github.com/smallbiznis/summarly/pkg/db"
)

const serverTestSecret = "8f742231b10e8888abcd99yyyzzz85a5"

type recordingSlack struct {
	mu        sync.Mutex
	replies   []string
	homeViews []string
}

func (r *recordingSlack) PostReply(ctx context.Context, channelID, threadTS, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return nil
}

func (r *recordingSlack) FileInfo(ctx context.Context, fileID string) (*slackprovider.File, error) {
	return &slackprovider.File{ID: fileID}, nil
}

func (r *recordingSlack) DownloadFile(ctx context.Context, url string) ([]byte, error) {
	return nil, nil
}

func (r *recordingSlack) PublishHomeView(ctx context.Context, userID string, view map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.homeViews = append(r.homeViews, userID)
	return nil
}

type fakePipeline struct {
	mu         sync.Mutex
	dispatched []orchestrator.Request
	runResult  *orchestrator.Result
	runErr     error
	lastRun    *orchestrator.Request
}

func (f *fakePipeline) Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRun = &req
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.runResult != nil {
		return f.runResult, nil
	}
	return &orchestrator.Result{State: orchestrator.StateReplied, Summary: "ok"}, nil
}

func (f *fakePipeline) Dispatch(req orchestrator.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, req)
}

func (f *fakePipeline) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

type fakeOAuthClient struct {
	identity *authoauth.Identity
	err      error
}

func (f *fakeOAuthClient) AuthorizeURL(state string) string {
	return "https://slack.test/authorize?state=" + state
}

func (f *fakeOAuthClient) ExchangeCode(ctx context.Context, code string) (*authoauth.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.identity, nil
}

type serverFixture struct {
	srv      *Server
	engine   *gin.Engine
	conn     *gorm.DB
	clock    *clock.FakeClock
	slack    *recordingSlack
	pipeline *fakePipeline
	oauth    *fakeOAuthClient
	authSvc  authdomain.Service
	ledger   ledgerdomain.Service
	accounts accountdomain.Service
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&accountdomain.Account{},
		&ledgerdomain.UsagePeriod{},
		&gatedomain.ProcessedEvent{},
		&authdomain.Session{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	cfg := config.Config{
		SlackSigningSecret: serverTestSecret,
		TimestampSkew:      5 * time.Minute,
		SessionTTL:         24 * time.Hour,
		SessionMaxAge:      7 * 24 * time.Hour,
		TrialDuration:      7 * 24 * time.Hour,
		UpgradeURL:         "https://summarly.test/upgrade",
		Features: config.FeatureFlags{
			TrialPeriod:        true,
			UsageTracking:      true,
			SubscriptionLimits: true,
		},
	}

	accSvc := accountservice.New(accountservice.ServiceParam{
		Log:   zap.NewNop(),
		Repo:  accountrepo.New(conn),
		GenID: node,
		Clock: fake,
		Cfg:   cfg,
	})
	ledgerSvc := ledgerservice.New(ledgerservice.ServiceParam{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		AccountSvc: accSvc,
		Tiers:      config.NewStaticTierHolder(config.DefaultTierConfig()),
		Clock:      fake,
		Cfg:        cfg,
		Keyed:      ratelimit.NewKeyedMutex(),
	})
	gateSvc := gateservice.New(gateservice.ServiceParam{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Cfg:   cfg,
	})
	oauthClient := &fakeOAuthClient{identity: &authoauth.Identity{
		UserID: "U100", TeamID: "T100", Email: "user@example.test",
	}}
	authSvc := authservice.New(authservice.ServiceParam{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		OAuth:      oauthClient,
		AccountSvc: accSvc,
		Clock:      fake,
		Cfg:        cfg,
	})

	slack := &recordingSlack{}
	pipeline := &fakePipeline{}

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	srv := NewServer(ServerParams{
		Gin:        engine,
		Cfg:        cfg,
		Log:        zap.NewNop(),
		GateSvc:    gateSvc,
		AuthSvc:    authSvc,
		OAuthSvc:   oauthClient,
		AccountSvc: accSvc,
		LedgerSvc:  ledgerSvc,
		Pipeline:   pipeline,
		Slack:      slack,
		Clock:      fake,
	})

	return &serverFixture{
		srv: srv, engine: engine, conn: conn, clock: fake,
		slack: slack, pipeline: pipeline, oauth: oauthClient,
		authSvc: authSvc, ledger: ledgerSvc, accounts: accSvc,
	}
}

func (f *serverFixture) signedEventRequest(body []byte) *http.Request {
	ts := fmt.Sprintf("%d", f.clock.Now().Unix())
	mac := hmac.New(sha256.New, []byte(serverTestSecret))
	mac.Write([]byte("v0:" + ts + ":" + string(body)))
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", sig)
	return req
}

func (f *serverFixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *serverFixture) login(t *testing.T) string {
	t.Helper()
	login, err := f.authSvc.ExchangeAuthCode(context.Background(), "code")
	require.NoError(t, err)
	return login.Token
}

func mentionEvent(eventID, user, fileID string) []byte {
	ev := map[string]any{
		"type":    "app_mention",
		"user":    user,
		"channel": "C1",
		"ts":      "1700000000.000100",
	}
	if fileID != "" {
		ev["files"] = []map[string]any{{"id": fileID, "filetype": "pdf"}}
	}
	body, _ := json.Marshal(map[string]any{
		"type":     "event_callback",
		"event_id": eventID,
		"team_id":  "T100",
		"event":    ev,
	})
	return body
}

func TestWebhookURLVerification(t *testing.T) {
	f := newServerFixture(t)

	body, _ := json.Marshal(map[string]any{
		"type":      "url_verification",
		"challenge": "c0ffee",
	})
	w := f.do(f.signedEventRequest(body))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "c0ffee")
}

func TestWebhookURLVerificationAnswersEveryAttempt(t *testing.T) {
	f := newServerFixture(t)

	body, _ := json.Marshal(map[string]any{
		"type":      "url_verification",
		"challenge": "c0ffee",
	})

	// Re-running endpoint verification sends the same payload again;
	// each attempt must get the challenge back, not a duplicate ack.
	for i := 0; i < 2; i++ {
		w := f.do(f.signedEventRequest(body))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "c0ffee")
	}

	var count int64
	require.NoError(t, f.conn.Model(&gatedomain.ProcessedEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestWebhookChannelMessagesIgnored(t *testing.T) {
	f := newServerFixture(t)

	ev := map[string]any{
		"type":    "message",
		"user":    "U100",
		"channel": "C1",
		"ts":      "1700000000.000200",
	}
	body, _ := json.Marshal(map[string]any{
		"type":     "event_callback",
		"event_id": "Ev010",
		"team_id":  "T100",
		"event":    ev,
	})
	w := f.do(f.signedEventRequest(body))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
	assert.Empty(t, f.slack.replies)
	assert.Equal(t, 0, f.pipeline.dispatchCount())

	var record gatedomain.ProcessedEvent
	require.NoError(t, f.conn.Where("dedup_key = ?", "evt:Ev010").First(&record).Error)
	assert.Equal(t, gatedomain.OutcomeCompleted, record.Outcome)
}

func TestWebhookMentionDispatchesPipeline(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(f.signedEventRequest(mentionEvent("Ev001", "U100", "F42")))
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, 1, f.pipeline.dispatchCount())
	req := f.pipeline.dispatched[0]
	assert.Equal(t, "evt:Ev001", req.DedupKey)
	assert.Equal(t, "U100", req.Identity.UserID)
	assert.Equal(t, "T100", req.Identity.TeamID)
	assert.Equal(t, "F42", req.FileID)
	assert.Equal(t, "C1", req.ChannelID)
}

func TestWebhookDuplicateDeliveryAcked(t *testing.T) {
	f := newServerFixture(t)

	body := mentionEvent("Ev002", "U100", "F42")
	first := f.do(f.signedEventRequest(body))
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(f.signedEventRequest(body))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), "duplicate")
	assert.Equal(t, 1, f.pipeline.dispatchCount())
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	f := newServerFixture(t)

	req := f.signedEventRequest(mentionEvent("Ev003", "U100", "F42"))
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	w := f.do(req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, f.pipeline.dispatchCount())
}

func TestWebhookStaleTimestampRejected(t *testing.T) {
	f := newServerFixture(t)

	body := mentionEvent("Ev004", "U100", "F42")
	ts := fmt.Sprintf("%d", f.clock.Now().Add(-10*time.Minute).Unix())
	mac := hmac.New(sha256.New, []byte(serverTestSecret))
	mac.Write([]byte("v0:" + ts + ":" + string(body)))

	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	w := f.do(req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookMentionWithoutPDFGetsHint(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(f.signedEventRequest(mentionEvent("Ev005", "U100", "")))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 0, f.pipeline.dispatchCount())
	require.Len(t, f.slack.replies, 1)
	assert.Contains(t, f.slack.replies[0], "Attach a PDF")

	var record gatedomain.ProcessedEvent
	require.NoError(t, f.conn.Where("dedup_key = ?", "evt:Ev005").First(&record).Error)
	assert.Equal(t, gatedomain.OutcomeCompleted, record.Outcome)
}

func TestWebhookHomeOpenedPublishesView(t *testing.T) {
	f := newServerFixture(t)

	ev := map[string]any{"type": "app_home_opened", "user": "U100"}
	body, _ := json.Marshal(map[string]any{
		"type":     "event_callback",
		"event_id": "Ev006",
		"team_id":  "T100",
		"event":    ev,
	})
	w := f.do(f.signedEventRequest(body))

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.slack.homeViews, 1)
	assert.Equal(t, "U100", f.slack.homeViews[0])
}

func TestOAuthCallbackSetsSessionCookie(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/slack/oauth/callback?code=xyz", nil))

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/api/dashboard", w.Header().Get("Location"))

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	var token string
	for _, c := range cookies {
		if c.Name == sessionCookieName {
			token = c.Value
		}
	}
	require.NotEmpty(t, token)

	principal, err := f.authSvc.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "U100", principal.Identity.UserID)
}

func TestLoginRedirectsToConsent(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/login?state=s1", nil))

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://slack.test/authorize?state=s1", w.Header().Get("Location"))
}

func TestDashboardRequiresSession(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/dashboard", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := f.login(t)
	req := httptest.NewRequest(http.MethodGet, "/api/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = f.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "U100")
	assert.Contains(t, w.Body.String(), "trial")
}

func TestUsageEndpointReportsCurrentMonth(t *testing.T) {
	f := newServerFixture(t)
	token := f.login(t)

	identity := accountdomain.Identity{UserID: "U100", TeamID: "T100"}
	month := ledgerdomain.MonthKey(f.clock.Now())
	_, err := f.ledger.TryConsume(context.Background(), identity, month)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := f.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Month     string `json:"month"`
		Count     int64  `json:"count"`
		Unlimited bool   `json:"unlimited"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, month, resp.Month)
	assert.Equal(t, int64(1), resp.Count)
	assert.True(t, resp.Unlimited) // fresh logins start on trial
}

func TestProcessPDFRunsPipelineInline(t *testing.T) {
	f := newServerFixture(t)
	token := f.login(t)
	f.pipeline.runResult = &orchestrator.Result{
		State:   orchestrator.StateReplied,
		Summary: "Inline summary.",
	}

	req := httptest.NewRequest(http.MethodPost, "/api/process-pdf",
		strings.NewReader("%PDF-1.7 test content"))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/pdf")
	w := f.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Inline summary.")

	require.NotNil(t, f.pipeline.lastRun)
	assert.Equal(t, "U100", f.pipeline.lastRun.Identity.UserID)
	assert.NotEmpty(t, f.pipeline.lastRun.Content)
	assert.Empty(t, f.pipeline.lastRun.ChannelID)
	assert.True(t, strings.HasPrefix(f.pipeline.lastRun.DedupKey, "api:"))
}

func TestProcessPDFDeniedMapsTo429(t *testing.T) {
	f := newServerFixture(t)
	token := f.login(t)
	f.pipeline.runResult = &orchestrator.Result{State: orchestrator.StateDenied}

	req := httptest.NewRequest(http.MethodPost, "/api/process-pdf",
		strings.NewReader("%PDF-1.7 test content"))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/pdf")
	w := f.do(req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAdminResetUsageGatedByStatus(t *testing.T) {
	f := newServerFixture(t)
	token := f.login(t)

	body := `{"user_id":"U100","team_id":"T100"}`
	req := httptest.NewRequest(http.MethodPost, "/api/admin/reset-usage", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := f.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	identity := accountdomain.Identity{UserID: "U100", TeamID: "T100"}
	_, err := f.accounts.Apply(context.Background(), identity, accountdomain.TriggerGrantAdmin)
	require.NoError(t, err)

	month := ledgerdomain.MonthKey(f.clock.Now())
	_, err = f.ledger.TryConsume(context.Background(), identity, month)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/reset-usage", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w = f.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	usage, err := f.ledger.Peek(context.Background(), identity, month)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Count)
}

func (f *serverFixture) signedCommandRequest(form string) *http.Request {
	req := f.signedEventRequest([]byte(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestSlashResetLimitsRequiresAdmin(t *testing.T) {
	f := newServerFixture(t)
	f.login(t) // creates the U100/T100 account on trial

	w := f.do(f.signedCommandRequest("command=%2Freset_limits&user_id=U100&team_id=T100"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "not allowed")
}

func TestSlashResetLimitsResetsUsage(t *testing.T) {
	f := newServerFixture(t)
	f.login(t)

	identity := accountdomain.Identity{UserID: "U100", TeamID: "T100"}
	_, err := f.accounts.Apply(context.Background(), identity, accountdomain.TriggerGrantAdmin)
	require.NoError(t, err)

	month := ledgerdomain.MonthKey(f.clock.Now())
	_, err = f.ledger.TryConsume(context.Background(), identity, month)
	require.NoError(t, err)

	w := f.do(f.signedCommandRequest("command=%2Freset_limits&user_id=U100&team_id=T100"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "reset")

	usage, err := f.ledger.Peek(context.Background(), identity, month)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Count)
}

func TestSessionRefreshRotatesToken(t *testing.T) {
	f := newServerFixture(t)
	token := f.login(t)

	req := httptest.NewRequest(http.MethodPost, "/api/session/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	var rotated string
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName {
			rotated = c.Value
		}
	}
	require.NotEmpty(t, rotated)
	require.NotEqual(t, token, rotated)

	// The previous token keeps working until its own expiry.
	_, err := f.authSvc.Verify(context.Background(), token)
	assert.NoError(t, err)
	_, err = f.authSvc.Verify(context.Background(), rotated)
	assert.NoError(t, err)
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	f := newServerFixture(t)
	first := f.login(t)
	second := f.login(t)

	req := httptest.NewRequest(http.MethodPost, "/api/logout-all", nil)
	req.Header.Set("Authorization", "Bearer "+first)
	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	for _, token := range []string{first, second} {
		_, err := f.authSvc.Verify(context.Background(), token)
		assert.Error(t, err)
	}
}
