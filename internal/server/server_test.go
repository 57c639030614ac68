package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	accountingdomain "github.com/smallbiznis/sitebridge/internal/accounting/domain"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/config"
	notificationdomain "github.com/smallbiznis/sitebridge/internal/notification/domain"
	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	portaldomain "github.com/smallbiznis/sitebridge/internal/portal/domain"
	"github.com/smallbiznis/sitebridge/internal/portal/session"
	qbosyncdomain "github.com/smallbiznis/sitebridge/internal/qbosync/domain"
	"github.com/smallbiznis/sitebridge/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testCronSecret = "cron-secret"

type fakePortal struct {
	portaldomain.Service

	authReq    portaldomain.AuthenticateRequest
	authResult *portaldomain.AuthResult
	authErr    error
	pinResult  *portaldomain.PINResult
	loggedOut  string
}

func (f *fakePortal) AuthenticateWithToken(ctx context.Context, req portaldomain.AuthenticateRequest) (*portaldomain.AuthResult, error) {
	f.authReq = req
	return f.authResult, f.authErr
}

func (f *fakePortal) VerifyPIN(ctx context.Context, accessToken, pin string) (*portaldomain.PINResult, error) {
	return f.pinResult, nil
}

func (f *fakePortal) Logout(ctx context.Context, rawToken string) error {
	f.loggedOut = rawToken
	return nil
}

type fakeAccounting struct {
	accountingdomain.Service

	refreshErr     error
	keepaliveLimit int
}

func (f *fakeAccounting) RefreshNow(ctx context.Context, orgID snowflake.ID) (*accountingdomain.AccessToken, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &accountingdomain.AccessToken{OrgID: orgID, Token: "secret", RealmID: "9130"}, nil
}

func (f *fakeAccounting) KeepaliveSweep(ctx context.Context, limit int) (accountingdomain.KeepaliveResult, error) {
	f.keepaliveLimit = limit
	return accountingdomain.KeepaliveResult{Scanned: 2, Refreshed: 2}, nil
}

type fakeSync struct {
	qbosyncdomain.Service

	enqueueErr error
	orgID      snowflake.ID
}

func (f *fakeSync) EnqueueInvoiceSync(ctx context.Context, orgID, invoiceID snowflake.ID) (qbosyncdomain.EnqueueResult, error) {
	f.orgID = orgID
	if f.enqueueErr != nil {
		return qbosyncdomain.EnqueueResult{}, f.enqueueErr
	}
	return qbosyncdomain.EnqueueResult{Enqueued: true, JobID: 77}, nil
}

type fakeDrainer struct {
	results []outboxdomain.BatchResult
	calls   int
}

func (f *fakeDrainer) ProcessBatch(ctx context.Context, jobTypes []string) (outboxdomain.BatchResult, error) {
	f.calls++
	if len(f.results) == 0 {
		return outboxdomain.BatchResult{}, nil
	}
	next := f.results[0]
	f.results = f.results[1:]
	return next, nil
}

type fakeRequeuer struct {
	calls int
}

func (f *fakeRequeuer) RequeueStale(ctx context.Context) (int64, error) {
	f.calls++
	return 1, nil
}

type fakeNotifications struct{}

func (fakeNotifications) Create(ctx context.Context, req notificationdomain.CreateRequest) (*notificationdomain.Notification, error) {
	return &notificationdomain.Notification{OrgID: req.OrgID, RecipientEmail: req.RecipientEmail}, nil
}

type fakeTiles struct{}

func (fakeTiles) RequestTiles(ctx context.Context, orgID, versionID snowflake.ID) (*outboxdomain.Job, error) {
	return &outboxdomain.Job{ID: 5, OrgID: orgID, Status: outboxdomain.StatusPending}, nil
}

type harness struct {
	engine     *gin.Engine
	portal     *fakePortal
	accounting *fakeAccounting
	sync       *fakeSync
	drainer    *fakeDrainer
	requeuer   *fakeRequeuer
}

func newHarness(t *testing.T, cfg config.Config, limiter *ratelimit.PortalLimiter) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zaptest.NewLogger(t)
	h := &harness{
		engine:     NewEngine(log),
		portal:     &fakePortal{},
		accounting: &fakeAccounting{},
		sync:       &fakeSync{},
		drainer:    &fakeDrainer{},
		requeuer:   &fakeRequeuer{},
	}
	NewServer(ServerParams{
		Gin:           h.engine,
		Cfg:           cfg,
		Log:           log,
		PortalSvc:     h.portal,
		Sessions:      session.NewManager(cfg, clock.SystemClock{}),
		Limiter:       limiter,
		AccountingSvc: h.accounting,
		SyncSvc:       h.sync,
		Drainer:       h.drainer,
		Requeuer:      h.requeuer,
		Notifications: fakeNotifications{},
		Tiles:         fakeTiles{},
	})
	return h
}

func (h *harness) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func orgHeader() map[string]string {
	return map[string]string{HeaderOrg: "1001"}
}

func TestCronRejectsMissingOrWrongSecret(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	rec := h.do(http.MethodPost, "/internal/outbox/process", nil, map[string]string{"Authorization": "Bearer anything"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	h = newHarness(t, config.Config{CronSecret: testCronSecret}, nil)
	rec = h.do(http.MethodPost, "/internal/outbox/process", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, h.drainer.calls)
}

func TestProcessOutboxDrainsUntilEmpty(t *testing.T) {
	h := newHarness(t, config.Config{CronSecret: testCronSecret}, nil)
	h.drainer.results = []outboxdomain.BatchResult{
		{Claimed: 5, Completed: 4, Retried: 1},
		{Claimed: 2, Completed: 1, Failed: 1},
	}

	rec := h.do(http.MethodPost, "/internal/outbox/process?batches=5", nil, map[string]string{"Authorization": "Bearer " + testCronSecret})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp processOutboxResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, h.requeuer.calls)
	assert.Equal(t, 3, h.drainer.calls)
	assert.Equal(t, 3, resp.Batches)
	assert.Equal(t, int64(1), resp.Requeued)
	assert.Equal(t, 7, resp.Claimed)
	assert.Equal(t, 5, resp.Completed)
	assert.Equal(t, 1, resp.Failed)
}

func TestProcessOutboxRejectsBadBatches(t *testing.T) {
	h := newHarness(t, config.Config{CronSecret: testCronSecret}, nil)
	rec := h.do(http.MethodPost, "/internal/outbox/process?batches=zero", nil, map[string]string{"Authorization": "Bearer " + testCronSecret})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKeepaliveUsesPolicyBatchByDefault(t *testing.T) {
	h := newHarness(t, config.Config{CronSecret: testCronSecret}, nil)
	rec := h.do(http.MethodPost, "/internal/qbo/keepalive", nil, map[string]string{"Authorization": "Bearer " + testCronSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, config.DefaultSyncPolicy().KeepaliveBatch, h.accounting.keepaliveLimit)

	rec = h.do(http.MethodPost, "/internal/qbo/keepalive?limit=3", nil, map[string]string{"Authorization": "Bearer " + testCronSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, h.accounting.keepaliveLimit)
}

func TestOperatorRoutesRequireOrgHeader(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	rec := h.do(http.MethodPost, "/invoices/55/qbo-sync", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_org", payload.Errors[0].Code)

	rec = h.do(http.MethodPost, "/invoices/55/qbo-sync", nil, orgHeader())
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, snowflake.ID(1001), h.sync.orgID)
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"reconnect", accountingdomain.ErrReconnectRequired, http.StatusConflict},
		{"missing invoice", qbosyncdomain.ErrInvoiceNotFound, http.StatusNotFound},
		{"not synced", qbosyncdomain.ErrInvoiceNotSynced, http.StatusConflict},
		{"unexpected", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, config.Config{}, nil)
			h.sync.enqueueErr = tc.err
			rec := h.do(http.MethodPost, "/invoices/55/qbo-sync", nil, orgHeader())
			assert.Equal(t, tc.status, rec.Code)
		})
	}

	h := newHarness(t, config.Config{}, nil)
	h.accounting.refreshErr = accountingdomain.ErrRefreshFailed
	rec := h.do(http.MethodPost, "/integrations/qbo/refresh", nil, orgHeader())
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRefreshResponseOmitsToken(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	rec := h.do(http.MethodPost, "/integrations/qbo/refresh", nil, orgHeader())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.Contains(t, rec.Body.String(), "9130")
}

func TestPortalAuthFailuresShareOneMessage(t *testing.T) {
	for _, err := range []error{
		portaldomain.ErrInvalidCredentials,
		portaldomain.ErrInvalidAccessToken,
		portaldomain.ErrAccountInactive,
	} {
		h := newHarness(t, config.Config{}, nil)
		h.portal.authErr = err
		rec := h.do(http.MethodPost, "/portal/auth", map[string]string{
			"token":      "tok",
			"token_type": "portal",
			"mode":       "login",
			"email":      "pat@client.example",
			"password":   "wrong",
		}, nil)

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid credentials", decodeError(t, rec).Message)
	}
}

func TestPortalAuthenticateSetsSessionCookie(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	h.portal.authResult = &portaldomain.AuthResult{
		Account:      &portaldomain.Account{ID: 9, Email: "pat@client.example"},
		Scope:        portaldomain.Scope{OrgID: 1001, TokenType: portaldomain.TokenTypePortal},
		SessionToken: "raw-session",
		ExpiresAt:    time.Now().Add(time.Hour),
		Created:      true,
	}

	req := httptest.NewRequest(http.MethodPost, "/portal/auth", strings.NewReader(`{"token":"tok","token_type":"portal","mode":"claim","email":"pat@client.example","password":"long-enough-pw"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "field-tablet")
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Set-Cookie"), session.CookieName+"=raw-session")
	assert.NotContains(t, rec.Body.String(), "raw-session")
	assert.Equal(t, portaldomain.ModeClaim, h.portal.authReq.Mode)
	assert.Equal(t, "field-tablet", h.portal.authReq.UserAgent)
	assert.NotEmpty(t, h.portal.authReq.IPAddress)
}

func TestPortalLogoutClearsCookie(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/portal/logout", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "raw-session"})
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "raw-session", h.portal.loggedOut)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "Max-Age=0")
}

func TestPortalSessionRequiresCookie(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	rec := h.do(http.MethodGet, "/portal/session", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyPINStatusCodes(t *testing.T) {
	until := time.Now().Add(15 * time.Minute)
	cases := []struct {
		name   string
		result *portaldomain.PINResult
		status int
	}{
		{"verified", &portaldomain.PINResult{Verified: true, AttemptsRemaining: 5}, http.StatusOK},
		{"wrong", &portaldomain.PINResult{AttemptsRemaining: 3}, http.StatusUnauthorized},
		{"locked", &portaldomain.PINResult{Locked: true, LockedUntil: &until}, http.StatusLocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, config.Config{}, nil)
			h.portal.pinResult = tc.result
			rec := h.do(http.MethodPost, "/portal/pin/verify", map[string]string{"token": "tok", "pin": "1234"}, nil)
			assert.Equal(t, tc.status, rec.Code)

			var body portaldomain.PINResult
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.result.Locked, body.Locked)
		})
	}
}

func TestPortalAuthIsRateLimitedPerIP(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{RateLimit: config.RateLimitConfig{
		PortalAuthRate:  0.01,
		PortalAuthBurst: 1,
		PINVerifyRate:   0.01,
		PINVerifyBurst:  1,
	}}
	h := newHarness(t, cfg, ratelimit.NewPortalLimiter(client, cfg))
	h.portal.authErr = portaldomain.ErrInvalidCredentials

	body := map[string]string{"token": "tok", "token_type": "portal", "mode": "login"}
	first := h.do(http.MethodPost, "/portal/auth", body, nil)
	assert.Equal(t, http.StatusUnauthorized, first.Code)

	second := h.do(http.MethodPost, "/portal/auth", body, nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	// buckets are per endpoint
	h.portal.pinResult = &portaldomain.PINResult{Verified: true}
	pin := h.do(http.MethodPost, "/portal/pin/verify", map[string]string{"token": "tok", "pin": "1234"}, nil)
	assert.Equal(t, http.StatusOK, pin.Code)
}

func TestRateLimiterOutageFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{RateLimit: config.RateLimitConfig{PortalAuthRate: 1, PortalAuthBurst: 5}}
	h := newHarness(t, cfg, ratelimit.NewPortalLimiter(client, cfg))
	mr.Close()

	rec := h.do(http.MethodPost, "/portal/auth", map[string]string{"token": "tok"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestDrawingTilesAccepted(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	rec := h.do(http.MethodPost, "/drawings/versions/42/tiles", nil, orgHeader())
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(http.MethodPost, "/drawings/versions/not-a-number/tiles", nil, orgHeader())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateNotificationRequiresSubject(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	rec := h.do(http.MethodPost, "/notifications", map[string]string{"recipient_email": "a@b.example"}, orgHeader())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/notifications", map[string]string{"recipient_email": "a@b.example", "subject": "RFI answered"}, orgHeader())
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
