package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/config"
	"github.com/smallbiznis/sitebridge/internal/portal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func issue(t *testing.T, m *Manager, expiresAt time.Time) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	m.Set(c, "raw-session", expiresAt)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestSetDerivesLifetimeFromSessionExpiry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	m := NewManager(config.Config{AuthCookieSecure: true}, clk)

	cookie := issue(t, m, clk.Now().Add(2*time.Hour))
	assert.Equal(t, CookieName, cookie.Name)
	assert.Equal(t, "raw-session", cookie.Value)
	assert.Equal(t, 7200, cookie.MaxAge)
	assert.True(t, cookie.Expires.Equal(clk.Now().Add(2*time.Hour)))
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
}

func TestSetCapsLifetimeAtSessionTTL(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	m := NewManager(config.Config{}, clk)

	cookie := issue(t, m, clk.Now().Add(90*24*time.Hour))
	assert.Equal(t, int(domain.SessionTTL/time.Second), cookie.MaxAge)
	assert.False(t, cookie.Secure)
}

func TestSetExpiredSessionClearsCookie(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	m := NewManager(config.Config{}, clk)

	cookie := issue(t, m, clk.Now().Add(-time.Minute))
	assert.Empty(t, cookie.Value)
	assert.Equal(t, -1, cookie.MaxAge)
}

func TestReadTokenIgnoresBlankCookie(t *testing.T) {
	m := NewManager(config.Config{}, clock.SystemClock{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/portal/session", nil)
	c.Request.AddCookie(&http.Cookie{Name: CookieName, Value: "  "})
	_, ok := m.ReadToken(c)
	assert.False(t, ok)

	c.Request = httptest.NewRequest(http.MethodGet, "/portal/session", nil)
	c.Request.AddCookie(&http.Cookie{Name: CookieName, Value: "raw-session"})
	token, ok := m.ReadToken(c)
	assert.True(t, ok)
	assert.Equal(t, "raw-session", token)
}
