package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/config"
	"github.com/smallbiznis/sitebridge/internal/portal/domain"
)

const CookieName = "_portal_sid"

// Manager writes the external portal session cookie. The cookie carries the
// raw session token; only its hash is stored server side. Its lifetime follows
// the session row and never exceeds domain.SessionTTL.
type Manager struct {
	secure bool
	clock  clock.Clock
}

func NewManager(cfg config.Config, clk clock.Clock) *Manager {
	return &Manager{
		secure: cfg.AuthCookieSecure,
		clock:  clk,
	}
}

func (m *Manager) ReadToken(c *gin.Context) (string, bool) {
	token, err := c.Cookie(CookieName)
	if err != nil {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// Set issues the cookie for a session expiring at sessionExpiresAt. A session
// that has already expired clears the cookie instead.
func (m *Manager) Set(c *gin.Context, token string, sessionExpiresAt time.Time) {
	now := m.clock.Now()
	ttl := sessionExpiresAt.Sub(now)
	if ttl > domain.SessionTTL {
		ttl = domain.SessionTTL
	}
	if ttl < time.Second {
		m.Clear(c)
		return
	}
	m.write(c, token, int(ttl/time.Second), now.Add(ttl))
}

func (m *Manager) Clear(c *gin.Context) {
	m.write(c, "", -1, time.Unix(0, 0))
}

func (m *Manager) write(c *gin.Context, value string, maxAge int, expires time.Time) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  expires.UTC(),
		Secure:   m.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
