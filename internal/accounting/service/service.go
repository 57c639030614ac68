package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/accounting/domain"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/config"
	eventdomain "github.com/smallbiznis/sitebridge/internal/events/domain"
	obsmetrics "github.com/smallbiznis/sitebridge/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"github.com/smallbiznis/sitebridge/internal/qbo"
	"github.com/smallbiznis/sitebridge/internal/ratelimit"
	"github.com/smallbiznis/sitebridge/internal/vault"
	"github.com/smallbiznis/sitebridge/pkg/db"
	"github.com/smallbiznis/sitebridge/pkg/text"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	triggerAccess    = "window"
	triggerManual    = "manual"
	triggerKeepalive = "keepalive"

	keepaliveLockKey = "sitebridge:qbo:keepalive"
	keepaliveLockTTL = 10 * time.Minute
	oauthStateTTL    = 15 * time.Minute
	numberingSample  = 50
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Vault   vault.Cipher
	OAuth   domain.OAuthProvider
	Numbers domain.InvoiceNumberSource
	Policy  *config.SyncPolicyHolder
	Events  eventdomain.Recorder
	Queue   outboxdomain.Inspector
	Locker  *ratelimit.Locker       `optional:"true"`
	Metrics *obsmetrics.SyncMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	vault   vault.Cipher
	oauth   domain.OAuthProvider
	numbers domain.InvoiceNumberSource
	policy  *config.SyncPolicyHolder
	events  eventdomain.Recorder
	queue   outboxdomain.Inspector
	locker  *ratelimit.Locker
	metrics *obsmetrics.SyncMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("accounting.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		vault:   p.Vault,
		oauth:   p.OAuth,
		numbers: p.Numbers,
		policy:  p.Policy,
		events:  p.Events,
		queue:   p.Queue,
		locker:  p.Locker,
		metrics: p.Metrics,
	}
}

// GetAccessToken returns a usable token for the tenant's active connection,
// refreshing first when the token expires within the refresh window.
func (s *Service) GetAccessToken(ctx context.Context, orgID snowflake.ID) (*domain.AccessToken, error) {
	return s.accessToken(ctx, orgID, false)
}

// RefreshNow refreshes regardless of expiry and fails instead of falling back
// to a cached token.
func (s *Service) RefreshNow(ctx context.Context, orgID snowflake.ID) (*domain.AccessToken, error) {
	return s.accessToken(ctx, orgID, true)
}

func (s *Service) accessToken(ctx context.Context, orgID snowflake.ID, force bool) (*domain.AccessToken, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	conn, err := s.repo.FindActive(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, domain.ErrNoActiveConnection
	}

	if !force && s.clock.Now().Add(s.policy.Get().RefreshWindow).Before(conn.TokenExpiresAt) {
		return s.decryptAccess(ctx, conn)
	}

	trigger := triggerAccess
	if force {
		trigger = triggerManual
	}
	return s.refresh(ctx, conn, trigger, force)
}

func (s *Service) decryptAccess(ctx context.Context, conn *domain.Connection) (*domain.AccessToken, error) {
	token, err := s.vault.DecryptToken(conn.AccessToken)
	if err != nil {
		return nil, s.markUnreadable(ctx, conn, err)
	}
	return &domain.AccessToken{
		ConnectionID: conn.ID,
		OrgID:        conn.OrgID,
		Token:        token,
		RealmID:      conn.RealmID,
		ExpiresAt:    conn.TokenExpiresAt,
		Settings:     domain.ParseSettings(conn.Settings),
	}, nil
}

// refresh exchanges conn's refresh token and stores the result under an
// optimistic guard on the refresh token ciphertext that was read.
func (s *Service) refresh(ctx context.Context, conn *domain.Connection, trigger string, force bool) (*domain.AccessToken, error) {
	log := s.log.With(
		zap.String("org_id", conn.OrgID.String()),
		zap.String("connection_id", conn.ID.String()),
		zap.String("trigger", trigger),
	)

	refreshToken, err := s.vault.DecryptToken(conn.RefreshToken)
	if err != nil {
		return nil, s.markUnreadable(ctx, conn, err)
	}

	tokens, err := s.oauth.Refresh(ctx, refreshToken)
	if err != nil {
		return s.handleRefreshFailure(ctx, conn, trigger, force, err)
	}

	now := s.clock.Now()
	stored, err := s.sealTokens(tokens, now, conn.RefreshTokenExpiresAt)
	if err != nil {
		return nil, err
	}

	ok, err := s.repo.StoreRefreshedTokens(ctx, s.db, conn.ID, conn.RefreshToken, stored, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.metrics.IncTokenRefresh(obsmetrics.RefreshOutcomeLostRace, trigger)
		log.Info("qbo.token.refresh_lost_race")
		return s.reread(ctx, conn.ID)
	}

	s.metrics.IncTokenRefresh(obsmetrics.RefreshOutcomeSuccess, trigger)
	log.Info("qbo.token.refreshed", zap.Time("expires_at", stored.TokenExpiresAt))
	return &domain.AccessToken{
		ConnectionID: conn.ID,
		OrgID:        conn.OrgID,
		Token:        tokens.AccessToken,
		RealmID:      conn.RealmID,
		ExpiresAt:    stored.TokenExpiresAt,
		Settings:     domain.ParseSettings(conn.Settings),
	}, nil
}

// reread loads whatever token a concurrent refresher persisted.
func (s *Service) reread(ctx context.Context, id snowflake.ID) (*domain.AccessToken, error) {
	current, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Status != domain.StatusActive {
		return nil, domain.ErrNoActiveConnection
	}
	return s.decryptAccess(ctx, current)
}

func (s *Service) handleRefreshFailure(ctx context.Context, conn *domain.Connection, trigger string, force bool, cause error) (*domain.AccessToken, error) {
	log := s.log.With(
		zap.String("org_id", conn.OrgID.String()),
		zap.String("connection_id", conn.ID.String()),
		zap.String("trigger", trigger),
	)
	message := text.Truncate(cause.Error(), 500)

	if qbo.IsInvalidGrant(cause) {
		s.expire(ctx, conn, message)
		log.Warn("qbo.token.grant_revoked", zap.Error(cause))
		return nil, fmt.Errorf("%w: %w", domain.ErrReconnectRequired, cause)
	}

	ok, err := s.repo.RecordRefreshFailure(ctx, s.db, conn.ID, conn.RefreshToken, message, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		// Someone else refreshed or retired the row since we read it.
		s.metrics.IncTokenRefresh(obsmetrics.RefreshOutcomeLostRace, trigger)
		return s.reread(ctx, conn.ID)
	}

	current, err := s.repo.FindByID(ctx, s.db, conn.ID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.RefreshFailureCount >= s.policy.Get().RefreshFailureThreshold {
		s.expire(ctx, conn, message)
		log.Warn("qbo.token.failure_threshold_reached",
			zap.Int("failures", current.RefreshFailureCount),
			zap.Error(cause),
		)
		return nil, fmt.Errorf("%w: %w", domain.ErrReconnectRequired, cause)
	}

	s.metrics.IncTokenRefresh(obsmetrics.RefreshOutcomeTransient, trigger)
	log.Warn("qbo.token.refresh_failed", zap.Error(cause))

	if force {
		return nil, fmt.Errorf("%w: %w", domain.ErrRefreshFailed, cause)
	}
	if s.clock.Now().Before(conn.TokenExpiresAt) {
		return s.decryptAccess(ctx, conn)
	}
	return nil, fmt.Errorf("%w: %w", domain.ErrTokenUnavailable, cause)
}

func (s *Service) expire(ctx context.Context, conn *domain.Connection, message string) {
	ok, err := s.repo.Transition(ctx, s.db, conn.ID, domain.StatusExpired, &message, s.clock.Now())
	if err != nil {
		s.log.Error("qbo.connection.expire_failed", zap.String("connection_id", conn.ID.String()), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	s.metrics.IncTokenRefresh(obsmetrics.RefreshOutcomeExpired, "")
	_ = s.events.Record(ctx, conn.OrgID, eventdomain.EventConnectionExpired, eventdomain.EntityAccountingConnection, conn.ID, map[string]any{
		"realm_id": conn.RealmID,
		"reason":   message,
	})
}

// markUnreadable retires a connection whose stored tokens cannot be
// decrypted. Nothing short of a new grant recovers it.
func (s *Service) markUnreadable(ctx context.Context, conn *domain.Connection, cause error) error {
	message := "stored credentials could not be decrypted"
	if _, err := s.repo.Transition(ctx, s.db, conn.ID, domain.StatusError, &message, s.clock.Now()); err != nil {
		s.log.Error("qbo.connection.mark_error_failed", zap.String("connection_id", conn.ID.String()), zap.Error(err))
	}
	s.log.Error("qbo.connection.credentials_unreadable",
		zap.String("org_id", conn.OrgID.String()),
		zap.String("connection_id", conn.ID.String()),
		zap.Error(cause),
	)
	return fmt.Errorf("%w: %w", domain.ErrCredentialsUnreadable, cause)
}

func (s *Service) sealTokens(tokens qbo.TokenResponse, now time.Time, previousRefreshExpiry *time.Time) (domain.StoredTokens, error) {
	access, err := s.vault.EncryptToken(tokens.AccessToken)
	if err != nil {
		return domain.StoredTokens{}, err
	}
	refresh, err := s.vault.EncryptToken(tokens.RefreshToken)
	if err != nil {
		return domain.StoredTokens{}, err
	}
	refreshExpiry := tokens.RefreshExpiry(now)
	if refreshExpiry == nil {
		refreshExpiry = previousRefreshExpiry
	}
	return domain.StoredTokens{
		AccessToken:           access,
		RefreshToken:          refresh,
		TokenExpiresAt:        tokens.AccessExpiry(now),
		RefreshTokenExpiresAt: refreshExpiry,
	}, nil
}

func (s *Service) Disconnect(ctx context.Context, orgID snowflake.ID) error {
	if orgID == 0 {
		return domain.ErrInvalidOrganization
	}
	conn, err := s.repo.FindActive(ctx, s.db, orgID)
	if err != nil {
		return err
	}
	if conn == nil {
		return domain.ErrNoActiveConnection
	}

	if refreshToken, err := s.vault.DecryptToken(conn.RefreshToken); err == nil && s.oauth.Configured() {
		if err := s.oauth.Revoke(ctx, refreshToken); err != nil {
			s.log.Warn("qbo.token.revoke_failed", zap.String("org_id", orgID.String()), zap.Error(err))
		}
	}

	ok, err := s.repo.Transition(ctx, s.db, conn.ID, domain.StatusDisconnected, nil, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNoActiveConnection
	}

	s.log.Info("qbo.connection.disconnected",
		zap.String("org_id", orgID.String()),
		zap.String("connection_id", conn.ID.String()),
	)
	_ = s.events.Record(ctx, orgID, eventdomain.EventConnectionDisconnected, eventdomain.EntityAccountingConnection, conn.ID, map[string]any{
		"realm_id": conn.RealmID,
	})
	return nil
}

// UpsertConnection demotes the tenant's active connection and inserts the new
// grant in one transaction. Settings carry over from the previous connection;
// numbering is detected again from the realm.
func (s *Service) UpsertConnection(ctx context.Context, req domain.UpsertRequest) (*domain.Connection, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	realmID := strings.TrimSpace(req.RealmID)
	if realmID == "" {
		return nil, domain.ErrInvalidRealm
	}

	now := s.clock.Now()
	stored, err := s.sealTokens(req.Tokens, now, nil)
	if err != nil {
		return nil, err
	}

	settings := domain.Settings{}
	previous, err := s.repo.FindLatest(ctx, s.db, req.OrgID)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		settings = domain.ParseSettings(previous.Settings)
	}
	settings.Numbering = s.detectNumbering(ctx, req.OrgID, qbo.Credentials{
		AccessToken: req.Tokens.AccessToken,
		RealmID:     realmID,
	})

	conn := &domain.Connection{
		ID:                    s.genID.Generate(),
		OrgID:                 req.OrgID,
		Provider:              domain.ProviderQBO,
		RealmID:               realmID,
		AccessToken:           stored.AccessToken,
		RefreshToken:          stored.RefreshToken,
		TokenExpiresAt:        stored.TokenExpiresAt,
		RefreshTokenExpiresAt: stored.RefreshTokenExpiresAt,
		Status:                domain.StatusActive,
		Settings:              settings.JSON(),
		LastRefreshedAt:       &now,
		ConnectedAt:           now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	var demoted int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.repo.DemoteActive(ctx, tx, req.OrgID, now)
		if err != nil {
			return err
		}
		demoted = n
		return s.repo.Insert(ctx, tx, conn)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("concurrent connection upsert for org %s: %w", req.OrgID, err)
		}
		return nil, err
	}

	s.log.Info("qbo.connection.connected",
		zap.String("org_id", req.OrgID.String()),
		zap.String("connection_id", conn.ID.String()),
		zap.String("realm_id", realmID),
		zap.Int64("demoted", demoted),
		zap.String("numbering", settings.Numbering.Pattern),
	)
	_ = s.events.Record(ctx, req.OrgID, eventdomain.EventConnectionConnected, eventdomain.EntityAccountingConnection, conn.ID, map[string]any{
		"realm_id":  realmID,
		"demoted":   demoted,
		"numbering": settings.Numbering.Pattern,
	})
	return conn, nil
}

func (s *Service) detectNumbering(ctx context.Context, orgID snowflake.ID, creds qbo.Credentials) qbo.NumberingSettings {
	if s.numbers == nil {
		return qbo.DefaultNumbering()
	}
	numbers, err := s.numbers.RecentInvoiceNumbers(ctx, creds, numberingSample)
	if err != nil {
		s.log.Warn("qbo.numbering.detect_failed", zap.String("org_id", orgID.String()), zap.Error(err))
		return qbo.DefaultNumbering()
	}
	return qbo.DetectNumbering(numbers)
}

// AuthorizeURL returns the provider consent URL. The state parameter is the
// tenant id sealed by the vault with an expiry, so the callback can trust it.
func (s *Service) AuthorizeURL(ctx context.Context, orgID snowflake.ID) (string, error) {
	if orgID == 0 {
		return "", domain.ErrInvalidOrganization
	}
	if !s.oauth.Configured() {
		return "", domain.ErrOAuthNotConfigured
	}
	expires := s.clock.Now().Add(oauthStateTTL).Unix()
	state, err := s.vault.EncryptToken(orgID.String() + "." + strconv.FormatInt(expires, 10))
	if err != nil {
		return "", err
	}
	return s.oauth.AuthorizeURL(state), nil
}

func (s *Service) CompleteOAuth(ctx context.Context, state, code, realmID string) (*domain.Connection, error) {
	orgID, err := s.parseState(state)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, domain.ErrInvalidState
	}
	tokens, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.UpsertConnection(ctx, domain.UpsertRequest{OrgID: orgID, RealmID: realmID, Tokens: tokens})
}

func (s *Service) parseState(state string) (snowflake.ID, error) {
	plain, err := s.vault.DecryptToken(state)
	if err != nil {
		return 0, domain.ErrInvalidState
	}
	orgPart, expiryPart, ok := strings.Cut(plain, ".")
	if !ok {
		return 0, domain.ErrInvalidState
	}
	expires, err := strconv.ParseInt(expiryPart, 10, 64)
	if err != nil || s.clock.Now().Unix() > expires {
		return 0, domain.ErrInvalidState
	}
	orgID, err := snowflake.ParseString(orgPart)
	if err != nil || orgID == 0 {
		return 0, domain.ErrInvalidState
	}
	return orgID, nil
}

// Diagnostics is a read-only health view for operators.
func (s *Service) Diagnostics(ctx context.Context, orgID snowflake.ID) (domain.Diagnostics, error) {
	if orgID == 0 {
		return domain.Diagnostics{}, domain.ErrInvalidOrganization
	}
	out := domain.Diagnostics{RecentFailures: []domain.FailureSummary{}}

	conn, err := s.repo.FindLatest(ctx, s.db, orgID)
	if err != nil {
		return out, err
	}
	if conn != nil {
		expires := conn.TokenExpiresAt
		out.Connected = conn.Status == domain.StatusActive
		out.Status = conn.Status
		out.RealmID = conn.RealmID
		out.TokenExpiresAt = &expires
		out.RefreshTokenExpiresAt = conn.RefreshTokenExpiresAt
		out.RefreshFailureCount = conn.RefreshFailureCount
		out.LastError = conn.LastError
		out.LastRefreshedAt = conn.LastRefreshedAt
		out.LastSyncedAt = conn.LastSyncedAt
		out.ReconnectRequired = conn.Status == domain.StatusExpired || conn.Status == domain.StatusError
	}

	stats, err := s.queue.Stats(ctx, orgID, outboxdomain.SyncJobTypes)
	if err != nil {
		return out, err
	}
	out.PendingJobs = stats.Pending
	out.ProcessingJobs = stats.Processing
	out.FailedJobs = stats.Failed
	for _, job := range stats.RecentFailures {
		summary := domain.FailureSummary{JobID: job.ID, JobType: job.JobType, FailedAt: job.UpdatedAt}
		if job.LastError != nil {
			summary.LastError = *job.LastError
		}
		out.RecentFailures = append(out.RecentFailures, summary)
	}

	out.InvoicesInError, err = s.repo.CountInvoicesInError(ctx, s.db, orgID)
	if err != nil {
		return out, err
	}
	return out, nil
}

// KeepaliveSweep force-refreshes connections whose refresh token lapses
// within the keepalive horizon. Failures are counted, not returned, so one
// bad tenant does not stop the sweep.
func (s *Service) KeepaliveSweep(ctx context.Context, limit int) (domain.KeepaliveResult, error) {
	policy := s.policy.Get()
	if limit <= 0 {
		limit = policy.KeepaliveBatch
	}

	var result domain.KeepaliveResult
	err := s.locker.WithLock(ctx, keepaliveLockKey, keepaliveLockTTL, func(ctx context.Context) error {
		candidates, err := s.repo.ListExpiringRefreshTokens(ctx, s.db, s.clock.Now().Add(policy.KeepaliveHorizon), limit)
		if err != nil {
			return err
		}
		result.Scanned = len(candidates)
		for i := range candidates {
			conn := candidates[i]
			if _, err := s.refresh(ctx, &conn, triggerKeepalive, true); err != nil {
				result.Failed++
				s.log.Warn("qbo.keepalive.refresh_failed",
					zap.String("org_id", conn.OrgID.String()),
					zap.String("connection_id", conn.ID.String()),
					zap.Error(err),
				)
				continue
			}
			result.Refreshed++
		}
		return nil
	})
	if errors.Is(err, ratelimit.ErrLockHeld) {
		s.log.Info("qbo.keepalive.skipped_locked")
		return domain.KeepaliveResult{Locked: true}, nil
	}
	if err != nil {
		return result, err
	}

	s.log.Info("qbo.keepalive.completed",
		zap.Int("scanned", result.Scanned),
		zap.Int("refreshed", result.Refreshed),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (s *Service) ActiveSettings(ctx context.Context, orgID snowflake.ID) (domain.Settings, bool, error) {
	conn, err := s.repo.FindActive(ctx, s.db, orgID)
	if err != nil {
		return domain.Settings{}, false, err
	}
	if conn == nil {
		return domain.Settings{}, false, nil
	}
	return domain.ParseSettings(conn.Settings), true, nil
}

func (s *Service) UpdateSettings(ctx context.Context, orgID snowflake.ID, patch domain.SettingsPatch) (domain.Settings, error) {
	conn, err := s.repo.FindActive(ctx, s.db, orgID)
	if err != nil {
		return domain.Settings{}, err
	}
	if conn == nil {
		return domain.Settings{}, domain.ErrNoActiveConnection
	}
	settings := domain.ParseSettings(conn.Settings).Apply(patch)
	if err := s.repo.UpdateSettings(ctx, s.db, conn.ID, settings.JSON(), s.clock.Now()); err != nil {
		return domain.Settings{}, err
	}
	return settings, nil
}

func (s *Service) MarkHealthy(ctx context.Context, orgID snowflake.ID) error {
	return s.repo.SetLastError(ctx, s.db, orgID, nil, s.clock.Now())
}

func (s *Service) RecordError(ctx context.Context, orgID snowflake.ID, message string) error {
	message = text.Truncate(message, 500)
	return s.repo.SetLastError(ctx, s.db, orgID, &message, s.clock.Now())
}

