package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/sitebridge/internal/observability/metrics"
	"github.com/smallbiznis/sitebridge/internal/portal/domain"
	dbpkg "github.com/smallbiznis/sitebridge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	bcryptCost     = 10
	pinMaxAttempts = 5
	pinLockout     = 15 * time.Minute

	methodPIN = "pin"
)

// dummyHash is compared against when no password exists so unknown emails
// cost the same as wrong passwords.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sitebridge-portal-placeholder"), bcryptCost)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Hasher  *BidTokenHasher
	Metrics *obsmetrics.SyncMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	hasher  *BidTokenHasher
	metrics *obsmetrics.SyncMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("portal.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		hasher:  p.Hasher,
		metrics: p.Metrics,
	}
}

// AuthenticateWithToken resolves the access token, claims or logs into the
// tenant account for the email, binds the account to the token's scope and
// issues a session.
func (s *Service) AuthenticateWithToken(ctx context.Context, req domain.AuthenticateRequest) (*domain.AuthResult, error) {
	req.Token = strings.TrimSpace(req.Token)
	req.Email = domain.NormalizeEmail(req.Email)
	method := string(req.Mode)
	log := logger.WithContext(ctx, s.log).With(
		zap.String("mode", method),
		zap.String("token_type", string(req.TokenType)),
	)

	if err := req.Validate(); err != nil {
		s.metrics.IncPortalAuth(method, obsmetrics.AuthOutcomeRejected)
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	now := s.clock.Now()
	scope, err := s.resolveScope(ctx, req.Token, req.TokenType, now)
	if err != nil {
		s.metrics.IncPortalAuth(method, obsmetrics.AuthOutcomeRejected)
		log.Info("portal.auth.rejected", zap.Error(err))
		return nil, err
	}

	account, created, err := s.resolveAccount(ctx, scope.OrgID, req, now)
	if err != nil {
		s.metrics.IncPortalAuth(method, obsmetrics.AuthOutcomeRejected)
		log.Info("portal.auth.rejected", zap.String("org_id", scope.OrgID.String()), zap.Error(err))
		return nil, err
	}
	if account.Status != domain.StatusActive {
		s.metrics.IncPortalAuth(method, obsmetrics.AuthOutcomeRejected)
		log.Info("portal.auth.inactive_account",
			zap.String("account_id", account.ID.String()),
			zap.String("status", string(account.Status)),
		)
		return nil, domain.ErrAccountInactive
	}

	rawToken, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	session := &domain.Session{
		ID:               s.genID.Generate(),
		OrgID:            scope.OrgID,
		AccountID:        account.ID,
		SessionTokenHash: hashSessionToken(rawToken),
		ExpiresAt:        now.Add(domain.SessionTTL),
		LastSeenAt:       &now,
		IPAddress:        optional(req.IPAddress),
		UserAgent:        optional(req.UserAgent),
		CreatedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpsertGrant(ctx, tx, &domain.Grant{
			ID:            s.genID.Generate(),
			OrgID:         scope.OrgID,
			AccountID:     account.ID,
			TokenType:     scope.TokenType,
			AccessTokenID: scope.AccessTokenID,
			Status:        domain.StatusActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			return err
		}
		if err := s.repo.InsertSession(ctx, tx, session); err != nil {
			return err
		}
		return s.repo.TouchLogin(ctx, tx, account.ID, now)
	})
	if err != nil {
		return nil, err
	}
	account.LastLoginAt = &now

	s.metrics.IncPortalAuth(method, obsmetrics.AuthOutcomeSuccess)
	log.Info("portal.auth.success",
		zap.String("org_id", scope.OrgID.String()),
		zap.String("account_id", account.ID.String()),
		zap.Bool("created", created),
	)
	return &domain.AuthResult{
		Account:      account,
		Scope:        *scope,
		SessionToken: rawToken,
		ExpiresAt:    session.ExpiresAt,
		Created:      created,
	}, nil
}

func (s *Service) resolveScope(ctx context.Context, token string, tokenType domain.TokenType, now time.Time) (*domain.Scope, error) {
	switch tokenType {
	case domain.TokenTypePortal:
		t, err := s.repo.FindPortalToken(ctx, s.db, token)
		if err != nil {
			return nil, err
		}
		if !t.Usable(now) {
			return nil, domain.ErrInvalidAccessToken
		}
		projectID := t.ProjectID
		return &domain.Scope{
			OrgID:         t.OrgID,
			TokenType:     domain.TokenTypePortal,
			AccessTokenID: t.ID,
			ProjectID:     &projectID,
			PortalType:    t.PortalType,
		}, nil

	case domain.TokenTypeBid:
		t, err := s.repo.FindBidTokenByHash(ctx, s.db, s.hasher.Hash(token))
		if err != nil {
			return nil, err
		}
		if !t.Usable(now) {
			return nil, domain.ErrInvalidAccessToken
		}
		invite, err := s.repo.FindBidInvite(ctx, s.db, t.OrgID, t.BidInviteID)
		if err != nil {
			return nil, err
		}
		if invite == nil || invite.Status != domain.StatusActive {
			return nil, domain.ErrInvalidAccessToken
		}
		inviteID, packageID := invite.ID, invite.BidPackageID
		return &domain.Scope{
			OrgID:         t.OrgID,
			TokenType:     domain.TokenTypeBid,
			AccessTokenID: t.ID,
			BidInviteID:   &inviteID,
			BidPackageID:  &packageID,
		}, nil
	}
	return nil, domain.ErrInvalidAccessToken
}

// resolveAccount returns the account for the email. Claim creates it when
// missing; an existing account always needs the right password.
func (s *Service) resolveAccount(ctx context.Context, orgID snowflake.ID, req domain.AuthenticateRequest, now time.Time) (*domain.Account, bool, error) {
	account, err := s.repo.FindAccountByEmail(ctx, s.db, orgID, req.Email)
	if err != nil {
		return nil, false, err
	}
	if account != nil {
		account, err = s.verifyPassword(ctx, account, req, now)
		return account, false, err
	}
	if req.Mode != domain.ModeClaim {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
		return nil, false, domain.ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		return nil, false, err
	}
	hashed := string(hash)
	account = &domain.Account{
		ID:           s.genID.Generate(),
		OrgID:        orgID,
		Email:        req.Email,
		FullName:     optional(req.FullName),
		PasswordHash: &hashed,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.InsertAccount(ctx, s.db, account); err != nil {
		if !dbpkg.IsDuplicateKeyErr(err) {
			return nil, false, err
		}
		// A concurrent claim won; authenticate against its account.
		winner, ferr := s.repo.FindAccountByEmail(ctx, s.db, orgID, req.Email)
		if ferr != nil {
			return nil, false, ferr
		}
		if winner == nil {
			return nil, false, err
		}
		winner, err = s.verifyPassword(ctx, winner, req, now)
		return winner, false, err
	}
	return account, true, nil
}

func (s *Service) verifyPassword(ctx context.Context, account *domain.Account, req domain.AuthenticateRequest, now time.Time) (*domain.Account, error) {
	if account.PasswordHash == nil {
		if req.Mode != domain.ModeClaim {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
			return nil, domain.ErrInvalidCredentials
		}
		// Invited account claimed for the first time.
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
		if err != nil {
			return nil, err
		}
		updated, err := s.repo.SetInitialPassword(ctx, s.db, account.ID, string(hash), optional(req.FullName), now)
		if err != nil {
			return nil, err
		}
		if updated == 0 {
			current, err := s.repo.FindAccountByID(ctx, s.db, account.ID)
			if err != nil {
				return nil, err
			}
			if current == nil || current.PasswordHash == nil {
				return nil, domain.ErrInvalidCredentials
			}
			return s.verifyPassword(ctx, current, req, now)
		}
		hashed := string(hash)
		account.PasswordHash = &hashed
		return account, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(*account.PasswordHash), []byte(req.Password)) != nil {
		return nil, domain.ErrInvalidCredentials
	}
	return account, nil
}

// ValidateSession requires a known, unrevoked, unexpired session whose
// account is still active.
func (s *Service) ValidateSession(ctx context.Context, rawToken string) (*domain.SessionView, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return nil, domain.ErrInvalidSession
	}
	session, err := s.repo.FindSessionByHash(ctx, s.db, hashSessionToken(token))
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrInvalidSession
	}

	now := s.clock.Now()
	if session.RevokedAt != nil {
		return nil, domain.ErrSessionRevoked
	}
	if !now.Before(session.ExpiresAt) {
		return nil, domain.ErrSessionExpired
	}

	account, err := s.repo.FindAccountByID(ctx, s.db, session.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrInvalidSession
	}
	if account.Status != domain.StatusActive {
		return nil, domain.ErrAccountInactive
	}

	if err := s.repo.TouchSession(ctx, s.db, session.ID, now); err != nil {
		s.log.Warn("portal.session.touch_failed", zap.String("session_id", session.ID.String()), zap.Error(err))
	} else {
		session.LastSeenAt = &now
	}
	return &domain.SessionView{Session: session, Account: account}, nil
}

// AuthorizeAccess checks the session and that its account holds an active
// grant for the access token, which must itself still be usable.
func (s *Service) AuthorizeAccess(ctx context.Context, rawSession, accessToken string, tokenType domain.TokenType) (*domain.SessionView, *domain.Scope, error) {
	view, err := s.ValidateSession(ctx, rawSession)
	if err != nil {
		return nil, nil, err
	}
	scope, err := s.resolveScope(ctx, strings.TrimSpace(accessToken), tokenType, s.clock.Now())
	if err != nil {
		return nil, nil, err
	}
	if scope.OrgID != view.Account.OrgID {
		return nil, nil, domain.ErrAccessDenied
	}
	grant, err := s.repo.FindGrant(ctx, s.db, view.Account.ID, scope.TokenType, scope.AccessTokenID)
	if err != nil {
		return nil, nil, err
	}
	if grant == nil || grant.Status != domain.StatusActive {
		return nil, nil, domain.ErrAccessDenied
	}
	return view, scope, nil
}

func (s *Service) Logout(ctx context.Context, rawToken string) error {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return domain.ErrInvalidSession
	}
	session, err := s.repo.FindSessionByHash(ctx, s.db, hashSessionToken(token))
	if err != nil {
		return err
	}
	if session == nil {
		return domain.ErrInvalidSession
	}
	if _, err := s.repo.RevokeSession(ctx, s.db, session.ID, s.clock.Now()); err != nil {
		return err
	}
	s.log.Info("portal.session.logout",
		zap.String("session_id", session.ID.String()),
		zap.String("account_id", session.AccountID.String()),
	)
	return nil
}

// VerifyPIN checks the PIN guarding a portal link. While the link is locked
// the PIN is not checked at all.
func (s *Service) VerifyPIN(ctx context.Context, accessToken, pin string) (*domain.PINResult, error) {
	now := s.clock.Now()
	token, err := s.repo.FindPortalToken(ctx, s.db, strings.TrimSpace(accessToken))
	if err != nil {
		return nil, err
	}
	if !token.Usable(now) {
		return nil, domain.ErrInvalidAccessToken
	}
	if token.PINHash == nil {
		return nil, domain.ErrPINNotConfigured
	}

	if token.PINLockedUntil != nil {
		if now.Before(*token.PINLockedUntil) {
			s.metrics.IncPortalAuth(methodPIN, obsmetrics.AuthOutcomeLocked)
			return &domain.PINResult{Locked: true, LockedUntil: token.PINLockedUntil}, nil
		}
		// Lockout elapsed; start a fresh window.
		if err := s.repo.ResetPIN(ctx, s.db, token.ID); err != nil {
			return nil, err
		}
		token.PINAttempts = 0
	}

	if bcrypt.CompareHashAndPassword([]byte(*token.PINHash), []byte(pin)) == nil {
		if token.PINAttempts > 0 {
			if err := s.repo.ResetPIN(ctx, s.db, token.ID); err != nil {
				return nil, err
			}
		}
		s.metrics.IncPortalAuth(methodPIN, obsmetrics.AuthOutcomeSuccess)
		return &domain.PINResult{Verified: true, AttemptsRemaining: pinMaxAttempts}, nil
	}

	lockedUntil := now.Add(pinLockout)
	if err := s.repo.RecordPINFailure(ctx, s.db, token.ID, pinMaxAttempts, lockedUntil); err != nil {
		return nil, err
	}
	current, err := s.repo.FindPortalTokenByID(ctx, s.db, token.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrInvalidAccessToken
	}

	result := &domain.PINResult{AttemptsRemaining: max(pinMaxAttempts-current.PINAttempts, 0)}
	if current.PINLockedUntil != nil && now.Before(*current.PINLockedUntil) {
		result.Locked = true
		result.LockedUntil = current.PINLockedUntil
		s.metrics.IncPortalAuth(methodPIN, obsmetrics.AuthOutcomeLocked)
		s.log.Warn("portal.pin.locked",
			zap.String("token_id", token.ID.String()),
			zap.Time("locked_until", *current.PINLockedUntil),
		)
		return result, nil
	}
	s.metrics.IncPortalAuth(methodPIN, obsmetrics.AuthOutcomeRejected)
	return result, nil
}

func (s *Service) SetPIN(ctx context.Context, tokenID snowflake.ID, pin string) error {
	pin = strings.TrimSpace(pin)
	if len(pin) < 4 {
		return domain.ErrInvalidPIN
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcryptCost)
	if err != nil {
		return err
	}
	updated, err := s.repo.SetPINHash(ctx, s.db, tokenID, string(hash))
	if err != nil {
		return err
	}
	if updated == 0 {
		return domain.ErrTokenNotFound
	}
	return nil
}

// SetAccountStatus changes the account status. Pausing or revoking revokes
// every live session of the account in the same transaction.
func (s *Service) SetAccountStatus(ctx context.Context, orgID, accountID snowflake.ID, status domain.Status) error {
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}
	now := s.clock.Now()
	var revoked int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.SetAccountStatus(ctx, tx, orgID, accountID, status, now)
		if err != nil {
			return err
		}
		if updated == 0 {
			return domain.ErrAccountNotFound
		}
		if status == domain.StatusActive {
			return nil
		}
		revoked, err = s.repo.RevokeAccountSessions(ctx, tx, accountID, now)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info("portal.account.status_changed",
		zap.String("org_id", orgID.String()),
		zap.String("account_id", accountID.String()),
		zap.String("status", string(status)),
		zap.Int64("sessions_revoked", revoked),
	)
	return nil
}

// SetBidInviteStatus cascades the invite status to every grant held on the
// invite's bid tokens. Reactivation restores paused grants only.
func (s *Service) SetBidInviteStatus(ctx context.Context, orgID, inviteID snowflake.ID, status domain.Status) error {
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}
	now := s.clock.Now()
	var cascaded int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.SetBidInviteStatus(ctx, tx, orgID, inviteID, status, now)
		if err != nil {
			return err
		}
		if updated == 0 {
			return domain.ErrInviteNotFound
		}

		var from []domain.Status
		switch status {
		case domain.StatusActive:
			from = []domain.Status{domain.StatusPaused}
		case domain.StatusPaused:
			from = []domain.Status{domain.StatusActive}
		case domain.StatusRevoked:
			from = []domain.Status{domain.StatusActive, domain.StatusPaused}
		}
		cascaded, err = s.repo.SetInviteGrantsStatus(ctx, tx, inviteID, from, status, now)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info("portal.bid_invite.status_changed",
		zap.String("org_id", orgID.String()),
		zap.String("invite_id", inviteID.String()),
		zap.String("status", string(status)),
		zap.Int64("grants_updated", cascaded),
	)
	return nil
}

// IssueBidToken mints a bid link token for an invite. Only its HMAC is
// stored, so the returned value cannot be recovered later.
func (s *Service) IssueBidToken(ctx context.Context, orgID, inviteID snowflake.ID, expiresAt *time.Time) (string, error) {
	invite, err := s.repo.FindBidInvite(ctx, s.db, orgID, inviteID)
	if err != nil {
		return "", err
	}
	if invite == nil {
		return "", domain.ErrInviteNotFound
	}
	raw, err := newOpaqueToken()
	if err != nil {
		return "", err
	}
	if err := s.repo.InsertBidToken(ctx, s.db, &domain.BidAccessToken{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		BidInviteID: invite.ID,
		TokenHash:   s.hasher.Hash(raw),
		ExpiresAt:   expiresAt,
		CreatedAt:   s.clock.Now(),
	}); err != nil {
		return "", err
	}
	return raw, nil
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

// IsAuthFailure reports errors that callers must surface as a generic
// rejection.
func IsAuthFailure(err error) bool {
	return errors.Is(err, domain.ErrInvalidCredentials) ||
		errors.Is(err, domain.ErrInvalidAccessToken) ||
		errors.Is(err, domain.ErrAccountInactive)
}
