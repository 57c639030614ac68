package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/notification/domain"
	"github.com/smallbiznis/sitebridge/internal/notification/email"
	"github.com/smallbiznis/sitebridge/internal/observability/logger"
	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"github.com/smallbiznis/sitebridge/pkg/text"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxErrorLength = 500

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Queue  outboxdomain.Enqueuer
	Sender email.Provider
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   domain.Repository
	queue  outboxdomain.Enqueuer
	sender email.Provider
}

func NewService(p Params) *Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("notification.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		queue:  p.Queue,
		sender: p.Sender,
	}
}

// Create stores a notification and its delivery job atomically.
func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Notification, error) {
	var out *domain.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.CreateTx(ctx, tx, req)
		return err
	})
	return out, err
}

// CreateTx is Create inside the caller's transaction, so the notification
// only exists if the caller's own writes commit.
func (s *Service) CreateTx(ctx context.Context, tx *gorm.DB, req domain.CreateRequest) (*domain.Notification, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.RecipientEmail))
	if err != nil {
		return nil, domain.ErrInvalidRecipient
	}

	n := &domain.Notification{
		ID:             s.genID.Generate(),
		OrgID:          req.OrgID,
		RecipientEmail: addr.Address,
		Subject:        strings.TrimSpace(req.Subject),
		Body:           req.Body,
		Status:         domain.StatusPending,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.repo.Insert(ctx, tx, n); err != nil {
		return nil, err
	}
	if _, err := s.queue.EnqueueTx(ctx, tx, outboxdomain.EnqueueRequest{
		OrgID:   req.OrgID,
		Payload: outboxdomain.DeliverNotificationPayload{NotificationID: n.ID},
	}); err != nil {
		return nil, err
	}
	return n, nil
}

// Deliver sends a pending notification once. The failure is persisted on the
// row before it is returned to the queue.
func (s *Service) Deliver(ctx context.Context, id snowflake.ID) error {
	log := logger.WithContext(ctx, s.log).With(zap.String("notification_id", id.String()))

	n, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if n == nil {
		return domain.ErrNotificationNotFound
	}
	if n.Status == domain.StatusSent {
		log.Debug("notification.already_sent")
		return nil
	}

	sendErr := s.sender.Send(ctx, email.Message{
		To:      []string{n.RecipientEmail},
		Subject: n.Subject,
		HTML:    n.Body,
	})
	if sendErr != nil {
		status := domain.StatusPending
		if outboxdomain.Classify(sendErr) == outboxdomain.ClassPermanent {
			status = domain.StatusFailed
		}
		message := text.Truncate(sendErr.Error(), maxErrorLength)
		if err := s.repo.RecordError(ctx, s.db, n.ID, status, message); err != nil {
			return errors.Join(sendErr, err)
		}
		log.Warn("notification.send_failed", zap.String("status", string(status)), zap.Error(sendErr))
		return sendErr
	}

	if _, err := s.repo.MarkSent(ctx, s.db, n.ID, s.clock.Now()); err != nil {
		return err
	}
	log.Info("notification.sent")
	return nil
}

type DeliverHandler struct {
	svc *Service
}

func NewDeliverHandler(svc *Service) *DeliverHandler {
	return &DeliverHandler{svc: svc}
}

func (h *DeliverHandler) JobType() string { return outboxdomain.JobDeliverNotification }

func (h *DeliverHandler) Handle(ctx context.Context, _ outboxdomain.Job, payload outboxdomain.Payload) error {
	p, ok := payload.(outboxdomain.DeliverNotificationPayload)
	if !ok {
		return outboxdomain.Permanent(outboxdomain.ErrInvalidPayload)
	}
	err := h.svc.Deliver(ctx, p.NotificationID)
	if errors.Is(err, domain.ErrNotificationNotFound) {
		return outboxdomain.StaleReference(err)
	}
	return err
}
