package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/events/domain"
	"github.com/smallbiznis/sitebridge/internal/orgcontext"
	"github.com/smallbiznis/sitebridge/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Recorder {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("events.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Record appends an event. Callers must not hold an open transaction on the
// same pool when calling it.
func (s *Service) Record(ctx context.Context, orgID snowflake.ID, eventType, entityType string, entityID snowflake.ID, payload map[string]any) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return domain.ErrInvalidEventType
	}
	if orgID == 0 {
		return domain.ErrInvalidOrganization
	}

	body := map[string]any{}
	for key, value := range payload {
		if key == "" {
			continue
		}
		body[key] = value
	}
	if requestID := orgcontext.RequestIDFromContext(ctx); requestID != "" {
		body["request_id"] = requestID
	}
	if actorType, actorID := orgcontext.ActorFromContext(ctx); actorType != "" {
		body["actor_type"] = actorType
		if actorID != "" {
			body["actor_id"] = actorID
		}
	}

	now := s.clock.Now()
	event := domain.Event{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		OrgID:      orgID,
		EventType:  eventType,
		EntityType: strings.TrimSpace(entityType),
		EntityID:   entityID,
		Payload:    datatypes.JSONMap(body),
		CreatedAt:  now,
	}

	if err := s.repo.Insert(ctx, s.db, &event); err != nil {
		s.log.Warn("failed to record event",
			zap.String("event_type", eventType),
			zap.String("org_id", orgID.String()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req domain.ListEventsRequest) (domain.ListEventsResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ListEventsResponse{}, domain.ErrInvalidOrganization
	}

	var afterID string
	if token := strings.TrimSpace(req.PageToken); token != "" {
		decoded, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListEventsResponse{}, domain.ErrInvalidPageToken
		}
		if _, err := ulid.ParseStrict(decoded.ID); err != nil {
			return domain.ListEventsResponse{}, domain.ErrInvalidPageToken
		}
		afterID = decoded.ID
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		OrgID:      orgID,
		EventType:  req.EventType,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		AfterID:    afterID,
		Limit:      pageSize,
	})
	if err != nil {
		return domain.ListEventsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(e *domain.Event) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: e.ID})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	resp := domain.ListEventsResponse{Events: items}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}
