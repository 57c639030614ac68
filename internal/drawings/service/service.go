package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/drawings/domain"
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

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Repo      domain.Repository
	Queue     outboxdomain.Enqueuer
	Generator domain.TileGenerator
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	repo      domain.Repository
	queue     outboxdomain.Enqueuer
	generator domain.TileGenerator
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("drawings.service"),
		clock:     p.Clock,
		repo:      p.Repo,
		queue:     p.Queue,
		generator: p.Generator,
	}
}

// RequestTiles queues tile generation for a sheet version. A live job for the
// same version is reused.
func (s *Service) RequestTiles(ctx context.Context, orgID, versionID snowflake.ID) (*outboxdomain.Job, error) {
	version, err := s.repo.FindVersion(ctx, s.db, versionID)
	if err != nil {
		return nil, err
	}
	if version == nil || version.DeletedAt != nil || version.OrgID != orgID {
		return nil, domain.ErrSheetVersionNotFound
	}
	return s.queue.Enqueue(ctx, outboxdomain.EnqueueRequest{
		OrgID:      orgID,
		Payload:    outboxdomain.GenerateDrawingTilesPayload{SheetVersionID: versionID},
		DedupeKeys: []string{"sheetVersionId"},
	})
}

// GenerateTiles renders one sheet version through the tile service. A version
// that is already ready is left alone.
func (s *Service) GenerateTiles(ctx context.Context, versionID snowflake.ID) error {
	log := logger.WithContext(ctx, s.log).With(zap.String("sheet_version_id", versionID.String()))

	version, err := s.repo.FindVersion(ctx, s.db, versionID)
	if err != nil {
		return err
	}
	if version == nil || version.DeletedAt != nil {
		return domain.ErrSheetVersionNotFound
	}
	if version.TileStatus == domain.TileStatusReady {
		log.Debug("drawings.tiles.already_ready")
		return nil
	}

	result, genErr := s.generator.Generate(ctx, domain.TileRequest{
		OrgID:          version.OrgID,
		SheetID:        version.SheetID,
		SheetVersionID: version.ID,
		FileURL:        version.FileURL,
	})
	if genErr != nil {
		status := domain.TileStatusPending
		if outboxdomain.Classify(genErr) == outboxdomain.ClassPermanent {
			status = domain.TileStatusError
		}
		message := text.Truncate(genErr.Error(), maxErrorLength)
		if err := s.repo.MarkError(ctx, s.db, version.ID, status, message); err != nil {
			return errors.Join(genErr, err)
		}
		log.Warn("drawings.tiles.failed", zap.String("status", string(status)), zap.Error(genErr))
		return genErr
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.MarkReady(ctx, tx, version.ID, s.clock.Now()); err != nil {
			return err
		}
		_, err := s.queue.EnqueueTx(ctx, tx, outboxdomain.EnqueueRequest{
			OrgID:   version.OrgID,
			Payload: outboxdomain.RefreshDrawingSheetsListPayload{},
		})
		return err
	})
	if err != nil {
		return err
	}

	fields := []zap.Field{}
	if result != nil {
		fields = append(fields, zap.Int("tile_count", result.TileCount))
	}
	log.Info("drawings.tiles.ready", fields...)
	return nil
}

func (s *Service) RefreshSheetsList(ctx context.Context) error {
	if err := s.repo.RefreshSheetsList(ctx, s.db); err != nil {
		return err
	}
	logger.WithContext(ctx, s.log).Debug("drawings.sheets_list.refreshed")
	return nil
}

type GenerateTilesHandler struct {
	svc *Service
}

func NewGenerateTilesHandler(svc *Service) *GenerateTilesHandler {
	return &GenerateTilesHandler{svc: svc}
}

func (h *GenerateTilesHandler) JobType() string { return outboxdomain.JobGenerateDrawingTiles }

func (h *GenerateTilesHandler) Handle(ctx context.Context, _ outboxdomain.Job, payload outboxdomain.Payload) error {
	p, ok := payload.(outboxdomain.GenerateDrawingTilesPayload)
	if !ok {
		return outboxdomain.Permanent(outboxdomain.ErrInvalidPayload)
	}
	err := h.svc.GenerateTiles(ctx, p.SheetVersionID)
	if errors.Is(err, domain.ErrSheetVersionNotFound) {
		return outboxdomain.StaleReference(err)
	}
	return err
}

type RefreshSheetsListHandler struct {
	svc *Service
}

func NewRefreshSheetsListHandler(svc *Service) *RefreshSheetsListHandler {
	return &RefreshSheetsListHandler{svc: svc}
}

func (h *RefreshSheetsListHandler) JobType() string { return outboxdomain.JobRefreshDrawingSheetsList }

func (h *RefreshSheetsListHandler) Handle(ctx context.Context, _ outboxdomain.Job, _ outboxdomain.Payload) error {
	return h.svc.RefreshSheetsList(ctx)
}
