package sessionService

import (
	"context"

	"PersonDetection/internal/api/session"
	"PersonDetection/internal/api/session/engine"
	"PersonDetection/internal/api/session/registry"
	sessionRepository "PersonDetection/internal/api/session/repository"
	"PersonDetection/internal/entity"
	"PersonDetection/pkg/storage"
	"PersonDetection/pkg/utils"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

type ISessionService interface {
	Create(ctx context.Context) entity.Session
	Upload(ctx context.Context, req session.UploadRequest, files []session.UploadFile) (session.UploadResponse, error)
	Process(ctx context.Context, sessionID string, req session.ProcessRequest) (session.ProcessResponse, error)
	Status(ctx context.Context, sessionID string) (entity.Session, error)
	Download(ctx context.Context, sessionID string) (session.Download, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) []entity.Session
	Subscribe(ctx context.Context, sessionID string) (<-chan entity.Session, func(), error)
	CaptureConfig() session.CaptureConfigResponse
	Runs(ctx context.Context, limit int) ([]entity.ProcessingRun, error)
	RecordRun(out engine.Outcome)
}

type Scheduler interface {
	Submit(job engine.Job) error
	Cancel(sessionID string) bool
}

type Config struct {
	Defaults       entity.SessionConfig
	MaxUploadFiles int
}

type sessionService struct {
	log        *logrus.Logger
	validator  *validator.Validate
	registry   *registry.Registry
	scheduler  Scheduler
	storage    storage.IStorage
	repository sessionRepository.Repository
	utils      utils.IUtils
	cfg        Config
}

// NewSessionService wires the facade. repo may be nil, in which case run
// history is neither written nor listed.
func NewSessionService(
	log *logrus.Logger,
	validator *validator.Validate,
	reg *registry.Registry,
	scheduler Scheduler,
	store storage.IStorage,
	repo sessionRepository.Repository,
	utils utils.IUtils,
	cfg Config,
) ISessionService {
	if cfg.MaxUploadFiles <= 0 {
		cfg.MaxUploadFiles = 200
	}
	return &sessionService{
		log:        log,
		validator:  validator,
		registry:   reg,
		scheduler:  scheduler,
		storage:    store,
		repository: repo,
		utils:      utils,
		cfg:        cfg,
	}
}
