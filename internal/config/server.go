package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"PersonDetection/database"
	detectionHandler "PersonDetection/internal/api/detection/handler"
	detectionService "PersonDetection/internal/api/detection/service"
	"PersonDetection/internal/api/session/engine"
	sessionHandler "PersonDetection/internal/api/session/handler"
	"PersonDetection/internal/api/session/registry"
	sessionRepository "PersonDetection/internal/api/session/repository"
	sessionService "PersonDetection/internal/api/session/service"
	"PersonDetection/internal/middleware"
	"PersonDetection/pkg/detector"
	"PersonDetection/pkg/gemini"
	"PersonDetection/pkg/mqtt"
	"PersonDetection/pkg/notifier"
	"PersonDetection/pkg/rabbitmq"
	"PersonDetection/pkg/redis"
	"PersonDetection/pkg/render"
	"PersonDetection/pkg/s3"
	"PersonDetection/pkg/storage"
	"PersonDetection/pkg/utils"
	websocketPkg "PersonDetection/pkg/websocket"
	"PersonDetection/pkg/yolo"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type ServerOption func(*Server) error

type Server struct {
	engine     *fiber.App
	db         *sqlx.DB
	log        *logrus.Logger
	middleware middleware.Middleware
	validator  *validator.Validate
	utils      utils.IUtils
	appConfig  *AppConfig
	handlers   []handler
	mounted    bool

	storage    storage.IStorage
	detector   detector.IDetector
	dispatcher *notifier.Dispatcher
	registry   *registry.Registry
	scheduler  *engine.Scheduler
	closers    []func()
}

type handler interface {
	Start(srv fiber.Router)
}

func NewServer(options ...ServerOption) (*Server, error) {
	server := &Server{}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if server.engine == nil {
		return nil, fmt.Errorf("fiber app is required")
	}
	if server.log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if server.appConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if server.storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	return server, nil
}

func WithFiber(fiberApp *fiber.App) ServerOption {
	return func(s *Server) error {
		s.engine = fiberApp
		return nil
	}
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithValidator(validator *validator.Validate) ServerOption {
	return func(s *Server) error {
		s.validator = validator
		return nil
	}
}

func WithAppConfig(cfg AppConfig) ServerOption {
	return func(s *Server) error {
		s.appConfig = &cfg
		return nil
	}
}

func WithMiddleware() ServerOption {
	return func(s *Server) error {
		if s.log == nil || s.appConfig == nil {
			return fmt.Errorf("logger and app config must be initialized before middleware")
		}
		s.middleware = middleware.New(s.log, s.appConfig.RateLimitRPS, s.appConfig.RateLimitBurst)
		return nil
	}
}

func WithUtils() ServerOption {
	return func(s *Server) error {
		if s.appConfig == nil {
			return fmt.Errorf("app config must be initialized before utils")
		}
		s.utils = utils.New(s.appConfig.MaxImageSize)
		return nil
	}
}

// WithDatabase opens the run history store. Without DB_DSN the server runs
// without history.
func WithDatabase() ServerOption {
	return func(s *Server) error {
		if s.appConfig == nil {
			return fmt.Errorf("app config must be initialized before database")
		}
		if s.appConfig.DBDSN == "" {
			if s.log != nil {
				s.log.Warn("DB_DSN is empty, run history is disabled")
			}
			return nil
		}

		db, err := database.New(s.appConfig.DBDriver, s.appConfig.DBDSN)
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to connect to database: %v", err)
			}
			return fmt.Errorf("failed to create database connection: %w", err)
		}
		s.db = db
		return nil
	}
}

func WithStorage() ServerOption {
	return func(s *Server) error {
		if s.appConfig == nil || s.log == nil {
			return fmt.Errorf("logger and app config must be initialized before storage")
		}

		switch s.appConfig.StorageDriver {
		case "s3":
			client, err := s3.New()
			if err != nil {
				s.log.Errorf("Failed to initialize S3 client: %v", err)
				return fmt.Errorf("failed to create S3 client: %w", err)
			}
			s.storage = storage.NewObjectStorage(client, s.appConfig.StoragePrefix)
		default:
			fs, err := storage.NewFileStorage(s.appConfig.StorageRoot, s.log)
			if err != nil {
				return fmt.Errorf("failed to create file storage: %w", err)
			}
			s.storage = fs
		}
		return nil
	}
}

func WithDetector(ctx context.Context) ServerOption {
	return func(s *Server) error {
		if s.appConfig == nil || s.log == nil {
			return fmt.Errorf("logger and app config must be initialized before detector")
		}

		switch s.appConfig.DetectorDriver {
		case detector.DriverRemote:
			if s.appConfig.DetectorWSURL == "" {
				return fmt.Errorf("DETECTOR_WS_URL is required for the remote detector")
			}
			// One connection for every detection the workers can have in flight.
			client := websocketPkg.NewAIWebSocketClient(s.appConfig.DetectorWSURL, s.log,
				websocketPkg.WithConnections(s.appConfig.WorkerPoolSize*(s.appConfig.Lookahead+1)))
			s.detector = client
			s.closers = append(s.closers, client.CloseConnections)
		case detector.DriverGemini:
			client, err := gemini.NewGeminiClient(ctx)
			if err != nil {
				s.log.Errorf("Failed to create Gemini client: %v", err)
				return fmt.Errorf("failed to create Gemini client: %w", err)
			}
			s.detector = gemini.NewDetector(client)
			s.closers = append(s.closers, client.Close)
		case detector.DriverGoCV:
			model, err := yolo.New(s.appConfig.YoloModelPath, s.appConfig.YoloConfigPath, s.appConfig.YoloThreshold)
			if err != nil {
				return fmt.Errorf("failed to load detection model: %w", err)
			}
			s.detector = model
			s.closers = append(s.closers, func() {
				if err := model.Close(); err != nil {
					s.log.Warnf("Failed to release detection model: %v", err)
				}
			})
		default:
			s.log.Warn("Detector driver is none, every frame reports zero people")
			s.detector = detector.None()
		}
		return nil
	}
}

// WithNotifier attaches the event publishers whose endpoints are configured.
// A publisher that cannot connect is skipped with a warning.
func WithNotifier() ServerOption {
	return func(s *Server) error {
		if s.appConfig == nil || s.log == nil {
			return fmt.Errorf("logger and app config must be initialized before notifier")
		}

		var publishers []notifier.Publisher

		if s.appConfig.RedisAddress != "" {
			publishers = append(publishers, notifier.NewRedisPublisher(redis.New(s.log), s.appConfig.RedisSnapshotTTL))
		}

		if s.appConfig.RabbitMQURL != "" {
			client, err := rabbitmq.New(s.appConfig.RabbitMQURL, s.appConfig.RabbitMQExchange)
			if err != nil {
				s.log.Warnf("RabbitMQ publisher disabled: %v", err)
			} else {
				publishers = append(publishers, notifier.NewRabbitPublisher(client))
			}
		}

		if s.appConfig.MQTTBroker != "" {
			hostname, _ := os.Hostname()
			client, err := mqtt.New(s.appConfig.MQTTBroker, fmt.Sprintf("person-detection-%s", hostname), s.log)
			if err != nil {
				s.log.Warnf("MQTT publisher disabled: %v", err)
			} else {
				publishers = append(publishers, notifier.NewMQTTPublisher(client, s.appConfig.MQTTTopicPrefix))
			}
		}

		if len(publishers) == 0 {
			return nil
		}
		s.dispatcher = notifier.NewDispatcher(s.log, s.appConfig.NotifierBuffer, publishers...)
		return nil
	}
}

func (s *Server) RegisterHandler() {
	if s.validator == nil {
		s.validator = NewValidator()
	}
	if s.utils == nil {
		s.utils = utils.New(s.appConfig.MaxImageSize)
	}
	if s.middleware == nil {
		s.middleware = middleware.New(s.log, s.appConfig.RateLimitRPS, s.appConfig.RateLimitBurst)
	}
	if s.detector == nil {
		s.detector = detector.None()
	}

	renderer := render.New()

	// Session Domain
	var registryOpts []registry.Option
	if s.dispatcher != nil {
		registryOpts = append(registryOpts, registry.WithObserver(s.dispatcher.Observe))
	}
	s.registry = registry.New(registryOpts...)

	runner := engine.New(s.registry, s.storage, s.detector, renderer, s.log,
		engine.WithLookahead(s.appConfig.Lookahead),
	)
	s.scheduler = engine.NewScheduler(runner, s.registry, s.appConfig.WorkerPoolSize, s.appConfig.SupervisorGrace, s.log)

	var sessionRepo sessionRepository.Repository
	if s.db != nil {
		sessionRepo = sessionRepository.New(s.db, s.log)
	}

	sessionServices := sessionService.NewSessionService(s.log, s.validator, s.registry, s.scheduler, s.storage, sessionRepo, s.utils, sessionService.Config{
		Defaults:       s.appConfig.Defaults,
		MaxUploadFiles: s.appConfig.MaxUploadFiles,
	})
	s.scheduler.OnFinish(sessionServices.RecordRun)
	sessionHandlers := sessionHandler.New(s.log, s.middleware, sessionServices, s.utils)

	// Detection Preview
	detectionServices := detectionService.NewDetectionService(s.log, s.detector, renderer, s.utils, s.appConfig.PreviewTimeout)
	detectionHandlers := detectionHandler.New(s.log, s.validator, s.middleware, detectionServices, s.utils)

	s.setupHealthCheck()
	s.handlers = append(s.handlers, sessionHandlers, detectionHandlers)
}

func (s *Server) mount() {
	if s.mounted {
		return
	}
	s.mounted = true

	s.engine.Use(s.middleware.NewRequestIDMiddleware())
	s.engine.Use(s.middleware.NewLoggingMiddleware)
	if s.appConfig.RateLimitEnabled {
		s.engine.Use(s.middleware.NewRateLimiter)
	}

	router := s.engine.Group("/api/v1")
	for _, h := range s.handlers {
		h.Start(router)
	}
}

func (s *Server) Run() error {
	s.mount()

	if err := s.engine.Listen(fmt.Sprintf(":%s", s.appConfig.Port)); err != nil {
		return err
	}

	return nil
}

// Shutdown stops accepting requests, gives running jobs until ctx expires,
// then drops every session and releases the clients.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.engine.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}

	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if s.registry != nil {
		s.registry.Clear()
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notifier: %w", err))
		}
	}

	for _, closeFn := range s.closers {
		closeFn()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (s *Server) setupHealthCheck() {
	s.engine.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{
			"message": "Server is Healthy!",
		})
	})
}
