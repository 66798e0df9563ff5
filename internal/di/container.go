package di

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/stitchfield/orders-api/internal/handlers"
	"github.com/stitchfield/orders-api/internal/payments"
	"github.com/stitchfield/orders-api/internal/platform/auth"
	"github.com/stitchfield/orders-api/internal/platform/config"
	pfirestore "github.com/stitchfield/orders-api/internal/platform/firestore"
	"github.com/stitchfield/orders-api/internal/platform/idempotency"
	"github.com/stitchfield/orders-api/internal/platform/jobs"
	"github.com/stitchfield/orders-api/internal/platform/observability"
	"github.com/stitchfield/orders-api/internal/repositories"
	fsrepo "github.com/stitchfield/orders-api/internal/repositories/firestore"
	"github.com/stitchfield/orders-api/internal/repositories/memory"
	"github.com/stitchfield/orders-api/internal/services"
)

// Container wires repositories, services, and the HTTP surface for runtime use.
type Container struct {
	Config  config.Config
	Logger  *zap.Logger
	Handler http.Handler

	Orders      services.OrderService
	Progression services.ProgressionService
	Linking     services.LinkingService

	firestore    *pfirestore.Provider
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
}

// NewContainer constructs the runtime dependencies. Without a Firestore
// project the container falls back to in-memory storage, which is only
// suitable for local development.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{
		Config: cfg,
		Logger: logger,
	}

	ordersRepo, countersRepo, idemStore, err := c.buildStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := c.buildPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	settler, err := buildSettler(cfg, logger)
	if err != nil {
		return nil, err
	}

	policy := services.OrderPolicy{
		CancelWindow:   cfg.Orders.CancelWindow,
		GuestRetention: cfg.Orders.GuestRetention,
		Thresholds:     cfg.Progression.Thresholds,
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:   ordersRepo,
		Counters: countersRepo,
		Settler:  settler,
		Events:   publisher,
		Policy:   policy,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}
	c.Orders = orderSvc

	progressionSvc, err := services.NewProgressionService(services.ProgressionServiceDeps{
		Orders: ordersRepo,
		Events: publisher,
		Policy: policy,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build progression service: %w", err)
	}
	c.Progression = progressionSvc

	linkingSvc, err := services.NewLinkingService(services.LinkingServiceDeps{
		Orders: ordersRepo,
		Events: publisher,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build linking service: %w", err)
	}
	c.Linking = linkingSvc

	authn, err := buildAuthenticator(cfg, logger)
	if err != nil {
		return nil, err
	}

	c.Handler = c.buildRouter(cfg, logger, authn, idemStore)
	return c, nil
}

// Close releases held clients. The container cannot be reused afterwards.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.pubsubTopic != nil {
		c.pubsubTopic.Stop()
	}
	if c.pubsubClient != nil {
		if err := c.pubsubClient.Close(); err != nil {
			return err
		}
	}
	if c.firestore != nil {
		return c.firestore.Close(ctx)
	}
	return nil
}

func (c *Container) buildStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.OrderRepository, repositories.CounterRepository, idempotency.Store, error) {
	if strings.TrimSpace(cfg.Firestore.ProjectID) == "" && strings.TrimSpace(cfg.Firestore.EmulatorHost) == "" {
		logger.Warn("no firestore project configured, using in-memory storage")
		return memory.NewOrderRepository(), memory.NewCounterRepository(), idempotency.NewMemoryStore(), nil
	}

	provider := pfirestore.NewProvider(pfirestore.Config{
		ProjectID:    cfg.Firestore.ProjectID,
		EmulatorHost: cfg.Firestore.EmulatorHost,
	})
	c.firestore = provider

	client, err := provider.Client(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect firestore: %w", err)
	}

	ordersRepo, err := fsrepo.NewOrderRepository(provider)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build order repository: %w", err)
	}
	countersRepo, err := fsrepo.NewCounterRepository(provider)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build counter repository: %w", err)
	}
	return ordersRepo, countersRepo, idempotency.NewFirestoreStore(client), nil
}

func (c *Container) buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.OrderEventPublisher, error) {
	projectID := strings.TrimSpace(cfg.PubSub.ProjectID)
	topicName := strings.TrimSpace(cfg.PubSub.Topic)
	if projectID == "" || topicName == "" {
		logger.Warn("pubsub not configured, order events will not be published")
		return nil, nil
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("connect pubsub: %w", err)
	}
	c.pubsubClient = client
	c.pubsubTopic = client.Topic(topicName)

	publisher, err := jobs.NewPubSubOrderEventPublisher(c.pubsubTopic)
	if err != nil {
		return nil, fmt.Errorf("build event publisher: %w", err)
	}
	return publisher, nil
}

func buildSettler(cfg config.Config, logger *zap.Logger) (payments.RefundSettler, error) {
	if strings.TrimSpace(cfg.Payments.StripeAPIKey) == "" {
		logger.Warn("stripe not configured, refunds will not reach the payment provider")
		return payments.NopSettler{}, nil
	}
	settler, err := payments.NewStripeSettler(payments.StripeSettlerConfig{
		APIKey: cfg.Payments.StripeAPIKey,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build stripe settler: %w", err)
	}
	return settler, nil
}

func buildAuthenticator(cfg config.Config, logger *zap.Logger) (*auth.Authenticator, error) {
	if strings.TrimSpace(cfg.Auth.SessionSigningKey) == "" {
		logger.Warn("no session signing key configured, account endpoints are disabled")
		return nil, nil
	}
	verifier, err := auth.NewSessionVerifier(cfg.Auth.SessionSigningKey)
	if err != nil {
		return nil, fmt.Errorf("build session verifier: %w", err)
	}
	return auth.NewAuthenticator(verifier), nil
}

func (c *Container) buildRouter(cfg config.Config, logger *zap.Logger, authn *auth.Authenticator, idemStore idempotency.Store) http.Handler {
	idemMiddleware := idempotency.Middleware(idemStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger),
	)

	checks := []handlers.ReadinessCheck{}
	if c.firestore != nil {
		checks = append(checks, handlers.ReadinessCheck{
			Name: "firestore",
			Probe: func(ctx context.Context) error {
				_, err := c.firestore.Client(ctx)
				return err
			},
		})
	}
	if c.pubsubTopic != nil {
		checks = append(checks, handlers.ReadinessCheck{
			Name: "pubsub",
			Probe: func(ctx context.Context) error {
				_, err := c.pubsubTopic.Exists(ctx)
				return err
			},
		})
	}

	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(checks...)),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(authn, c.Orders).Routes),
		handlers.WithOrderMiddlewares(idemMiddleware),
		handlers.WithTrackingRoutes(handlers.NewTrackingHandlers(c.Orders).Routes),
		handlers.WithLinkingRoutes(handlers.NewLinkingHandlers(authn, c.Linking).Routes),
		handlers.WithInternalRoutes(handlers.NewInternalHandlers(c.Progression).Routes),
		handlers.WithInternalMiddlewares(auth.InternalOnly(cfg.Auth.InternalToken)),
	)
}
