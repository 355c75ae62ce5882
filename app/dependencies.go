package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/microapp-gateway/config"
	"github.com/upb/microapp-gateway/handlers"
	"github.com/upb/microapp-gateway/internal/observability"
	"github.com/upb/microapp-gateway/keystore"
	"github.com/upb/microapp-gateway/middleware"
	"github.com/upb/microapp-gateway/oidc"
	"github.com/upb/microapp-gateway/repositories/postgres"
	"github.com/upb/microapp-gateway/services/audit"
)

// auditStopTimeout bounds how long Close waits for queued decisions
const auditStopTimeout = 5 * time.Second

// Dependencies holds everything the gateway needs to serve requests.
// It is the single wiring point of the process; nothing is created lazily.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Identity provider
	HTTPClient *http.Client
	Provider   *oidc.ProviderMetadata
	KeyStore   *keystore.KeyStore
	Client     *oidc.Client

	// Audit trail, nil when DATABASE_URL is unset
	RepoFactory *postgres.RepositoryFactory
	Audit       *audit.Service

	// HTTP
	AuthMiddleware *middleware.AuthMiddleware
	Health         *handlers.HealthHandler
	Resources      *handlers.ResourceHandler
}

// NewDependencies discovers the provider, loads the keystore and builds the
// relying party client and middleware. Any error is fatal for the process.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*Dependencies, error) {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
	}

	if err := deps.initProvider(ctx); err != nil {
		return nil, fmt.Errorf("failed to discover identity provider: %w", err)
	}

	if err := deps.initClient(); err != nil {
		return nil, fmt.Errorf("failed to initialize relying party: %w", err)
	}

	if err := deps.initAudit(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize audit trail: %w", err)
	}

	deps.initHTTP()

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initProvider fetches the provider metadata once with the shared HTTP client
func (d *Dependencies) initProvider(ctx context.Context) error {
	opts := oidc.DefaultHTTPOptions()
	opts.Timeout = d.Config.OIDC.HTTPTimeout
	opts.Retries = d.Config.OIDC.HTTPRetries
	d.HTTPClient = oidc.NewHTTPClient(opts, d.Logger.Named("oidc"))

	metadata, err := oidc.Discover(ctx, d.Config.OIDC.DiscoveryURL, d.HTTPClient)
	d.Metrics.ObserveDiscovery(err)
	if err != nil {
		return err
	}

	d.Provider = metadata
	d.Logger.Info("identity provider discovered",
		zap.String("issuer", metadata.Issuer),
		zap.String("userinfo_endpoint", metadata.UserinfoEndpoint))
	return nil
}

// initClient loads the keystore and binds it to the provider metadata
func (d *Dependencies) initClient() error {
	keys, err := keystore.Load(d.Config.OIDC.Keystore)
	if err != nil {
		return err
	}
	d.KeyStore = keys

	response := responseOptions(d.Config.OIDC)
	d.warnUnadvertised(response)

	client, err := oidc.NewClient(d.Provider, oidc.Config{
		ClientID:       d.Config.OIDC.ClientID,
		ClientSecret:   d.Config.OIDC.ClientSecret,
		Response:       response,
		ClockTolerance: d.Config.OIDC.ClockTolerance,
	}, keys, d.HTTPClient)
	if err != nil {
		return err
	}
	d.Client = client

	d.Logger.Info("relying party client ready",
		zap.String("client_id", d.Config.OIDC.ClientID),
		zap.Int("keys", keys.Len()),
		zap.String("userinfo_signed_response_alg", response.SigningAlg),
		zap.String("userinfo_encrypted_response_alg", response.EncryptionAlg),
		zap.String("userinfo_encrypted_response_enc", response.EncryptionEnc))
	return nil
}

// warnUnadvertised logs algorithms the provider does not list. Providers
// often omit these lists, so it is not an error.
func (d *Dependencies) warnUnadvertised(response oidc.ResponseOptions) {
	if response.Signed() && !d.Provider.SupportsUserinfoSigning(response.SigningAlg) {
		d.Logger.Warn("provider does not advertise userinfo signing algorithm",
			zap.String("alg", response.SigningAlg))
	}
	if response.Encrypted() && !d.Provider.SupportsUserinfoEncryption(response.EncryptionAlg, response.EncryptionEnc) {
		d.Logger.Warn("provider does not advertise userinfo encryption algorithm",
			zap.String("alg", response.EncryptionAlg),
			zap.String("enc", response.EncryptionEnc))
	}
}

// initAudit connects the audit database and starts the writers
func (d *Dependencies) initAudit(ctx context.Context) error {
	if !d.Config.AuditEnabled() {
		d.Logger.Info("audit trail disabled, DATABASE_URL not set")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(ctx, *d.Config.AuditDatabase, d.Logger)
	if err != nil {
		return err
	}

	service := audit.NewService(factory.Decisions(), d.Logger.Named("audit"), audit.Config{
		BufferSize:  d.Config.Audit.BufferSize,
		WorkerCount: d.Config.Audit.Workers,
		Retention:   d.Config.Audit.Retention,
	})
	if err := service.Start(); err != nil {
		_ = factory.Close()
		return err
	}

	d.RepoFactory = factory
	d.Audit = service
	return nil
}

// initHTTP builds the middleware and handlers
func (d *Dependencies) initHTTP() {
	opts := []middleware.Option{middleware.WithMetrics(d.Metrics)}
	if d.Audit != nil {
		opts = append(opts, middleware.WithDecisionRecorder(d.Audit))
	}

	errorHandler := handlers.NewErrorHandler(d.Config.IsDevelopment(), d.Logger)
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Client, errorHandler, d.Logger, opts...)

	var health *handlers.HealthHandler
	if d.RepoFactory != nil {
		health = handlers.NewHealthHandler(d.Client, d.RepoFactory.GetDB().DB, d.Logger)
	} else {
		health = handlers.NewHealthHandler(d.Client, nil, d.Logger)
	}
	d.Health = health
	d.Resources = handlers.NewResourceHandler(d.Config.BaseURL, d.Logger)
}

// Close drains the audit trail and closes the database
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Audit != nil {
		timeout := auditStopTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}

// responseOptions maps the configured userinfo algorithms. "none" switches
// the corresponding layer off.
func responseOptions(cfg config.OIDCConfig) oidc.ResponseOptions {
	layer := func(v string) string {
		if strings.EqualFold(v, "none") {
			return ""
		}
		return v
	}

	response := oidc.ResponseOptions{
		SigningAlg:    layer(cfg.UserinfoSignedResponseAlg),
		EncryptionAlg: layer(cfg.UserinfoEncryptedResponseAlg),
		EncryptionEnc: layer(cfg.UserinfoEncryptedResponseEnc),
	}
	if response.EncryptionAlg == "" {
		response.EncryptionEnc = ""
	}
	return response
}
