package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/buildpay/buildpay/internal/billing"
	"github.com/buildpay/buildpay/internal/catalog"
	"github.com/buildpay/buildpay/internal/ledger"
	"github.com/buildpay/buildpay/internal/observability"
	"github.com/buildpay/buildpay/internal/settings"
	"github.com/buildpay/buildpay/internal/shared"
)

// Services is the domain layer shared by the server and the worker.
type Services struct {
	Catalog     *catalog.Service
	Ledger      *ledger.Service
	Settings    *settings.Service
	Billing     *billing.Service
	Idempotency *shared.IdempotencyStore
	ReportCache *billing.ReportCache
}

// NewServices wires repositories, shared adapters and domain services.
func NewServices(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, logger *slog.Logger, metrics *observability.Metrics) *Services {
	auditLogger := shared.NewAuditLogger(pool)
	approvals := shared.NewApprovalRecorder(pool, logger)
	idempotency := shared.NewIdempotencyStore(pool)
	reportCache := billing.NewReportCache(redisClient, cfg.ReportCacheTTL, logger)

	ledgerService := ledger.NewService(ledger.NewRepository(pool), reportCache, auditLogger, logger)
	settingsService := settings.NewService(settings.NewRepository(pool), cfg.OrgID)
	catalogService := catalog.NewService(catalog.NewRepository(pool), ledgerService)

	deps := billing.Deps{
		Repo:        billing.NewRepository(pool),
		Jobs:        ledgerService,
		Settings:    settingsService,
		Locker:      shared.NewDocumentLocker(redisClient, cfg.BillingLockTTL),
		Approvals:   approvals,
		Audit:       auditLogger,
		Idempotency: idempotency,
		Cache:       reportCache,
		Logger:      logger,
		OrgID:       cfg.OrgID,
	}
	if metrics != nil {
		deps.Metrics = metrics
	}

	return &Services{
		Catalog:     catalogService,
		Ledger:      ledgerService,
		Settings:    settingsService,
		Billing:     billing.NewService(deps),
		Idempotency: idempotency,
		ReportCache: reportCache,
	}
}
