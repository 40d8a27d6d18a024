// Package settings stores organization-wide billing defaults.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/buildpay/buildpay/internal/money"
)

// ErrInvalidPercent is returned for percentages outside [0, 100].
var ErrInvalidPercent = errors.New("settings: percent must be between 0 and 100")

// Settings are the organization defaults applied to new billing documents.
type Settings struct {
	OrgID            int64           `json:"org_id"`
	CompanyName      string          `json:"company_name"`
	TaxID            string          `json:"tax_id"`
	DefaultVAT       decimal.Decimal `json:"default_vat"`
	DefaultWHT       decimal.Decimal `json:"default_wht"`
	DefaultRetention decimal.Decimal `json:"default_retention"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Fallback is used when no settings row exists yet.
func Fallback(orgID int64) Settings {
	return Settings{
		OrgID:            orgID,
		DefaultVAT:       decimal.NewFromInt(7),
		DefaultWHT:       decimal.NewFromInt(3),
		DefaultRetention: decimal.NewFromInt(5),
	}
}

// Validate checks every percentage.
func (s Settings) Validate() error {
	for name, pct := range map[string]decimal.Decimal{"vat": s.DefaultVAT, "wht": s.DefaultWHT, "retention": s.DefaultRetention} {
		if pct.IsNegative() || pct.GreaterThan(money.Hundred()) {
			return fmt.Errorf("%w: %s=%s", ErrInvalidPercent, name, pct)
		}
	}
	return nil
}

// Repository persists settings per organization.
type Repository interface {
	Get(ctx context.Context, orgID int64) (Settings, bool, error)
	Save(ctx context.Context, s Settings) (Settings, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) Get(ctx context.Context, orgID int64) (Settings, bool, error) {
	s := Settings{OrgID: orgID}
	err := r.pool.QueryRow(ctx, `SELECT company_name, tax_id, default_vat, default_wht, default_retention, updated_at
FROM organization_settings WHERE org_id = $1`, orgID).
		Scan(&s.CompanyName, &s.TaxID, &s.DefaultVAT, &s.DefaultWHT, &s.DefaultRetention, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Settings{}, false, nil
		}
		return Settings{}, false, fmt.Errorf("settings: get: %w", err)
	}
	return s, true, nil
}

func (r *pgRepository) Save(ctx context.Context, s Settings) (Settings, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO organization_settings (org_id, company_name, tax_id, default_vat, default_wht, default_retention, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (org_id) DO UPDATE SET company_name = EXCLUDED.company_name, tax_id = EXCLUDED.tax_id,
	default_vat = EXCLUDED.default_vat, default_wht = EXCLUDED.default_wht,
	default_retention = EXCLUDED.default_retention, updated_at = NOW()
RETURNING updated_at`, s.OrgID, s.CompanyName, s.TaxID, s.DefaultVAT, s.DefaultWHT, s.DefaultRetention).Scan(&s.UpdatedAt)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: save: %w", err)
	}
	return s, nil
}

// Service resolves defaults for one organization.
type Service struct {
	repo  Repository
	orgID int64
}

// NewService constructs the settings service for orgID.
func NewService(repo Repository, orgID int64) *Service {
	return &Service{repo: repo, orgID: orgID}
}

// Get returns stored settings or the fallback defaults.
func (s *Service) Get(ctx context.Context) (Settings, error) {
	stored, ok, err := s.repo.Get(ctx, s.orgID)
	if err != nil {
		return Settings{}, err
	}
	if !ok {
		return Fallback(s.orgID), nil
	}
	return stored, nil
}

// Update validates and stores new defaults.
func (s *Service) Update(ctx context.Context, in Settings) (Settings, error) {
	in.OrgID = s.orgID
	if err := in.Validate(); err != nil {
		return Settings{}, err
	}
	return s.repo.Save(ctx, in)
}

// Withholding returns the default WHT and retention percentages.
func (s *Service) Withholding(ctx context.Context) (wht, retention decimal.Decimal, err error) {
	cur, err := s.Get(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return cur.DefaultWHT, cur.DefaultRetention, nil
}
