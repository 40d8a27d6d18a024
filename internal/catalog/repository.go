package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads catalog master data.
type Repository interface {
	ListProjects(ctx context.Context) ([]Project, error)
	ListContractors(ctx context.Context) ([]Contractor, error)
	ListPlots(ctx context.Context, projectID int64) ([]Plot, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list projects: %w", err)
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListContractors(ctx context.Context) ([]Contractor, error) {
	rows, err := r.pool.Query(ctx, `SELECT c.id, c.name, COALESCE(ct.name, '')
FROM contractors c
LEFT JOIN contractor_types ct ON ct.id = c.contractor_type_id
ORDER BY c.name`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list contractors: %w", err)
	}
	defer rows.Close()
	var out []Contractor
	for rows.Next() {
		var c Contractor
		if err := rows.Scan(&c.ID, &c.Name, &c.TypeName); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListPlots(ctx context.Context, projectID int64) ([]Plot, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.project_id, p.name, COALESCE(hm.name, '')
FROM plots p
LEFT JOIN house_models hm ON hm.id = p.house_model_id
WHERE p.project_id = $1
ORDER BY p.name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list plots: %w", err)
	}
	defer rows.Close()
	var out []Plot
	for rows.Next() {
		var p Plot
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Name, &p.HouseModelName); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
