package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository defines ledger data access.
type Repository interface {
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	GetJobs(ctx context.Context, ids []int64) ([]Job, error)
	ListPayments(ctx context.Context, jobIDs []int64) ([]Payment, error)
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	GetPayment(ctx context.Context, id int64) (Payment, error)
	DeletePayment(ctx context.Context, id int64) error
	Summary(ctx context.Context, recent int) (Summary, error)
}

var _ Repository = (*Queries)(nil)

// Queries runs ledger SQL against a pool or a transaction. Billing approval
// uses it inside its own transaction to settle payments.
type Queries struct {
	db DBTX
}

// NewQueries wraps db.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// NewRepository returns the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return NewQueries(pool)
}

const selectJobs = `SELECT ja.id, ja.plot_id, p.name, p.project_id, pr.name, COALESCE(hm.name, ''),
	ja.boq_item_id, b.item_name, b.unit, b.quantity, b.price_per_unit, ja.agreed_price,
	ja.contractor_id, COALESCE(c.name, ''), ja.status,
	COALESCE((SELECT SUM(pay.amount) FROM payments pay WHERE pay.job_assignment_id = ja.id), 0)
FROM job_assignments ja
JOIN plots p ON p.id = ja.plot_id
JOIN projects pr ON pr.id = p.project_id
LEFT JOIN house_models hm ON hm.id = p.house_model_id
JOIN boq_master b ON b.id = ja.boq_item_id
LEFT JOIN contractors c ON c.id = ja.contractor_id`

// ListJobs returns jobs matching filter ordered by plot then job id.
func (q *Queries) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != nil {
		args = append(args, *filter.ProjectID)
		where = append(where, fmt.Sprintf("p.project_id = $%d", len(args)))
	}
	if filter.ContractorID != nil {
		args = append(args, *filter.ContractorID)
		where = append(where, fmt.Sprintf("ja.contractor_id = $%d", len(args)))
	}
	if filter.PlotID != nil {
		args = append(args, *filter.PlotID)
		where = append(where, fmt.Sprintf("ja.plot_id = $%d", len(args)))
	}
	sql := selectJobs
	if len(where) > 0 {
		sql += "\nWHERE " + strings.Join(where, " AND ")
	}
	sql += "\nORDER BY p.name, ja.id"
	return q.queryJobs(ctx, sql, args...)
}

// GetJobs loads jobs by id. Missing ids are simply absent from the result.
func (q *Queries) GetJobs(ctx context.Context, ids []int64) ([]Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return q.queryJobs(ctx, selectJobs+"\nWHERE ja.id = ANY($1)\nORDER BY ja.id", ids)
}

func (q *Queries) queryJobs(ctx context.Context, sql string, args ...any) ([]Job, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query jobs: %w", err)
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var (
			j      Job
			agreed decimal.NullDecimal
			status string
		)
		if err := rows.Scan(&j.ID, &j.PlotID, &j.PlotName, &j.ProjectID, &j.ProjectName, &j.HouseModelName,
			&j.BOQItemID, &j.ItemName, &j.Unit, &j.BOQQuantity, &j.BOQUnitPrice, &agreed,
			&j.ContractorID, &j.ContractorName, &status, &j.PaidToDate); err != nil {
			return nil, fmt.Errorf("ledger: scan job: %w", err)
		}
		j.Pricing = PricingFromNullable(agreed)
		j.Status = JobStatus(status)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const selectPayments = `SELECT id, job_assignment_id, amount, payment_date, note, billing_id, created_by, created_at FROM payments`

// ListPayments returns payments for the given jobs, oldest first.
func (q *Queries) ListPayments(ctx context.Context, jobIDs []int64) ([]Payment, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	rows, err := q.db.Query(ctx, selectPayments+` WHERE job_assignment_id = ANY($1) ORDER BY payment_date, id`, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("ledger: query payments: %w", err)
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPayment loads one payment.
func (q *Queries) GetPayment(ctx context.Context, id int64) (Payment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, selectPayments+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrPaymentNotFound
	}
	return p, err
}

// InsertPayment appends a payment and returns it with its generated fields.
func (q *Queries) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now()
	}
	err := q.db.QueryRow(ctx, `INSERT INTO payments (job_assignment_id, amount, payment_date, note, billing_id, created_by)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		p.JobID, p.Amount, p.PaidAt, p.Note, p.BillingDocumentID, p.CreatedBy).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return Payment{}, fmt.Errorf("ledger: insert payment for job %d: %w", p.JobID, err)
	}
	return p, nil
}

// DeletePayment removes a payment by id.
func (q *Queries) DeletePayment(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM payments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ledger: delete payment %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// DeletePaymentsByBilling removes every payment generated by a billing document.
func (q *Queries) DeletePaymentsByBilling(ctx context.Context, billingID int64) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM payments WHERE billing_id = $1`, billingID)
	if err != nil {
		return 0, fmt.Errorf("ledger: delete payments of billing %d: %w", billingID, err)
	}
	return tag.RowsAffected(), nil
}

// Summary counts projects, plots and active jobs, sums every payment and
// returns the latest recent payments.
func (q *Queries) Summary(ctx context.Context, recent int) (Summary, error) {
	var out Summary
	err := q.db.QueryRow(ctx, `SELECT
	(SELECT COUNT(*) FROM projects),
	(SELECT COUNT(*) FROM plots),
	(SELECT COALESCE(SUM(amount), 0) FROM payments),
	(SELECT COUNT(*) FROM job_assignments WHERE status = $1)`, string(JobInProgress)).
		Scan(&out.ProjectCount, &out.PlotCount, &out.TotalPaid, &out.ActiveJobs)
	if err != nil {
		return Summary{}, fmt.Errorf("ledger: summary counts: %w", err)
	}
	rows, err := q.db.Query(ctx, `SELECT pay.id, pay.job_assignment_id, pay.amount, pay.payment_date, pay.note,
	pay.billing_id, pay.created_by, pay.created_at, p.name, pr.name
FROM payments pay
JOIN job_assignments ja ON ja.id = pay.job_assignment_id
JOIN plots p ON p.id = ja.plot_id
JOIN projects pr ON pr.id = p.project_id
ORDER BY pay.created_at DESC, pay.id DESC
LIMIT $1`, recent)
	if err != nil {
		return Summary{}, fmt.Errorf("ledger: recent payments: %w", err)
	}
	defer rows.Close()
	out.RecentPayments = make([]RecentPayment, 0, recent)
	for rows.Next() {
		var rp RecentPayment
		if err := rows.Scan(&rp.ID, &rp.JobID, &rp.Amount, &rp.PaidAt, &rp.Note, &rp.BillingDocumentID,
			&rp.CreatedBy, &rp.CreatedAt, &rp.PlotName, &rp.ProjectName); err != nil {
			return Summary{}, fmt.Errorf("ledger: scan recent payment: %w", err)
		}
		out.RecentPayments = append(out.RecentPayments, rp)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	if err := row.Scan(&p.ID, &p.JobID, &p.Amount, &p.PaidAt, &p.Note, &p.BillingDocumentID, &p.CreatedBy, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, err
		}
		return Payment{}, fmt.Errorf("ledger: scan payment: %w", err)
	}
	return p, nil
}
