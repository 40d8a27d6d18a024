package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/buildpay/buildpay/internal/ledger"
	"github.com/buildpay/buildpay/internal/platform/db"
	"github.com/buildpay/buildpay/internal/shared"
)

// Repository defines billing persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Document, error)
	List(ctx context.Context, filter ListFilter) ([]Document, int, error)
	ListApproved(ctx context.Context, filter CycleFilter) ([]Document, error)
	ListExtraWork(ctx context.Context, filter ExtraWorkFilter) ([]Document, error)
	Anomalies(ctx context.Context) ([]Anomaly, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	NextDocNo(ctx context.Context, orgID int64) (int64, error)
	InsertDocument(ctx context.Context, doc Document) (Document, error)
	GetForUpdate(ctx context.Context, id int64) (Document, error)
	// UpdateHeader writes every header column when the stored status equals
	// from. It reports false when the status moved underneath the caller.
	UpdateHeader(ctx context.Context, doc Document, from Status) (bool, error)
	UpsertJobLines(ctx context.Context, docID int64, lines []JobLine) error
	ReplaceAdjustments(ctx context.Context, docID int64, lines []AdjustmentLine) error
	// LockJobs row-locks the jobs and returns their live ledger position.
	LockJobs(ctx context.Context, ids []int64) (map[int64]ledger.Job, error)
	InsertPayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error)
	DeletePaymentsByDocument(ctx context.Context, docID int64) (int64, error)
	DeleteDocument(ctx context.Context, id int64) error
}

// Anomaly is a ledger inconsistency found by the integrity scan.
type Anomaly struct {
	DocumentID int64
	DocNo      int64
	Status     Status
	Kind       string
	Expected   string
	Actual     string
}

const (
	AnomalyPaymentMismatch = "payment_mismatch"
	AnomalyOrphanPayment   = "orphan_payment"
)

// PGRepository is the PostgreSQL implementation.
type PGRepository struct {
	pool *pgxpool.Pool
	q    queries
}

var _ Repository = (*PGRepository)(nil)

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool, q: queries{db: pool}}
}

type queries struct {
	db ledger.DBTX
}

type txRepo struct {
	queries
	ledger *ledger.Queries
}

// WithTx runs fn in a read-committed transaction. Status changes are
// compare-and-swap updates, which re-check the status after waiting on the
// row lock at this level.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{queries: queries{db: tx}, ledger: ledger.NewQueries(tx)})
	})
}

const selectHeader = `SELECT bl.id, bl.org_id, bl.doc_no, bl.project_id, COALESCE(pr.name, ''), bl.contractor_id, COALESCE(c.name, ''),
	bl.plot_id, COALESCE(p.name, ''), COALESCE(hm.name, ''), bl.type, bl.status, bl.billing_date, bl.note, bl.extra_work_reason,
	bl.total_work_amount, bl.total_add_amount, bl.total_deduct_amount, bl.wht_percent, bl.retention_percent, bl.net_amount,
	bl.created_by, bl.submitted_by, bl.reviewed_by, bl.reviewed_at, bl.created_at, bl.updated_at, bl.version
FROM billings bl
LEFT JOIN projects pr ON pr.id = bl.project_id
LEFT JOIN contractors c ON c.id = bl.contractor_id
LEFT JOIN plots p ON p.id = bl.plot_id
LEFT JOIN house_models hm ON hm.id = p.house_model_id`

func scanHeader(row pgx.Row) (Document, error) {
	var (
		d       Document
		docType string
		status  string
	)
	err := row.Scan(&d.ID, &d.OrgID, &d.DocNo, &d.ProjectID, &d.ProjectName, &d.ContractorID, &d.ContractorName,
		&d.PlotID, &d.PlotName, &d.PlotType, &docType, &status, &d.BillingDate, &d.Note, &d.ExtraWorkReason,
		&d.TotalWorkAmount, &d.TotalAddAmount, &d.TotalDeductAmount, &d.WHTPercent, &d.RetentionPercent, &d.NetAmount,
		&d.CreatedBy, &d.SubmittedBy, &d.ReviewedBy, &d.ReviewedAt, &d.CreatedAt, &d.UpdatedAt, &d.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("billing: scan header: %w", err)
	}
	d.Type = DocumentType(docType)
	d.Status = Status(status)
	return d, nil
}

func (q queries) queryHeaders(ctx context.Context, sql string, args ...any) ([]Document, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: query documents: %w", err)
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		d, err := scanHeader(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (q queries) get(ctx context.Context, id int64, forUpdate bool) (Document, error) {
	sql := selectHeader + "\nWHERE bl.id = $1"
	if forUpdate {
		sql += "\nFOR UPDATE OF bl"
	}
	doc, err := scanHeader(q.db.QueryRow(ctx, sql, id))
	if err != nil {
		return Document{}, err
	}
	docs := []Document{doc}
	if err := q.attachLines(ctx, docs); err != nil {
		return Document{}, err
	}
	return docs[0], nil
}

// Get loads a document with its lines.
func (r *PGRepository) Get(ctx context.Context, id int64) (Document, error) {
	return r.q.get(ctx, id, false)
}

// GetForUpdate loads and row-locks a document.
func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Document, error) {
	doc, err := t.get(ctx, id, true)
	if db.IsSerializationFailure(err) {
		return Document{}, ErrInvalidStateTransition
	}
	return doc, err
}

// List returns one page of headers, newest first, and the total match count.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Document, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != nil {
		add("bl.status = $%d", string(*filter.Status))
	}
	if filter.Type != nil {
		add("bl.type = $%d", string(*filter.Type))
	}
	if filter.ProjectID != nil {
		add("bl.project_id = $%d", *filter.ProjectID)
	}
	if filter.ContractorID != nil {
		add("bl.contractor_id = $%d", *filter.ContractorID)
	}
	if filter.CreatedBy != nil {
		add("bl.created_by = $%d", *filter.CreatedBy)
	}
	clause := ""
	if len(where) > 0 {
		clause = "\nWHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM billings bl"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("billing: count documents: %w", err)
	}
	page, perPage := shared.NormalizePage(filter.Page, filter.PerPage)
	args = append(args, perPage, (page-1)*perPage)
	sql := fmt.Sprintf("%s%s\nORDER BY bl.created_at DESC, bl.id DESC\nLIMIT $%d OFFSET $%d", selectHeader, clause, len(args)-1, len(args))
	docs, err := r.q.queryHeaders(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// ListApproved returns approved documents in the inclusive date range with lines.
func (r *PGRepository) ListApproved(ctx context.Context, filter CycleFilter) ([]Document, error) {
	args := []any{string(StatusApproved), filter.DateFrom, filter.DateTo}
	sql := selectHeader + "\nWHERE bl.status = $1 AND bl.billing_date BETWEEN $2 AND $3"
	if filter.ProjectID != nil {
		args = append(args, *filter.ProjectID)
		sql += fmt.Sprintf(" AND bl.project_id = $%d", len(args))
	}
	if filter.ContractorID != nil {
		args = append(args, *filter.ContractorID)
		sql += fmt.Sprintf(" AND bl.contractor_id = $%d", len(args))
	}
	sql += "\nORDER BY bl.billing_date, bl.doc_no"
	docs, err := r.q.queryHeaders(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if err := r.q.attachLines(ctx, docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// ListExtraWork returns extra-work documents of any status with adjustments.
func (r *PGRepository) ListExtraWork(ctx context.Context, filter ExtraWorkFilter) ([]Document, error) {
	args := []any{string(TypeExtraWork)}
	sql := selectHeader + "\nWHERE bl.type = $1"
	if filter.ProjectID != nil {
		args = append(args, *filter.ProjectID)
		sql += fmt.Sprintf(" AND bl.project_id = $%d", len(args))
	}
	if filter.PlotID != nil {
		args = append(args, *filter.PlotID)
		sql += fmt.Sprintf(" AND bl.plot_id = $%d", len(args))
	}
	if reason := strings.TrimSpace(filter.Reason); reason != "" {
		args = append(args, "%"+reason+"%")
		sql += fmt.Sprintf(" AND bl.extra_work_reason ILIKE $%d", len(args))
	}
	if filter.DateFrom != nil {
		args = append(args, *filter.DateFrom)
		sql += fmt.Sprintf(" AND bl.billing_date >= $%d", len(args))
	}
	if filter.DateTo != nil {
		args = append(args, *filter.DateTo)
		sql += fmt.Sprintf(" AND bl.billing_date <= $%d", len(args))
	}
	sql += "\nORDER BY bl.billing_date DESC, bl.doc_no DESC"
	docs, err := r.q.queryHeaders(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if err := r.q.attachLines(ctx, docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Anomalies scans for approved documents whose payments do not match their
// job lines and for payments owned by documents that are not approved.
func (r *PGRepository) Anomalies(ctx context.Context) ([]Anomaly, error) {
	rows, err := r.pool.Query(ctx, `WITH lines AS (
	SELECT billing_id, SUM(amount) AS total FROM billing_jobs GROUP BY billing_id
), paid AS (
	SELECT billing_id, SUM(amount) AS total FROM payments WHERE billing_id IS NOT NULL GROUP BY billing_id
)
SELECT bl.id, bl.doc_no, bl.status,
	CASE WHEN bl.status = 'approved' THEN $1::text ELSE $2::text END,
	CASE WHEN bl.status = 'approved' THEN COALESCE(l.total, 0) ELSE 0 END,
	COALESCE(p.total, 0)
FROM billings bl
LEFT JOIN lines l ON l.billing_id = bl.id
LEFT JOIN paid p ON p.billing_id = bl.id
WHERE (bl.status = 'approved' AND COALESCE(l.total, 0) <> COALESCE(p.total, 0))
   OR (bl.status <> 'approved' AND p.total IS NOT NULL)
ORDER BY bl.id`, AnomalyPaymentMismatch, AnomalyOrphanPayment)
	if err != nil {
		return nil, fmt.Errorf("billing: scan anomalies: %w", err)
	}
	defer rows.Close()
	var out []Anomaly
	for rows.Next() {
		var (
			a        Anomaly
			status   string
			expected decimal.Decimal
			actual   decimal.Decimal
		)
		if err := rows.Scan(&a.DocumentID, &a.DocNo, &status, &a.Kind, &expected, &actual); err != nil {
			return nil, fmt.Errorf("billing: scan anomaly: %w", err)
		}
		a.Status = Status(status)
		a.Expected = expected.StringFixed(2)
		a.Actual = actual.StringFixed(2)
		out = append(out, a)
	}
	return out, rows.Err()
}

const selectJobLines = `SELECT bj.id, bj.billing_id, bj.job_assignment_id, bj.amount, bj.progress_percent,
	b.item_name, b.unit, b.quantity, COALESCE(ja.agreed_price, b.price_per_unit), p.id, p.name, COALESCE(hm.name, ''), pr.name
FROM billing_jobs bj
JOIN job_assignments ja ON ja.id = bj.job_assignment_id
JOIN boq_master b ON b.id = ja.boq_item_id
JOIN plots p ON p.id = ja.plot_id
JOIN projects pr ON pr.id = p.project_id
LEFT JOIN house_models hm ON hm.id = p.house_model_id
WHERE bj.billing_id = ANY($1)
ORDER BY bj.billing_id, bj.id`

const selectAdjustments = `SELECT id, billing_id, type, description, unit, quantity, unit_price, COALESCE(plot_name, '')
FROM billing_adjustments
WHERE billing_id = ANY($1)
ORDER BY billing_id, id`

func (q queries) attachLines(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	ids := make([]int64, len(docs))
	index := make(map[int64]int, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		index[d.ID] = i
	}
	rows, err := q.db.Query(ctx, selectJobLines, ids)
	if err != nil {
		return fmt.Errorf("billing: query job lines: %w", err)
	}
	for rows.Next() {
		var l JobLine
		if err := rows.Scan(&l.ID, &l.DocumentID, &l.JobID, &l.Amount, &l.ProgressPercent,
			&l.ItemName, &l.Unit, &l.Quantity, &l.UnitPrice, &l.PlotID, &l.PlotName, &l.PlotType, &l.ProjectName); err != nil {
			rows.Close()
			return fmt.Errorf("billing: scan job line: %w", err)
		}
		i := index[l.DocumentID]
		docs[i].Jobs = append(docs[i].Jobs, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.db.Query(ctx, selectAdjustments, ids)
	if err != nil {
		return fmt.Errorf("billing: query adjustments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a    AdjustmentLine
			kind string
		)
		if err := rows.Scan(&a.ID, &a.DocumentID, &kind, &a.Description, &a.Unit, &a.Quantity, &a.UnitPrice, &a.PlotName); err != nil {
			return fmt.Errorf("billing: scan adjustment: %w", err)
		}
		a.Kind = AdjustmentKind(kind)
		i := index[a.DocumentID]
		docs[i].Adjustments = append(docs[i].Adjustments, a)
	}
	return rows.Err()
}

// NextDocNo increments the organization counter. The counter row lock
// serializes concurrent submitters.
func (t *txRepo) NextDocNo(ctx context.Context, orgID int64) (int64, error) {
	var next int64
	err := t.db.QueryRow(ctx, `INSERT INTO billing_sequences (org_id, last_no) VALUES ($1, 1)
ON CONFLICT (org_id) DO UPDATE SET last_no = billing_sequences.last_no + 1
RETURNING last_no`, orgID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("billing: next doc no: %w", err)
	}
	return next, nil
}

// InsertDocument stores a header and returns it with generated fields.
func (t *txRepo) InsertDocument(ctx context.Context, doc Document) (Document, error) {
	err := t.db.QueryRow(ctx, `INSERT INTO billings (org_id, doc_no, project_id, contractor_id, plot_id, type, status, billing_date,
	note, extra_work_reason, total_work_amount, total_add_amount, total_deduct_amount, wht_percent, retention_percent,
	net_amount, created_by, submitted_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
RETURNING id, created_at, updated_at, version`,
		doc.OrgID, doc.DocNo, doc.ProjectID, doc.ContractorID, doc.PlotID, string(doc.Type), string(doc.Status), doc.BillingDate,
		doc.Note, doc.ExtraWorkReason, doc.TotalWorkAmount, doc.TotalAddAmount, doc.TotalDeductAmount, doc.WHTPercent,
		doc.RetentionPercent, doc.NetAmount, doc.CreatedBy, doc.SubmittedBy).
		Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt, &doc.Version)
	if err != nil {
		return Document{}, fmt.Errorf("billing: insert document %s: %w", doc.Reference(), err)
	}
	return doc, nil
}

// UpdateHeader is a compare-and-swap on status.
func (t *txRepo) UpdateHeader(ctx context.Context, doc Document, from Status) (bool, error) {
	tag, err := t.db.Exec(ctx, `UPDATE billings SET
	project_id = $3, contractor_id = $4, plot_id = $5, type = $6, status = $7, billing_date = $8, note = $9,
	extra_work_reason = $10, total_work_amount = $11, total_add_amount = $12, total_deduct_amount = $13,
	wht_percent = $14, retention_percent = $15, net_amount = $16, reviewed_by = $17, reviewed_at = $18,
	updated_at = NOW(), version = version + 1
WHERE id = $1 AND status = $2`,
		doc.ID, string(from), doc.ProjectID, doc.ContractorID, doc.PlotID, string(doc.Type), string(doc.Status), doc.BillingDate,
		doc.Note, doc.ExtraWorkReason, doc.TotalWorkAmount, doc.TotalAddAmount, doc.TotalDeductAmount,
		doc.WHTPercent, doc.RetentionPercent, doc.NetAmount, doc.ReviewedBy, doc.ReviewedAt)
	if err != nil {
		if db.IsSerializationFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("billing: update header %s: %w", doc.Reference(), err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertJobLines writes lines keyed by (document, job) and prunes jobs no
// longer present.
func (t *txRepo) UpsertJobLines(ctx context.Context, docID int64, lines []JobLine) error {
	keep := make([]int64, 0, len(lines))
	for _, l := range lines {
		keep = append(keep, l.JobID)
	}
	if _, err := t.db.Exec(ctx, `DELETE FROM billing_jobs WHERE billing_id = $1 AND NOT (job_assignment_id = ANY($2))`, docID, keep); err != nil {
		return fmt.Errorf("billing: prune job lines: %w", err)
	}
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(`INSERT INTO billing_jobs (billing_id, job_assignment_id, amount, progress_percent)
VALUES ($1, $2, $3, $4)
ON CONFLICT (billing_id, job_assignment_id) DO UPDATE SET amount = EXCLUDED.amount, progress_percent = EXCLUDED.progress_percent`,
			docID, l.JobID, l.Amount, l.ProgressPercent)
	}
	return t.sendBatch(ctx, batch, "upsert job line")
}

// ReplaceAdjustments deletes and re-inserts every adjustment line.
func (t *txRepo) ReplaceAdjustments(ctx context.Context, docID int64, lines []AdjustmentLine) error {
	if _, err := t.db.Exec(ctx, `DELETE FROM billing_adjustments WHERE billing_id = $1`, docID); err != nil {
		return fmt.Errorf("billing: delete adjustments: %w", err)
	}
	batch := &pgx.Batch{}
	for _, a := range lines {
		var plot *string
		if a.PlotName != "" {
			name := a.PlotName
			plot = &name
		}
		batch.Queue(`INSERT INTO billing_adjustments (billing_id, type, description, unit, quantity, unit_price, plot_name)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, docID, string(a.Kind), a.Description, a.Unit, a.Quantity, a.UnitPrice, plot)
	}
	return t.sendBatch(ctx, batch, "insert adjustment")
}

func (t *txRepo) sendBatch(ctx context.Context, batch *pgx.Batch, what string) error {
	if batch.Len() == 0 {
		return nil
	}
	tx, ok := t.db.(pgx.Tx)
	if !ok {
		return fmt.Errorf("billing: %s outside transaction", what)
	}
	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("billing: %s: %w", what, err)
		}
	}
	return results.Close()
}

// LockJobs locks the job rows so concurrent approvals on shared jobs settle
// one after another, then reads their ledger position.
func (t *txRepo) LockJobs(ctx context.Context, ids []int64) (map[int64]ledger.Job, error) {
	out := make(map[int64]ledger.Job, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	if _, err := t.db.Exec(ctx, `SELECT id FROM job_assignments WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids); err != nil {
		return nil, fmt.Errorf("billing: lock jobs: %w", err)
	}
	jobs, err := t.ledger.GetJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		out[j.ID] = j
	}
	return out, nil
}

// InsertPayment appends a ledger payment inside the transaction.
func (t *txRepo) InsertPayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error) {
	return t.ledger.InsertPayment(ctx, p)
}

// DeletePaymentsByDocument removes the payments a document generated.
func (t *txRepo) DeletePaymentsByDocument(ctx context.Context, docID int64) (int64, error) {
	return t.ledger.DeletePaymentsByBilling(ctx, docID)
}

// DeleteDocument removes a header; lines cascade.
func (t *txRepo) DeleteDocument(ctx context.Context, id int64) error {
	tag, err := t.db.Exec(ctx, `DELETE FROM billings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("billing: delete document %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// dateOnly truncates t to a calendar date in its own location.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
