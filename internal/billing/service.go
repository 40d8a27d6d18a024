package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/buildpay/buildpay/internal/ledger"
	"github.com/buildpay/buildpay/internal/money"
	"github.com/buildpay/buildpay/internal/platform/db"
	"github.com/buildpay/buildpay/internal/shared"
)

// JobReader loads jobs with their ledger position.
type JobReader interface {
	Jobs(ctx context.Context, ids []int64) (map[int64]ledger.Job, error)
}

// SettingsPort supplies organization default percentages.
type SettingsPort interface {
	Withholding(ctx context.Context) (wht, retention decimal.Decimal, err error)
}

// LockPort scopes reviewer transitions to one request per document.
type LockPort interface {
	Lock(ctx context.Context, documentID int64) (func(), error)
}

// ApprovalPort records and lists approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards retried submits.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsPort counts transitions by outcome.
type MetricsPort interface {
	ObserveBillingTransition(action, outcome string)
}

// Deps wires the service. Only Repo and Jobs are required.
type Deps struct {
	Repo        Repository
	Jobs        JobReader
	Settings    SettingsPort
	Locker      LockPort
	Approvals   ApprovalPort
	Audit       AuditPort
	Idempotency IdempotencyPort
	Cache       *ReportCache
	Metrics     MetricsPort
	Logger      *slog.Logger
	OrgID       int64
	Now         func() time.Time
}

// Service runs the billing state machine.
type Service struct {
	repo        Repository
	jobs        JobReader
	settings    SettingsPort
	locker      LockPort
	approvals   ApprovalPort
	audit       AuditPort
	idempotency IdempotencyPort
	cache       *ReportCache
	metrics     MetricsPort
	logger      *slog.Logger
	orgID       int64
	now         func() time.Time
}

// NewService constructs the billing service.
func NewService(deps Deps) *Service {
	s := &Service{
		repo:        deps.Repo,
		jobs:        deps.Jobs,
		settings:    deps.Settings,
		locker:      deps.Locker,
		approvals:   deps.Approvals,
		audit:       deps.Audit,
		idempotency: deps.Idempotency,
		cache:       deps.Cache,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		orgID:       deps.OrgID,
		now:         deps.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.orgID == 0 {
		s.orgID = 1
	}
	return s
}

const (
	actionSubmit  = "submit"
	actionUpdate  = "update"
	actionApprove = "approve"
	actionReject  = "reject"
	actionUndo    = "undo_approve"
	actionDelete  = "delete"
)

// Submit creates a pending billing request. Amounts are derived from the
// requested progress against the live ledger; no payments are written.
func (s *Service) Submit(ctx context.Context, actor Actor, in SubmitInput) (doc Document, err error) {
	defer func() { s.observe(actionSubmit, err) }()
	if !actor.Valid() {
		return Document{}, ErrPermissionDenied
	}
	header, err := s.normalizeHeader(in.Header)
	if err != nil {
		return Document{}, err
	}
	if err := checkLineShape(header.Type, in.Jobs, in.Adjustments); err != nil {
		return Document{}, err
	}
	jobs, err := s.jobs.Jobs(ctx, jobIDs(in.Jobs))
	if err != nil {
		return Document{}, err
	}
	lines, err := buildLines(header, in.Jobs, in.Adjustments, jobs)
	if err != nil {
		return Document{}, err
	}
	wht, retention, err := s.defaultPercents(ctx)
	if err != nil {
		return Document{}, err
	}
	totals, err := lines.totals(wht, retention)
	if err != nil {
		return Document{}, err
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, ApprovalModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Document{}, fmt.Errorf("%w: key %q", ErrDuplicateSubmit, key)
			}
			return Document{}, err
		}
	}

	doc = Document{OrgID: s.orgID, Status: StatusPendingReview, CreatedBy: actor.UserID, SubmittedBy: actor.UserID}
	doc.applyHeader(header)
	doc.applyTotals(totals)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		no, err := tx.NextDocNo(ctx, s.orgID)
		if err != nil {
			return err
		}
		doc.DocNo = no
		if doc, err = tx.InsertDocument(ctx, doc); err != nil {
			return err
		}
		if err := tx.UpsertJobLines(ctx, doc.ID, lines.jobs); err != nil {
			return err
		}
		return tx.ReplaceAdjustments(ctx, doc.ID, lines.adjustments)
	})
	if err != nil {
		if key != "" && s.idempotency != nil {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Document{}, err
	}
	s.afterTransition(ctx, actor, doc, shared.ApprovalSubmit, header.Note)
	return s.reload(ctx, doc)
}

// UpdatePending replaces the header and lines of a pending request. Only the
// creator may edit.
func (s *Service) UpdatePending(ctx context.Context, actor Actor, id int64, in UpdateInput) (doc Document, err error) {
	defer func() { s.observe(actionUpdate, err) }()
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if err := checkEditable(actor, current); err != nil {
		return Document{}, docErr(current.DocNo, actionUpdate, err)
	}
	header, err := s.normalizeHeader(in.Header)
	if err != nil {
		return Document{}, docErr(current.DocNo, actionUpdate, err)
	}
	if err := checkLineShape(header.Type, in.Jobs, in.Adjustments); err != nil {
		return Document{}, docErr(current.DocNo, actionUpdate, err)
	}
	jobs, err := s.jobs.Jobs(ctx, jobIDs(in.Jobs))
	if err != nil {
		return Document{}, err
	}
	lines, err := buildLines(header, in.Jobs, in.Adjustments, jobs)
	if err != nil {
		return Document{}, docErr(current.DocNo, actionUpdate, err)
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := checkEditable(actor, locked); err != nil {
			return err
		}
		totals, err := lines.totals(locked.WHTPercent, locked.RetentionPercent)
		if err != nil {
			return err
		}
		doc = locked
		doc.applyHeader(header)
		doc.applyTotals(totals)
		ok, err := tx.UpdateHeader(ctx, doc, StatusPendingReview)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: document is no longer pending review", ErrInvalidStateTransition)
		}
		if err := tx.UpsertJobLines(ctx, doc.ID, lines.jobs); err != nil {
			return err
		}
		return tx.ReplaceAdjustments(ctx, doc.ID, lines.adjustments)
	})
	if err != nil {
		return Document{}, docErr(current.DocNo, actionUpdate, err)
	}
	s.afterTransition(ctx, actor, doc, shared.ApprovalUpdate, "")
	return s.reload(ctx, doc)
}

// Approve recomputes the document from its final lines, marks it approved
// and settles one payment per non-zero job line, all in one transaction.
func (s *Service) Approve(ctx context.Context, actor Actor, id int64, in ApproveInput) (doc Document, err error) {
	defer func() { s.observe(actionApprove, err) }()
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if !actor.IsReviewer() {
		return Document{}, docErr(current.DocNo, actionApprove, ErrPermissionDenied)
	}
	release, err := s.lock(ctx, current.ID)
	if err != nil {
		return Document{}, docErr(current.DocNo, actionApprove, err)
	}
	defer release()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status != StatusPendingReview {
			return fmt.Errorf("%w: cannot approve a %s document", ErrInvalidStateTransition, locked.Status)
		}
		doc = locked
		if in.BillingDate != nil && !in.BillingDate.IsZero() {
			doc.BillingDate = dateOnly(*in.BillingDate)
		}
		if in.Note != nil {
			doc.Note = strings.TrimSpace(*in.Note)
		}
		jobInputs := in.Jobs
		if jobInputs == nil {
			jobInputs = storedJobInputs(doc.Jobs)
		}
		adjInputs := in.Adjustments
		if adjInputs == nil {
			adjInputs = storedAdjustmentInputs(doc.Adjustments)
		}
		if err := checkLineShape(doc.Type, jobInputs, adjInputs); err != nil {
			return err
		}
		jobs, err := tx.LockJobs(ctx, jobIDs(jobInputs))
		if err != nil {
			return err
		}
		lines, err := buildLines(doc.header(), jobInputs, adjInputs, jobs)
		if err != nil {
			return err
		}
		wht, retention := doc.WHTPercent, doc.RetentionPercent
		if in.WHTPercent != nil {
			wht = *in.WHTPercent
		}
		if in.RetentionPercent != nil {
			retention = *in.RetentionPercent
		}
		totals, err := lines.totals(wht, retention)
		if err != nil {
			return err
		}
		doc.applyTotals(totals)
		reviewer, at := actor.UserID, s.now()
		doc.Status = StatusApproved
		doc.ReviewedBy = &reviewer
		doc.ReviewedAt = &at

		ok, err := tx.UpdateHeader(ctx, doc, StatusPendingReview)
		if err != nil {
			return &ReconciliationError{DocNo: doc.DocNo, Step: StepApproveHeader, Err: err}
		}
		if !ok {
			return fmt.Errorf("%w: document was reviewed concurrently", ErrInvalidStateTransition)
		}
		if err := tx.UpsertJobLines(ctx, doc.ID, lines.jobs); err != nil {
			return &ReconciliationError{DocNo: doc.DocNo, Step: StepUpsertJobLines, Err: err}
		}
		if err := tx.ReplaceAdjustments(ctx, doc.ID, lines.adjustments); err != nil {
			return &ReconciliationError{DocNo: doc.DocNo, Step: StepReplaceAdjustments, Err: err}
		}
		docID := doc.ID
		for _, line := range lines.jobs {
			if line.Amount.IsZero() {
				continue
			}
			_, err := tx.InsertPayment(ctx, ledger.Payment{
				JobID:             line.JobID,
				Amount:            line.Amount,
				PaidAt:            doc.BillingDate,
				Note:              paymentNote(doc.DocNo),
				BillingDocumentID: &docID,
				CreatedBy:         actor.UserID,
			})
			if err != nil {
				return &ReconciliationError{DocNo: doc.DocNo, Step: StepInsertPayments, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return Document{}, s.txError(current.DocNo, actionApprove, err)
	}
	s.afterTransition(ctx, actor, doc, shared.ApprovalApprove, doc.Note)
	return s.reload(ctx, doc)
}

// Reject closes a pending request without touching the ledger.
func (s *Service) Reject(ctx context.Context, actor Actor, id int64, in RejectInput) (doc Document, err error) {
	defer func() { s.observe(actionReject, err) }()
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if !actor.IsReviewer() {
		return Document{}, docErr(current.DocNo, actionReject, ErrPermissionDenied)
	}
	release, err := s.lock(ctx, current.ID)
	if err != nil {
		return Document{}, docErr(current.DocNo, actionReject, err)
	}
	defer release()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status != StatusPendingReview {
			return fmt.Errorf("%w: cannot reject a %s document", ErrInvalidStateTransition, locked.Status)
		}
		doc = locked
		if note := strings.TrimSpace(in.Note); note != "" {
			doc.Note = note
		}
		reviewer, at := actor.UserID, s.now()
		doc.Status = StatusRejected
		doc.ReviewedBy = &reviewer
		doc.ReviewedAt = &at
		ok, err := tx.UpdateHeader(ctx, doc, StatusPendingReview)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: document was reviewed concurrently", ErrInvalidStateTransition)
		}
		return nil
	})
	if err != nil {
		return Document{}, docErr(current.DocNo, actionReject, err)
	}
	s.afterTransition(ctx, actor, doc, shared.ApprovalReject, in.Note)
	return s.reload(ctx, doc)
}

// UndoApprove returns an approved document to pending review and removes
// the payments it generated. Undoing a pending document is a no-op.
func (s *Service) UndoApprove(ctx context.Context, actor Actor, id int64) (doc Document, err error) {
	defer func() { s.observe(actionUndo, err) }()
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Document{}, err
	}
	if !actor.IsReviewer() {
		return Document{}, docErr(current.DocNo, actionUndo, ErrPermissionDenied)
	}
	if current.Status == StatusPendingReview {
		return current, nil
	}
	release, err := s.lock(ctx, current.ID)
	if err != nil {
		return Document{}, docErr(current.DocNo, actionUndo, err)
	}
	defer release()

	var (
		noop    bool
		removed int64
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		doc = locked
		switch locked.Status {
		case StatusPendingReview:
			noop = true
			return nil
		case StatusRejected:
			return fmt.Errorf("%w: cannot undo a rejected document", ErrInvalidStateTransition)
		}
		if removed, err = tx.DeletePaymentsByDocument(ctx, doc.ID); err != nil {
			return &ReconciliationError{DocNo: doc.DocNo, Step: StepDeletePayments, Err: err}
		}
		doc.Status = StatusPendingReview
		doc.ReviewedBy = nil
		doc.ReviewedAt = nil
		ok, err := tx.UpdateHeader(ctx, doc, StatusApproved)
		if err != nil {
			return &ReconciliationError{DocNo: doc.DocNo, Step: StepResetHeader, Err: err}
		}
		if !ok {
			return fmt.Errorf("%w: document changed concurrently", ErrInvalidStateTransition)
		}
		return nil
	})
	if err != nil {
		return Document{}, s.txError(current.DocNo, actionUndo, err)
	}
	if noop {
		return doc, nil
	}
	s.logger.Info("billing payments reversed",
		slog.Int64("billing_id", doc.ID),
		slog.String("doc_no", doc.Reference()),
		slog.Int64("payments", removed))
	s.afterTransition(ctx, actor, doc, shared.ApprovalUndo, "")
	return s.reload(ctx, doc)
}

// Delete removes a document in any status. Deleting an approved document also
// removes its payments; other statuses never touch the ledger.
func (s *Service) Delete(ctx context.Context, actor Actor, id int64) (err error) {
	defer func() { s.observe(actionDelete, err) }()
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkDeletable(actor, current); err != nil {
		return docErr(current.DocNo, actionDelete, err)
	}
	release, err := s.lock(ctx, current.ID)
	if err != nil {
		return docErr(current.DocNo, actionDelete, err)
	}
	defer release()

	var doc Document
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := checkDeletable(actor, locked); err != nil {
			return err
		}
		doc = locked
		if locked.Status != StatusApproved {
			return tx.DeleteDocument(ctx, id)
		}
		if _, err := tx.DeletePaymentsByDocument(ctx, id); err != nil {
			return &ReconciliationError{DocNo: doc.DocNo, Step: StepDeletePayments, Err: err}
		}
		if err := tx.DeleteDocument(ctx, id); err != nil {
			return &ReconciliationError{DocNo: doc.DocNo, Step: StepDeleteDocument, Err: err}
		}
		return nil
	})
	if err != nil {
		return s.txError(current.DocNo, actionDelete, err)
	}
	s.afterTransition(ctx, actor, doc, shared.ApprovalDelete, "")
	return nil
}

// Get returns a document with live ledger positions and approval history.
// Non-reviewers may only read their own documents.
func (s *Service) Get(ctx context.Context, actor Actor, id int64) (DocumentView, error) {
	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return DocumentView{}, err
	}
	if !actor.IsReviewer() && doc.CreatedBy != actor.UserID {
		return DocumentView{}, docErr(doc.DocNo, "view", ErrPermissionDenied)
	}
	ids := make([]int64, 0, len(doc.Jobs))
	for _, l := range doc.Jobs {
		ids = append(ids, l.JobID)
	}
	jobs, err := s.jobs.Jobs(ctx, ids)
	if err != nil {
		return DocumentView{}, err
	}
	totals := doc.Totals()
	view := DocumentView{
		Document:        doc,
		Jobs:            make([]JobLineView, 0, len(doc.Jobs)),
		WHTAmount:       totals.WHT,
		RetentionAmount: totals.Retention,
		GrossAmount:     totals.Gross,
		History:         s.history(ctx, doc.ID),
	}
	for _, l := range doc.Jobs {
		lv := JobLineView{JobLine: l}
		if job, ok := jobs[l.JobID]; ok {
			paidBefore := job.PaidToDate
			if doc.Status == StatusApproved {
				paidBefore = paidBefore.Sub(l.Amount)
			}
			lv.ContractValue = job.ContractValue()
			lv.PaidBefore = paidBefore
			lv.PreviousProgress = PreviousProgress(lv.ContractValue, paidBefore)
			lv.Remaining = job.Remaining()
		}
		view.Jobs = append(view.Jobs, lv)
	}
	return view, nil
}

// List is the reviewer inbox.
func (s *Service) List(ctx context.Context, actor Actor, filter ListFilter) (DocumentPage, error) {
	if !actor.IsReviewer() {
		return DocumentPage{}, ErrPermissionDenied
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return DocumentPage{}, fmt.Errorf("%w: unknown status %q", ErrValidation, *filter.Status)
	}
	if filter.Type != nil && !filter.Type.Valid() {
		return DocumentPage{}, fmt.Errorf("%w: unknown type %q", ErrValidation, *filter.Type)
	}
	return s.page(ctx, filter)
}

// ListByCreator returns the actor's own submissions, newest first.
func (s *Service) ListByCreator(ctx context.Context, actor Actor, page, perPage int) (DocumentPage, error) {
	if !actor.Valid() {
		return DocumentPage{}, ErrPermissionDenied
	}
	creator := actor.UserID
	return s.page(ctx, ListFilter{CreatedBy: &creator, Page: page, PerPage: perPage})
}

func (s *Service) page(ctx context.Context, filter ListFilter) (DocumentPage, error) {
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	docs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return DocumentPage{}, err
	}
	if docs == nil {
		docs = []Document{}
	}
	return DocumentPage{Documents: docs, Pagination: shared.NewPagination(filter.Page, filter.PerPage, total)}, nil
}

// ContractorCycleReport aggregates approved documents in the date range.
func (s *Service) ContractorCycleReport(ctx context.Context, filter CycleFilter) (CycleReport, error) {
	if err := filter.Validate(); err != nil {
		return CycleReport{}, err
	}
	filter.DateFrom, filter.DateTo = dateOnly(filter.DateFrom), dateOnly(filter.DateTo)
	var report CycleReport
	err := s.cache.Fetch(ctx, filter.cacheKey(), &report, func(ctx context.Context) (any, error) {
		docs, err := s.repo.ListApproved(ctx, filter)
		if err != nil {
			return nil, err
		}
		return BuildCycleReport(filter, docs, s.now()), nil
	})
	if err != nil {
		return CycleReport{}, err
	}
	return report, nil
}

// ExtraWorkReport lists extra-work documents of every status.
func (s *Service) ExtraWorkReport(ctx context.Context, filter ExtraWorkFilter) (ExtraWorkReport, error) {
	if filter.DateFrom != nil && filter.DateTo != nil && filter.DateTo.Before(*filter.DateFrom) {
		return ExtraWorkReport{}, fmt.Errorf("%w: date_to is before date_from", ErrValidation)
	}
	docs, err := s.repo.ListExtraWork(ctx, filter)
	if err != nil {
		return ExtraWorkReport{}, err
	}
	report := ExtraWorkReport{Rows: make([]ExtraWorkRow, 0, len(docs))}
	for _, d := range docs {
		lines := d.Adjustments
		if lines == nil {
			lines = []AdjustmentLine{}
		}
		report.Rows = append(report.Rows, ExtraWorkRow{
			ID:             d.ID,
			DocNo:          d.Reference(),
			BillingDate:    d.BillingDate,
			Status:         d.Status,
			ProjectName:    d.ProjectName,
			PlotName:       d.PlotName,
			ContractorName: d.ContractorName,
			Reason:         d.ExtraWorkReason,
			TotalAdd:       d.TotalAddAmount,
			TotalDeduct:    d.TotalDeductAmount,
			NetAmount:      d.NetAmount,
			Lines:          lines,
		})
		report.TotalAdd = report.TotalAdd.Add(d.TotalAddAmount)
		report.TotalDeduct = report.TotalDeduct.Add(d.TotalDeductAmount)
		report.TotalNet = report.TotalNet.Add(d.NetAmount)
	}
	return report, nil
}

// LedgerAnomalies scans for payments that disagree with their documents.
func (s *Service) LedgerAnomalies(ctx context.Context) ([]Anomaly, error) {
	anomalies, err := s.repo.Anomalies(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range anomalies {
		s.logger.Warn("billing ledger anomaly",
			slog.Int64("billing_id", a.DocumentID),
			slog.String("doc_no", FormatDocNo(a.DocNo)),
			slog.String("status", string(a.Status)),
			slog.String("kind", a.Kind),
			slog.String("expected", a.Expected),
			slog.String("actual", a.Actual))
	}
	return anomalies, nil
}

func (s *Service) normalizeHeader(h Header) (Header, error) {
	h.Note = strings.TrimSpace(h.Note)
	h.ExtraWorkReason = strings.TrimSpace(h.ExtraWorkReason)
	if h.BillingDate.IsZero() {
		h.BillingDate = s.now()
	}
	h.BillingDate = dateOnly(h.BillingDate)
	if h.Type == "" {
		h.Type = TypeProgress
	}
	switch {
	case !h.Type.Valid():
		return Header{}, fmt.Errorf("%w: unknown type %q", ErrValidation, h.Type)
	case h.ProjectID <= 0:
		return Header{}, fmt.Errorf("%w: project is required", ErrValidation)
	case h.ContractorID <= 0:
		return Header{}, fmt.Errorf("%w: contractor is required", ErrValidation)
	case h.Type == TypeExtraWork && (h.PlotID == nil || *h.PlotID <= 0):
		return Header{}, fmt.Errorf("%w: plot is required for extra work", ErrValidation)
	}
	return h, nil
}

func (s *Service) defaultPercents(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	if s.settings == nil {
		return decimal.Zero, decimal.Zero, nil
	}
	return s.settings.Withholding(ctx)
}

func (s *Service) lock(ctx context.Context, id int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Lock(ctx, id)
	switch {
	case errors.Is(err, shared.ErrLocked):
		return nil, fmt.Errorf("%w: document is being processed", ErrInvalidStateTransition)
	case err != nil:
		s.logger.Warn("billing lock unavailable", slog.Int64("billing_id", id), slog.Any("error", err))
		return func() {}, nil
	}
	return release, nil
}

func (s *Service) txError(docNo int64, op string, err error) error {
	var re *ReconciliationError
	if errors.As(err, &re) {
		s.logger.Error("billing reconciliation failed",
			slog.String("doc_no", FormatDocNo(re.DocNo)),
			slog.String("step", string(re.Step)),
			slog.Any("error", re.Err))
		return err
	}
	if errors.Is(err, db.ErrCommit) {
		s.logger.Error("billing commit failed", slog.String("doc_no", FormatDocNo(docNo)), slog.Any("error", err))
		return &ReconciliationError{DocNo: docNo, Step: StepCommit, Err: err}
	}
	return docErr(docNo, op, err)
}

func (s *Service) reload(ctx context.Context, doc Document) (Document, error) {
	fresh, err := s.repo.Get(ctx, doc.ID)
	if err != nil {
		s.logger.Warn("reload billing", slog.Int64("billing_id", doc.ID), slog.Any("error", err))
		return doc, nil
	}
	return fresh, nil
}

func (s *Service) afterTransition(ctx context.Context, actor Actor, doc Document, action shared.ApprovalAction, note string) {
	if s.approvals != nil {
		if err := s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  ApprovalModule,
			RefID:   shared.ApprovalRef(ApprovalModule, doc.ID),
			ActorID: actor.UserID,
			Action:  action,
			Note:    note,
			At:      s.now(),
		}); err != nil {
			s.logger.Warn("record billing approval", slog.Int64("billing_id", doc.ID), slog.Any("error", err))
		}
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.UserID,
			Action:   "BILLING_" + string(action),
			Entity:   "billing",
			EntityID: strconv.FormatInt(doc.ID, 10),
			Meta: map[string]any{
				"doc_no":     doc.Reference(),
				"status":     string(doc.Status),
				"net_amount": doc.NetAmount.StringFixed(money.Places),
			},
			At: s.now(),
		})
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump report cache", slog.Any("error", err))
	}
	s.logger.Info("billing transition",
		slog.Int64("billing_id", doc.ID),
		slog.String("doc_no", doc.Reference()),
		slog.String("action", string(action)),
		slog.String("status", string(doc.Status)),
		slog.Int64("actor_id", actor.UserID))
}

func (s *Service) history(ctx context.Context, id int64) []HistoryEntry {
	out := []HistoryEntry{}
	if s.approvals == nil {
		return out
	}
	logs, err := s.approvals.List(ctx, ApprovalModule, shared.ApprovalRef(ApprovalModule, id))
	if err != nil {
		s.logger.Warn("list billing history", slog.Int64("billing_id", id), slog.Any("error", err))
		return out
	}
	for _, l := range logs {
		out = append(out, HistoryEntry{ActorID: l.ActorID, Action: string(l.Action), Note: l.Note, At: l.At})
	}
	return out
}

func (s *Service) observe(action string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveBillingTransition(action, outcome(err))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidProgress), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicateSubmit):
		return "rejected"
	default:
		var re *ReconciliationError
		if errors.As(err, &re) {
			return "reconciliation_failed"
		}
		return "error"
	}
}

func checkEditable(actor Actor, doc Document) error {
	if actor.UserID != doc.CreatedBy {
		return fmt.Errorf("%w: only the creator may edit", ErrPermissionDenied)
	}
	if doc.Status != StatusPendingReview {
		return fmt.Errorf("%w: cannot edit a %s document", ErrInvalidStateTransition, doc.Status)
	}
	return nil
}

func checkDeletable(actor Actor, doc Document) error {
	if actor.IsReviewer() {
		return nil
	}
	if actor.UserID != doc.CreatedBy {
		return fmt.Errorf("%w: only the creator or a reviewer may delete", ErrPermissionDenied)
	}
	if doc.Status != StatusPendingReview {
		return fmt.Errorf("%w: only pending requests can be withdrawn", ErrInvalidStateTransition)
	}
	return nil
}

// checkLineShape validates line structure before any ledger read.
func checkLineShape(t DocumentType, jobs []JobLineInput, adjustments []AdjustmentInput) error {
	if len(jobs)+len(adjustments) == 0 {
		return fmt.Errorf("%w: at least one job or adjustment line is required", ErrValidation)
	}
	if t == TypeExtraWork && len(jobs) > 0 {
		return fmt.Errorf("%w: extra work documents carry no job lines", ErrValidation)
	}
	seen := make(map[int64]struct{}, len(jobs))
	for _, j := range jobs {
		if j.JobID <= 0 {
			return fmt.Errorf("%w: job is required", ErrValidation)
		}
		if _, dup := seen[j.JobID]; dup {
			return fmt.Errorf("%w: job %d appears twice", ErrValidation, j.JobID)
		}
		seen[j.JobID] = struct{}{}
	}
	return nil
}

type lineSet struct {
	jobs        []JobLine
	adjustments []AdjustmentLine
	work        decimal.Decimal
	adjTotals   AdjustmentTotals
}

func (l lineSet) totals(wht, retention decimal.Decimal) (Totals, error) {
	return ComputeTotals(l.work, l.adjTotals.Addition, l.adjTotals.Deduction, wht, retention)
}

// buildLines derives job line amounts from progress and validates adjustments.
func buildLines(h Header, jobInputs []JobLineInput, adjInputs []AdjustmentInput, jobs map[int64]ledger.Job) (lineSet, error) {
	set := lineSet{jobs: make([]JobLine, 0, len(jobInputs)), adjustments: make([]AdjustmentLine, 0, len(adjInputs))}
	for _, in := range jobInputs {
		job, ok := jobs[in.JobID]
		if !ok {
			return lineSet{}, fmt.Errorf("%w: job %d", ErrNotFound, in.JobID)
		}
		if job.ProjectID != h.ProjectID || job.ContractorID == nil || *job.ContractorID != h.ContractorID {
			return lineSet{}, fmt.Errorf("%w: job %d does not belong to the project and contractor", ErrValidation, in.JobID)
		}
		draw, err := drawFor(job.ContractValue(), job.PaidToDate, in)
		if err != nil {
			return lineSet{}, fmt.Errorf("job %d %q: %w", job.ID, job.ItemName, err)
		}
		set.jobs = append(set.jobs, JobLine{
			JobID:           job.ID,
			Amount:          draw.Amount,
			ProgressPercent: draw.ProgressPercent,
			ItemName:        job.ItemName,
			Unit:            job.Unit,
			Quantity:        job.BOQQuantity,
			UnitPrice:       job.EffectiveUnitPrice(),
			PlotID:          job.PlotID,
			PlotName:        job.PlotName,
			PlotType:        job.HouseModelName,
			ProjectName:     job.ProjectName,
		})
		set.work = set.work.Add(draw.Amount)
	}
	for _, in := range adjInputs {
		line := in.line()
		line.Description = strings.TrimSpace(line.Description)
		line.Unit = strings.TrimSpace(line.Unit)
		line.PlotName = strings.TrimSpace(line.PlotName)
		set.adjustments = append(set.adjustments, line)
	}
	totals, err := Adjustments(set.adjustments)
	if err != nil {
		return lineSet{}, err
	}
	set.adjTotals = totals
	return set, nil
}

func jobIDs(in []JobLineInput) []int64 {
	ids := make([]int64, 0, len(in))
	for _, j := range in {
		ids = append(ids, j.JobID)
	}
	return ids
}

func storedJobInputs(lines []JobLine) []JobLineInput {
	out := make([]JobLineInput, 0, len(lines))
	for _, l := range lines {
		out = append(out, JobLineInput{JobID: l.JobID, ProgressPercent: l.ProgressPercent})
	}
	return out
}

func storedAdjustmentInputs(lines []AdjustmentLine) []AdjustmentInput {
	out := make([]AdjustmentInput, 0, len(lines))
	for _, l := range lines {
		out = append(out, AdjustmentInput{
			Kind:        l.Kind,
			Description: l.Description,
			Unit:        l.Unit,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			PlotName:    l.PlotName,
		})
	}
	return out
}
