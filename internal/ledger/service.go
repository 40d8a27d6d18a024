package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/buildpay/buildpay/internal/money"
	"github.com/buildpay/buildpay/internal/shared"
)

// Invalidator drops derived read models after ledger mutations.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service exposes job ledger reads and direct settlements.
type Service struct {
	repo   Repository
	cache  Invalidator
	audit  AuditPort
	logger *slog.Logger
}

// NewService constructs the ledger service. cache and audit may be nil.
func NewService(repo Repository, cache Invalidator, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, audit: audit, logger: logger}
}

// ListBillableJobs returns jobs with a positive remaining balance.
func (s *Service) ListBillableJobs(ctx context.Context, filter JobFilter) ([]JobSummary, error) {
	if filter.ProjectID == nil || filter.ContractorID == nil {
		return nil, fmt.Errorf("%w: project and contractor are required", ErrValidation)
	}
	jobs, err := s.repo.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		if !j.Remaining().IsPositive() {
			continue
		}
		out = append(out, j.Summary())
	}
	return out, nil
}

// ListJobs returns every job matching filter, settled or not.
func (s *Service) ListJobs(ctx context.Context, filter JobFilter) ([]JobSummary, error) {
	jobs, err := s.repo.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summary())
	}
	return out, nil
}

// Jobs loads jobs keyed by id.
func (s *Service) Jobs(ctx context.Context, ids []int64) (map[int64]Job, error) {
	jobs, err := s.repo.GetJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Job, len(jobs))
	for _, j := range jobs {
		out[j.ID] = j
	}
	return out, nil
}

// JobHistory returns every job on a plot with its payments.
func (s *Service) JobHistory(ctx context.Context, plotID int64) ([]JobHistory, error) {
	jobs, err := s.repo.ListJobs(ctx, JobFilter{PlotID: &plotID})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	payments, err := s.repo.ListPayments(ctx, ids)
	if err != nil {
		return nil, err
	}
	byJob := make(map[int64][]Payment, len(jobs))
	for _, p := range payments {
		byJob[p.JobID] = append(byJob[p.JobID], p)
	}
	out := make([]JobHistory, 0, len(jobs))
	for _, j := range jobs {
		history := JobHistory{JobSummary: j.Summary(), Payments: byJob[j.ID]}
		if history.Payments == nil {
			history.Payments = []Payment{}
		}
		out = append(out, history)
	}
	return out, nil
}

// Summary returns ledger totals and the most recent payments.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	out, err := s.repo.Summary(ctx, RecentPaymentLimit)
	if err != nil {
		return Summary{}, err
	}
	out.TotalPaid = money.Round(out.TotalPaid)
	if out.RecentPayments == nil {
		out.RecentPayments = []RecentPayment{}
	}
	return out, nil
}

// RecordSettlement appends a payment that does not belong to a billing document.
func (s *Service) RecordSettlement(ctx context.Context, actor shared.Actor, input SettlementInput) (Payment, error) {
	if input.JobID <= 0 {
		return Payment{}, fmt.Errorf("%w: job is required", ErrValidation)
	}
	if !input.Amount.IsPositive() {
		return Payment{}, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	jobs, err := s.Jobs(ctx, []int64{input.JobID})
	if err != nil {
		return Payment{}, err
	}
	job, ok := jobs[input.JobID]
	if !ok {
		return Payment{}, ErrJobNotFound
	}
	payment, err := s.repo.InsertPayment(ctx, Payment{
		JobID:     input.JobID,
		Amount:    money.Round(input.Amount),
		PaidAt:    input.PaidAt,
		Note:      strings.TrimSpace(input.Note),
		CreatedBy: actor.UserID,
	})
	if err != nil {
		return Payment{}, err
	}
	job.PaidToDate = job.PaidToDate.Add(payment.Amount)
	if job.Overpaid() {
		s.logger.Warn("job overpaid after settlement",
			slog.Int64("job_id", job.ID),
			slog.String("contract_value", job.ContractValue().String()),
			slog.String("paid_to_date", job.PaidToDate.String()))
	}
	s.afterMutation(ctx, actor, "PAYMENT_CREATE", payment)
	return payment, nil
}

// DeleteSettlement removes a direct payment. Billing-generated payments are refused.
func (s *Service) DeleteSettlement(ctx context.Context, actor shared.Actor, paymentID int64) error {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.BillingDocumentID != nil {
		return fmt.Errorf("%w: billing %d", ErrOwnedByBilling, *payment.BillingDocumentID)
	}
	if err := s.repo.DeletePayment(ctx, paymentID); err != nil {
		return err
	}
	s.afterMutation(ctx, actor, "PAYMENT_DELETE", payment)
	return nil
}

func (s *Service) afterMutation(ctx context.Context, actor shared.Actor, action string, p Payment) {
	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Warn("bump report cache", slog.Any("error", err))
		}
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.UserID,
			Action:   action,
			Entity:   "payment",
			EntityID: fmt.Sprintf("%d", p.ID),
			Meta:     map[string]any{"job_id": p.JobID, "amount": p.Amount.StringFixed(money.Places)},
		})
	}
}
