package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/buildpay/buildpay/internal/ledger"
	"github.com/buildpay/buildpay/internal/shared"
)

type memoryState struct {
	docs      map[int64]Document
	payments  []ledger.Payment
	seq       int64
	nextDocID int64
	nextPayID int64
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		docs:      make(map[int64]Document, len(s.docs)),
		payments:  append([]ledger.Payment(nil), s.payments...),
		seq:       s.seq,
		nextDocID: s.nextDocID,
		nextPayID: s.nextPayID,
	}
	for id, d := range s.docs {
		out.docs[id] = cloneDoc(d)
	}
	return out
}

func cloneDoc(d Document) Document {
	d.Jobs = append([]JobLine(nil), d.Jobs...)
	d.Adjustments = append([]AdjustmentLine(nil), d.Adjustments...)
	return d
}

// memoryRepo serializes transactions and discards their writes on error.
type memoryRepo struct {
	mu    sync.Mutex
	jobs  map[int64]ledger.Job
	state memoryState
	// failStep makes the named transactional write fail.
	failStep string
	// staleHeader makes UpdateHeader report that the status moved underneath.
	staleHeader bool
}

var errInjected = errors.New("injected failure")

func newMemoryRepo(jobs ...ledger.Job) *memoryRepo {
	r := &memoryRepo{jobs: make(map[int64]ledger.Job), state: memoryState{docs: make(map[int64]Document)}}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	tx := &memoryTx{repo: r, state: &work}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id int64) (Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.state.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDoc(d), nil
}

func (r *memoryRepo) List(_ context.Context, filter ListFilter) ([]Document, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Document
	for _, d := range r.state.docs {
		if filter.Status != nil && d.Status != *filter.Status {
			continue
		}
		if filter.Type != nil && d.Type != *filter.Type {
			continue
		}
		if filter.ProjectID != nil && d.ProjectID != *filter.ProjectID {
			continue
		}
		if filter.ContractorID != nil && d.ContractorID != *filter.ContractorID {
			continue
		}
		if filter.CreatedBy != nil && d.CreatedBy != *filter.CreatedBy {
			continue
		}
		d.Jobs, d.Adjustments = nil, nil
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := len(out)
	offset := shared.Offset(filter.Page, filter.PerPage)
	_, perPage := shared.NormalizePage(filter.Page, filter.PerPage)
	if offset >= len(out) {
		return nil, total, nil
	}
	end := offset + perPage
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], total, nil
}

func (r *memoryRepo) ListApproved(_ context.Context, filter CycleFilter) ([]Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Document
	for _, d := range r.state.docs {
		if d.Status != StatusApproved || d.BillingDate.Before(filter.DateFrom) || d.BillingDate.After(filter.DateTo) {
			continue
		}
		if filter.ProjectID != nil && d.ProjectID != *filter.ProjectID {
			continue
		}
		if filter.ContractorID != nil && d.ContractorID != *filter.ContractorID {
			continue
		}
		out = append(out, cloneDoc(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocNo < out[j].DocNo })
	return out, nil
}

func (r *memoryRepo) ListExtraWork(_ context.Context, filter ExtraWorkFilter) ([]Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Document
	for _, d := range r.state.docs {
		if d.Type != TypeExtraWork {
			continue
		}
		if filter.ProjectID != nil && d.ProjectID != *filter.ProjectID {
			continue
		}
		if filter.PlotID != nil && (d.PlotID == nil || *d.PlotID != *filter.PlotID) {
			continue
		}
		out = append(out, cloneDoc(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocNo > out[j].DocNo })
	return out, nil
}

func (r *memoryRepo) Anomalies(_ context.Context) ([]Anomaly, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	paid := make(map[int64]decimal.Decimal)
	for _, p := range r.state.payments {
		if p.BillingDocumentID != nil {
			paid[*p.BillingDocumentID] = paid[*p.BillingDocumentID].Add(p.Amount)
		}
	}
	var out []Anomaly
	for _, d := range r.state.docs {
		got, hasPayments := paid[d.ID]
		if d.Status != StatusApproved {
			if hasPayments {
				out = append(out, Anomaly{DocumentID: d.ID, DocNo: d.DocNo, Status: d.Status, Kind: AnomalyOrphanPayment, Expected: "0.00", Actual: got.StringFixed(2)})
			}
			continue
		}
		want := decimal.Zero
		for _, l := range d.Jobs {
			want = want.Add(l.Amount)
		}
		if !want.Equal(got) {
			out = append(out, Anomaly{DocumentID: d.ID, DocNo: d.DocNo, Status: d.Status, Kind: AnomalyPaymentMismatch, Expected: want.StringFixed(2), Actual: got.StringFixed(2)})
		}
	}
	return out, nil
}

// Jobs implements JobReader against committed payments.
func (r *memoryRepo) Jobs(_ context.Context, ids []int64) (map[int64]ledger.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return jobsWithPaid(r.jobs, r.state.payments, ids), nil
}

func (r *memoryRepo) paidToDate(jobID int64) decimal.Decimal {
	jobs, _ := r.Jobs(context.Background(), []int64{jobID})
	return jobs[jobID].PaidToDate
}

func (r *memoryRepo) paymentsFor(docID int64) []ledger.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ledger.Payment
	for _, p := range r.state.payments {
		if p.BillingDocumentID != nil && *p.BillingDocumentID == docID {
			out = append(out, p)
		}
	}
	return out
}

func (r *memoryRepo) addPayment(jobID int64, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.nextPayID++
	r.state.payments = append(r.state.payments, ledger.Payment{ID: r.state.nextPayID, JobID: jobID, Amount: amount, PaidAt: time.Now()})
}

func jobsWithPaid(base map[int64]ledger.Job, payments []ledger.Payment, ids []int64) map[int64]ledger.Job {
	out := make(map[int64]ledger.Job, len(ids))
	for _, id := range ids {
		j, ok := base[id]
		if !ok {
			continue
		}
		j.PaidToDate = decimal.Zero
		for _, p := range payments {
			if p.JobID == id {
				j.PaidToDate = j.PaidToDate.Add(p.Amount)
			}
		}
		out[id] = j
	}
	return out
}

type memoryTx struct {
	repo  *memoryRepo
	state *memoryState
}

func (t *memoryTx) fail(step string) error {
	if t.repo.failStep == step {
		return errInjected
	}
	return nil
}

func (t *memoryTx) NextDocNo(_ context.Context, _ int64) (int64, error) {
	t.state.seq++
	return t.state.seq, nil
}

func (t *memoryTx) InsertDocument(_ context.Context, doc Document) (Document, error) {
	if err := t.fail("InsertDocument"); err != nil {
		return Document{}, err
	}
	t.state.nextDocID++
	doc.ID = t.state.nextDocID
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	doc.Version = 1
	doc.Jobs, doc.Adjustments = nil, nil
	t.state.docs[doc.ID] = doc
	return doc, nil
}

func (t *memoryTx) GetForUpdate(_ context.Context, id int64) (Document, error) {
	d, ok := t.state.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDoc(d), nil
}

func (t *memoryTx) UpdateHeader(_ context.Context, doc Document, from Status) (bool, error) {
	if err := t.fail("UpdateHeader"); err != nil {
		return false, err
	}
	stored, ok := t.state.docs[doc.ID]
	if !ok || stored.Status != from || t.repo.staleHeader {
		return false, nil
	}
	doc.Jobs, doc.Adjustments = stored.Jobs, stored.Adjustments
	doc.Version = stored.Version + 1
	doc.UpdatedAt = time.Now()
	t.state.docs[doc.ID] = doc
	return true, nil
}

func (t *memoryTx) UpsertJobLines(_ context.Context, docID int64, lines []JobLine) error {
	if err := t.fail("UpsertJobLines"); err != nil {
		return err
	}
	d := t.state.docs[docID]
	d.Jobs = make([]JobLine, 0, len(lines))
	for i, l := range lines {
		l.ID = int64(i + 1)
		l.DocumentID = docID
		d.Jobs = append(d.Jobs, l)
	}
	t.state.docs[docID] = d
	return nil
}

func (t *memoryTx) ReplaceAdjustments(_ context.Context, docID int64, lines []AdjustmentLine) error {
	if err := t.fail("ReplaceAdjustments"); err != nil {
		return err
	}
	d := t.state.docs[docID]
	d.Adjustments = make([]AdjustmentLine, 0, len(lines))
	for i, l := range lines {
		l.ID = int64(i + 1)
		l.DocumentID = docID
		d.Adjustments = append(d.Adjustments, l)
	}
	t.state.docs[docID] = d
	return nil
}

func (t *memoryTx) LockJobs(_ context.Context, ids []int64) (map[int64]ledger.Job, error) {
	return jobsWithPaid(t.repo.jobs, t.state.payments, ids), nil
}

func (t *memoryTx) InsertPayment(_ context.Context, p ledger.Payment) (ledger.Payment, error) {
	if err := t.fail("InsertPayment"); err != nil {
		return ledger.Payment{}, err
	}
	t.state.nextPayID++
	p.ID = t.state.nextPayID
	t.state.payments = append(t.state.payments, p)
	return p, nil
}

func (t *memoryTx) DeletePaymentsByDocument(_ context.Context, docID int64) (int64, error) {
	if err := t.fail("DeletePaymentsByDocument"); err != nil {
		return 0, err
	}
	kept := t.state.payments[:0:0]
	var removed int64
	for _, p := range t.state.payments {
		if p.BillingDocumentID != nil && *p.BillingDocumentID == docID {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	t.state.payments = kept
	return removed, nil
}

func (t *memoryTx) DeleteDocument(_ context.Context, id int64) error {
	if err := t.fail("DeleteDocument"); err != nil {
		return err
	}
	if _, ok := t.state.docs[id]; !ok {
		return ErrNotFound
	}
	delete(t.state.docs, id)
	return nil
}

type recordingApprovals struct {
	mu   sync.Mutex
	logs []shared.ApprovalLog
}

func (r *recordingApprovals) Record(_ context.Context, log shared.ApprovalLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func (r *recordingApprovals) List(_ context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []shared.ApprovalLog
	for _, l := range r.logs {
		if l.Module == module && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *recordingApprovals) actions() []shared.ApprovalAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]shared.ApprovalAction, 0, len(r.logs))
	for _, l := range r.logs {
		out = append(out, l.Action)
	}
	return out
}

type fixedSettings struct {
	wht, retention decimal.Decimal
}

func (f fixedSettings) Withholding(context.Context) (decimal.Decimal, decimal.Decimal, error) {
	return f.wht, f.retention, nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) ObserveBillingTransition(action, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[action+"/"+outcome]++
}

func (m *countingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}
