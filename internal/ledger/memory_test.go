package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// memoryRepo is an in-memory Repository for service tests.
type memoryRepo struct {
	mu       sync.Mutex
	jobs     map[int64]Job
	payments map[int64]Payment
	nextID   int64
}

func newMemoryRepo(jobs ...Job) *memoryRepo {
	repo := &memoryRepo{jobs: map[int64]Job{}, payments: map[int64]Payment{}}
	for _, j := range jobs {
		repo.jobs[j.ID] = j
	}
	return repo
}

func (m *memoryRepo) withPaid(j Job) Job {
	paid := decimal.Zero
	for _, p := range m.payments {
		if p.JobID == j.ID {
			paid = paid.Add(p.Amount)
		}
	}
	j.PaidToDate = paid
	return j
}

func (m *memoryRepo) ListJobs(_ context.Context, filter JobFilter) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if filter.ProjectID != nil && j.ProjectID != *filter.ProjectID {
			continue
		}
		if filter.PlotID != nil && j.PlotID != *filter.PlotID {
			continue
		}
		if filter.ContractorID != nil && (j.ContractorID == nil || *j.ContractorID != *filter.ContractorID) {
			continue
		}
		out = append(out, m.withPaid(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *memoryRepo) GetJobs(_ context.Context, ids []int64) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, id := range ids {
		if j, ok := m.jobs[id]; ok {
			out = append(out, m.withPaid(j))
		}
	}
	return out, nil
}

func (m *memoryRepo) ListPayments(_ context.Context, jobIDs []int64) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[int64]bool{}
	for _, id := range jobIDs {
		want[id] = true
	}
	var out []Payment
	for _, p := range m.payments {
		if want[p.JobID] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *memoryRepo) InsertPayment(_ context.Context, p Payment) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Now()
	m.payments[p.ID] = p
	return p, nil
}

func (m *memoryRepo) GetPayment(_ context.Context, id int64) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (m *memoryRepo) DeletePayment(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[id]; !ok {
		return ErrPaymentNotFound
	}
	delete(m.payments, id)
	return nil
}

func (m *memoryRepo) Summary(_ context.Context, recent int) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	projects, plots := map[int64]bool{}, map[int64]bool{}
	out := Summary{TotalPaid: decimal.Zero, RecentPayments: []RecentPayment{}}
	for _, j := range m.jobs {
		projects[j.ProjectID] = true
		plots[j.PlotID] = true
		if j.Status == JobInProgress {
			out.ActiveJobs++
		}
	}
	out.ProjectCount, out.PlotCount = int64(len(projects)), int64(len(plots))
	payments := make([]Payment, 0, len(m.payments))
	for _, p := range m.payments {
		out.TotalPaid = out.TotalPaid.Add(p.Amount)
		payments = append(payments, p)
	}
	sort.Slice(payments, func(i, k int) bool { return payments[i].ID > payments[k].ID })
	if len(payments) > recent {
		payments = payments[:recent]
	}
	for _, p := range payments {
		j := m.jobs[p.JobID]
		out.RecentPayments = append(out.RecentPayments, RecentPayment{Payment: p, PlotName: j.PlotName, ProjectName: j.ProjectName})
	}
	return out, nil
}

type countingInvalidator struct {
	bumps int
}

func (c *countingInvalidator) Bump(context.Context) error {
	c.bumps++
	return nil
}
