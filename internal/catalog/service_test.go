package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildpay/buildpay/internal/ledger"
)

type stubRepo struct {
	inFlight    atomic.Int32
	overlap     atomic.Bool
	contractErr error
}

func (s *stubRepo) enter() func() {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	time.Sleep(20 * time.Millisecond)
	return func() { s.inFlight.Add(-1) }
}

func (s *stubRepo) ListProjects(context.Context) ([]Project, error) {
	defer s.enter()()
	return []Project{{ID: 1, Name: "Green Ville"}}, nil
}

func (s *stubRepo) ListContractors(context.Context) ([]Contractor, error) {
	defer s.enter()()
	if s.contractErr != nil {
		return nil, s.contractErr
	}
	return []Contractor{{ID: 7, Name: "Somchai Build", TypeName: "Structure"}}, nil
}

func (s *stubRepo) ListPlots(_ context.Context, projectID int64) ([]Plot, error) {
	return []Plot{{ID: 10, ProjectID: projectID, Name: "A-01"}}, nil
}

type stubJobs struct {
	got ledger.JobFilter
}

func (s *stubJobs) ListJobs(_ context.Context, filter ledger.JobFilter) ([]ledger.JobSummary, error) {
	s.got = filter
	return []ledger.JobSummary{{ID: 1}}, nil
}

func TestOptionsFetchesConcurrently(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, &stubJobs{})

	opts, err := svc.Options(context.Background())
	require.NoError(t, err)
	require.Len(t, opts.Projects, 1)
	require.Len(t, opts.Contractors, 1)
	require.True(t, repo.overlap.Load())
}

func TestOptionsPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(&stubRepo{contractErr: boom}, &stubJobs{})
	_, err := svc.Options(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestListBoqJobsRequiresProjectAndContractor(t *testing.T) {
	jobs := &stubJobs{}
	svc := NewService(&stubRepo{}, jobs)
	ctx := context.Background()

	_, err := svc.ListBoqJobs(ctx, 0, 7, nil)
	require.ErrorIs(t, err, ErrValidation)

	plot := int64(10)
	out, err := svc.ListBoqJobs(ctx, 100, 7, &plot)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, int64(100), *jobs.got.ProjectID)
	require.Equal(t, int64(7), *jobs.got.ContractorID)
	require.Equal(t, int64(10), *jobs.got.PlotID)

	_, err = svc.ListPlots(ctx, 0)
	require.ErrorIs(t, err, ErrValidation)
}
