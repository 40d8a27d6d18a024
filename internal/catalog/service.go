package catalog

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/buildpay/buildpay/internal/ledger"
)

// JobLister lists BOQ jobs from the ledger.
type JobLister interface {
	ListJobs(ctx context.Context, filter ledger.JobFilter) ([]ledger.JobSummary, error)
}

// Service serves catalog feeds.
type Service struct {
	repo Repository
	jobs JobLister
}

// NewService constructs the catalog service.
func NewService(repo Repository, jobs JobLister) *Service {
	return &Service{repo: repo, jobs: jobs}
}

func (s *Service) ListProjects(ctx context.Context) ([]Project, error) {
	return s.repo.ListProjects(ctx)
}

func (s *Service) ListContractors(ctx context.Context) ([]Contractor, error) {
	return s.repo.ListContractors(ctx)
}

func (s *Service) ListPlots(ctx context.Context, projectID int64) ([]Plot, error) {
	if projectID <= 0 {
		return nil, fmt.Errorf("%w: project is required", ErrValidation)
	}
	return s.repo.ListPlots(ctx, projectID)
}

// ListBoqJobs lists the jobs a contractor holds on a project, optionally on one plot.
func (s *Service) ListBoqJobs(ctx context.Context, projectID, contractorID int64, plotID *int64) ([]ledger.JobSummary, error) {
	if projectID <= 0 || contractorID <= 0 {
		return nil, fmt.Errorf("%w: project and contractor are required", ErrValidation)
	}
	return s.jobs.ListJobs(ctx, ledger.JobFilter{ProjectID: &projectID, ContractorID: &contractorID, PlotID: plotID})
}

// Options fetches projects and contractors concurrently.
func (s *Service) Options(ctx context.Context) (Options, error) {
	var opts Options
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		projects, err := s.repo.ListProjects(gctx)
		if err != nil {
			return err
		}
		opts.Projects = projects
		return nil
	})
	g.Go(func() error {
		contractors, err := s.repo.ListContractors(gctx)
		if err != nil {
			return err
		}
		opts.Contractors = contractors
		return nil
	})
	if err := g.Wait(); err != nil {
		return Options{}, err
	}
	if opts.Projects == nil {
		opts.Projects = []Project{}
	}
	if opts.Contractors == nil {
		opts.Contractors = []Contractor{}
	}
	return opts, nil
}
