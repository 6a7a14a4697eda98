// Package pipeline drives a build through its phases, one goroutine per build.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"appforge/internal/agent"
	"appforge/internal/models"
	"appforge/internal/packaging"
	"appforge/internal/progress"
	"appforge/internal/registry"
	"appforge/internal/telemetry"
)

// ErrInterrupted is reported when a build's context ends without an owner cancellation,
// typically because the server is shutting down.
var ErrInterrupted = errors.New("build interrupted")

// Packager turns the collected artifacts into an archive.
type Packager interface {
	Package(ctx context.Context, name string, a packaging.Artifacts) (models.BuildResult, error)
}

type Pipeline struct {
	reg      *registry.Registry
	reporter *progress.Reporter
	agents   agent.Agents
	packager Packager

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	now  func() time.Time
}

func New(reg *registry.Registry, reporter *progress.Reporter, agents agent.Agents, packager Packager) *Pipeline {
	root, stop := context.WithCancel(context.Background())
	return &Pipeline{
		reg:      reg,
		reporter: reporter,
		agents:   agents,
		packager: packager,
		root:     root,
		stop:     stop,
		now:      time.Now,
	}
}

// state is what one run accumulates as its steps complete.
type state struct {
	job       models.BuildJob
	artifacts packaging.Artifacts
	files     map[string]string
}

type step struct {
	name string
	fn   func(ctx context.Context, s *state) error
}

// Start runs the build for job in the background. The job must already be in the registry.
func (p *Pipeline) Start(job models.BuildJob) {
	ctx, cancel := context.WithCancel(p.root)
	if !p.reg.Attach(job.BuildID, cancel) {
		cancel()
		log.Printf("pipeline: build %s not in registry, not starting", job.BuildID)
		return
	}
	telemetry.BuildsStarted.Inc()
	telemetry.ActiveBuilds.Inc()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.run(ctx, job)
	}()
}

// Cancel marks the build cancelled and interrupts its task. It returns false when the build
// is unknown or already finished.
func (p *Pipeline) Cancel(ctx context.Context, buildID string) bool {
	if !p.reporter.Report(ctx, buildID, progress.Cancelled{}) {
		return false
	}
	p.reg.Interrupt(buildID)
	log.Printf("pipeline: build %s cancelled", buildID)
	return true
}

// Shutdown interrupts every running build and waits for their goroutines to exit or ctx to end.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.stop()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every started build has returned.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) run(ctx context.Context, job models.BuildJob) {
	s := &state{
		job:       job,
		artifacts: packaging.Artifacts{Description: job.Request.Description},
		files:     map[string]string{},
	}
	steps := []step{
		{name: models.PhaseInitializing, fn: p.initialize},
		{name: models.PhaseResearch, fn: p.research},
		{name: models.PhaseStrategy, fn: p.strategy},
		{name: models.PhaseCode, fn: p.code},
		{name: models.PhaseTesting, fn: p.testing},
		{name: models.PhasePackaging, fn: p.pkg},
	}

	current := ""
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("pipeline: build %s panicked in %s: %v", job.BuildID, current, rec)
			p.reporter.Report(ctx, job.BuildID, progress.Failed{
				Err:   fmt.Errorf("%v", rec),
				Stack: string(debug.Stack()),
			})
		}
	}()

	for _, st := range steps {
		current = st.name
		start := p.now()
		band := bands[st.name]
		p.reporter.Report(ctx, job.BuildID, progress.PhaseStarted{
			Phase:    st.name,
			Progress: band.Start,
			Message:  startMessages[st.name],
		})

		err := st.fn(ctx, s)
		telemetry.PhaseDuration.WithLabelValues(st.name).Observe(p.now().Sub(start).Seconds())
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			p.fail(ctx, job.BuildID, st.name, err)
			return
		}
	}
}

func (p *Pipeline) fail(ctx context.Context, buildID, phase string, err error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// An owner cancel has already made the job terminal, so this only lands on shutdown.
		err = ErrInterrupted
	}
	log.Printf("pipeline: build %s failed in %s: %v", buildID, phase, err)
	p.reporter.Report(ctx, buildID, progress.Failed{
		Err:   err,
		Stack: fmt.Sprintf("phase %s: %+v", phase, err),
	})
}

func (p *Pipeline) initialize(ctx context.Context, s *state) error {
	req := s.job.Request
	p.reporter.Report(ctx, s.job.BuildID, progress.PhaseProgress{
		Progress: bands[models.PhaseInitializing].End - 1,
		Message:  fmt.Sprintf("Planning %s for %s", s.job.ProjectName, describeTarget(req)),
	})
	return nil
}

func (p *Pipeline) research(ctx context.Context, s *state) error {
	res, err := p.agents.Researcher.Research(ctx, s.job.Request)
	if err != nil {
		return err
	}
	s.artifacts.Research = res
	p.reporter.Report(ctx, s.job.BuildID, progress.PhaseProgress{
		Progress: bands[models.PhaseResearch].End,
		Message:  fmt.Sprintf("Analyzed %d competitors and %d reviews", len(res.Competitors), res.ReviewsScanned),
		Stats: models.StatsDelta{
			CompetitorsAnalyzed: models.Int(len(res.Competitors)),
			ReviewsScanned:      models.Int(res.ReviewsScanned),
		},
	})
	return nil
}

func (p *Pipeline) strategy(ctx context.Context, s *state) error {
	res, err := p.agents.Strategist.Strategize(ctx, s.job.Request, s.artifacts.Research)
	if err != nil {
		return err
	}
	s.artifacts.Strategy = res
	p.reporter.Report(ctx, s.job.BuildID, progress.PhaseProgress{
		Progress: bands[models.PhaseStrategy].End,
		Message:  fmt.Sprintf("Planned %d core features", len(res.CoreFeatures)),
	})
	return nil
}

func (p *Pipeline) code(ctx context.Context, s *state) error {
	brief := agent.Brief{Request: s.job.Request, Research: s.artifacts.Research, Strategy: s.artifacts.Strategy}
	band := bands[models.PhaseCode]
	span := band.End - band.Start

	fe, err := p.agents.Coder.Frontend(ctx, brief)
	if err != nil {
		return fmt.Errorf("frontend: %w", err)
	}
	s.artifacts.Frontend = fe
	p.addFiles(ctx, s, packaging.TierFiles("frontend", fe.Files), "Frontend generated")
	p.reportCode(ctx, s, band.Start+span/3, fmt.Sprintf("Generated %d frontend components", fe.Components))

	be, err := p.agents.Coder.Backend(ctx, brief)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	s.artifacts.Backend = be
	p.addFiles(ctx, s, packaging.TierFiles("backend", be.Files), "Backend generated")
	p.reportCode(ctx, s, band.Start+2*span/3, fmt.Sprintf("Generated %d API endpoints", be.APIs))

	db, err := p.agents.Coder.Database(ctx, brief)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	s.artifacts.Database = db
	p.addFiles(ctx, s, packaging.DatabaseFiles(db), "Database schema generated")
	p.reportCode(ctx, s, band.End, fmt.Sprintf("Wrote %d migrations", len(db.Migrations)))
	return nil
}

func (p *Pipeline) reportCode(ctx context.Context, s *state, pct int, msg string) {
	p.reporter.Report(ctx, s.job.BuildID, progress.PhaseProgress{
		Progress: pct,
		Message:  msg,
		Stats: models.StatsDelta{
			FilesGenerated:    models.Int(len(s.files)),
			LinesOfCode:       models.Int(countLines(s.files)),
			ComponentsCreated: models.Int(s.artifacts.Frontend.Components),
			APIsGenerated:     models.Int(s.artifacts.Backend.APIs),
		},
	})
}

func (p *Pipeline) testing(ctx context.Context, s *state) error {
	brief := agent.Brief{Request: s.job.Request, Research: s.artifacts.Research, Strategy: s.artifacts.Strategy}
	review := make(map[string]string, len(s.files))
	for k, v := range s.files {
		review[k] = v
	}
	qa, err := p.agents.Reviewer.Review(ctx, brief, review)
	if err != nil {
		return err
	}
	s.artifacts.QA = qa
	tests := packaging.TierFiles("tests", qa.TestFiles)
	p.addFiles(ctx, s, tests, "Tests written")
	p.reporter.Report(ctx, s.job.BuildID, progress.PhaseProgress{
		Progress: bands[models.PhaseTesting].End,
		Message:  fmt.Sprintf("Quality score %d/100, %d issues", qa.Score, len(qa.Issues)),
		Stats: models.StatsDelta{
			FilesGenerated: models.Int(len(s.files)),
			LinesOfCode:    models.Int(countLines(s.files)),
			TestsWritten:   models.Int(len(tests)),
		},
	})
	return nil
}

func (p *Pipeline) pkg(ctx context.Context, s *state) error {
	res, err := p.packager.Package(ctx, s.job.ProjectName, s.artifacts)
	if err != nil {
		return err
	}
	p.reporter.Report(ctx, s.job.BuildID, progress.Completed{
		Result:  res,
		Message: fmt.Sprintf("Build completed: %d files packaged", res.FileCount),
	})
	log.Printf("pipeline: build %s completed (%d files)", s.job.BuildID, res.FileCount)
	return nil
}

func (p *Pipeline) addFiles(ctx context.Context, s *state, files map[string]string, msg string) {
	if len(files) == 0 {
		return
	}
	for k, v := range files {
		s.files[k] = v
	}
	p.reporter.Report(ctx, s.job.BuildID, progress.FilesAdded{Files: files, Message: msg})
}

func countLines(files map[string]string) int {
	n := 0
	for _, content := range files {
		if content == "" {
			continue
		}
		n += strings.Count(content, "\n")
		if !strings.HasSuffix(content, "\n") {
			n++
		}
	}
	return n
}

func describeTarget(req models.BuildRequest) string {
	parts := make([]string, 0, 3)
	for _, v := range []string{req.Platform, req.Framework, req.Database} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return "web"
	}
	return strings.Join(parts, " / ")
}
