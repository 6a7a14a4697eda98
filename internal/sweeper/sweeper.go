// Package sweeper evicts expired builds and their archives.
package sweeper

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"appforge/internal/models"
	"appforge/internal/registry"
	"appforge/internal/telemetry"
)

type Sweeper struct {
	cron *cron.Cron
	reg  *registry.Registry
	dir  string
	ttl  time.Duration
	now  func() time.Time
}

// New returns a sweeper for builds in reg and archives in dir. Nothing runs until Schedule
// and Start are called.
func New(reg *registry.Registry, dir string, ttl time.Duration) *Sweeper {
	return &Sweeper{
		cron: cron.New(),
		reg:  reg,
		dir:  dir,
		ttl:  ttl,
		now:  time.Now,
	}
}

// Schedule registers both sweeps with their cron specs, e.g. "@every 1h".
func (s *Sweeper) Schedule(registrySpec, directorySpec string) error {
	if _, err := s.cron.AddFunc(registrySpec, func() { s.SweepRegistry(s.now()) }); err != nil {
		return fmt.Errorf("sweeper: schedule registry sweep %q: %w", registrySpec, err)
	}
	sweepDir := func() {
		if _, err := s.SweepDirectory(s.now()); err != nil {
			log.Printf("%v", err)
		}
	}
	if _, err := s.cron.AddFunc(directorySpec, sweepDir); err != nil {
		return fmt.Errorf("sweeper: schedule directory sweep %q: %w", directorySpec, err)
	}
	log.Printf("sweeper: registry %q, directory %q, ttl %s", registrySpec, directorySpec, s.ttl)
	return nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	log.Println("sweeper: started")
}

func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("sweeper: stopped")
}

// SweepRegistry removes builds started more than the TTL before now along with their
// archives. It returns how many builds were evicted.
func (s *Sweeper) SweepRegistry(now time.Time) int {
	cutoff := now.Add(-s.ttl)
	evicted := 0
	for _, listed := range s.reg.List() {
		if !listed.StartedAt.Before(cutoff) {
			continue
		}
		// The removed record, not the listed one, decides: the build may have finished since.
		job, ok := s.reg.Delete(listed.BuildID)
		if !ok {
			continue
		}
		if job.Result != nil && job.Result.ZipPath != "" {
			if err := removeFile(job.Result.ZipPath); err != nil {
				log.Printf("sweeper: remove archive for %s: %v", job.BuildID, err)
			}
		}
		if job.Status == models.StatusBuilding {
			telemetry.ActiveBuilds.Dec()
		}
		telemetry.SweptBuilds.Inc()
		evicted++
	}
	if evicted > 0 {
		log.Printf("sweeper: evicted %d expired builds", evicted)
	}
	return evicted
}

// SweepDirectory deletes regular files in the archive directory last modified more than the
// TTL before now. A missing directory is not an error.
func (s *Sweeper) SweepDirectory(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sweeper: read %s: %w", s.dir, err)
	}
	cutoff := now.Add(-s.ttl)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		if err := removeFile(p); err != nil {
			log.Printf("sweeper: remove %s: %v", p, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Printf("sweeper: removed %d expired archives from %s", removed, s.dir)
	}
	return removed, nil
}

func removeFile(p string) error {
	err := os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil {
		telemetry.SweptArchives.Inc()
	}
	return err
}
