// Package sched supervises named, individually cancellable background
// workers. Each engine registers one worker per symbol; stopping a worker
// cancels only its context, stopping the supervisor joins everything.
package sched

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/fluxtrade/execore/errs"
	"github.com/fluxtrade/execore/internal/observability"
)

// Worker is a long-running loop. It must return promptly once its context
// is cancelled.
type Worker func(ctx context.Context)

// Supervisor tracks named workers and joins them on Stop.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      conc.WaitGroup
	stopped bool
}

// NewSupervisor creates a supervisor parented to ctx.
func NewSupervisor(ctx context.Context) *Supervisor {
	supCtx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		ctx:     supCtx,
		cancel:  cancel,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches a named worker. Names must be unique among live workers.
func (s *Supervisor) Start(name string, worker Worker) error {
	if worker == nil {
		return errs.New("sched", errs.CodeInvalid, errs.WithMessage("worker must not be nil"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errs.New("sched", errs.CodeUnavailable, errs.WithMessage("supervisor stopped"))
	}
	if _, exists := s.cancels[name]; exists {
		return errs.New("sched", errs.CodeConflict,
			errs.WithMessage("worker already running: "+name))
	}

	workerCtx, cancel := context.WithCancel(s.ctx)
	s.cancels[name] = cancel

	s.wg.Go(func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.cancels, name)
			s.mu.Unlock()
		}()
		observability.Log().Debug("worker started", observability.F("worker", name))
		worker(workerCtx)
		observability.Log().Debug("worker stopped", observability.F("worker", name))
	})
	return nil
}

// StopWorker cancels the named worker's context. Unknown names are a no-op.
func (s *Supervisor) StopWorker(name string) {
	s.mu.Lock()
	cancel, ok := s.cancels[name]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether a worker with the given name is live.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancels[name]
	return ok
}

// Stop cancels every worker and blocks until all have returned.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
