// Package worker implements the polling supervisor: it claims ready
// workflows from a store and dispatches each to the run engine, fire and
// forget, bounded by a semaphore so a burst of ready work cannot exhaust the
// process.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/stepwise/stepwise"
	"github.com/stepwise/stepwise/engine"
)

// Runner is the subset of engine.Engine the Supervisor depends on. Accepting
// an interface rather than *engine.Engine keeps worker tests free of a real
// store.
type Runner interface {
	Run(ctx context.Context, workflowID string) error
}

var _ Runner = (*engine.Engine)(nil)

// Supervisor owns the poll loop described in spec §4.5: claim, dispatch,
// repeat; sleep pollInterval when nothing is claimable.
type Supervisor struct {
	store  stepwise.Store
	engine Runner
	cfg    stepwise.Config

	sem chan struct{}
	wg  sync.WaitGroup
}

// New constructs a Supervisor. cfg.MaxConcurrentRuns bounds the number of
// in-flight Run invocations; zero means unbounded.
func New(store stepwise.Store, eng Runner, cfg stepwise.Config) *Supervisor {
	s := &Supervisor{store: store, engine: eng, cfg: cfg}
	if cfg.MaxConcurrentRuns > 0 {
		s.sem = make(chan struct{}, cfg.MaxConcurrentRuns)
	}
	return s
}

// Poll runs the supervisor loop until ctx is cancelled. Each iteration
// attempts one claim; on success it dispatches engine.Run in a tracked
// goroutine without waiting for it, then immediately loops to attempt
// another claim. On an empty claim it sleeps cfg.PollInterval before
// retrying. Poll returns once ctx is done and every dispatched run has
// returned — dispatched goroutines are tracked but not cancelled: each run
// gets a context that keeps ctx's values but not its cancellation, per
// spec §4.5's cancellation policy.
func (s *Supervisor) Poll(ctx context.Context) {
	logger := s.cfg.Logger
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		default:
		}

		now := s.cfg.Clock.Now()
		id, ok, err := s.store.Claim(ctx, now, now.Add(s.cfg.TimeoutInterval))
		if err != nil {
			stepwise.LogPersistenceError(logger, "", "claim", err)
			if delayErr := s.cfg.Delay.Delay(ctx, s.cfg.PollInterval); delayErr != nil {
				s.wg.Wait()
				return
			}
			continue
		}

		if !ok {
			stepwise.LogPollEmpty(logger)
			if delayErr := s.cfg.Delay.Delay(ctx, s.cfg.PollInterval); delayErr != nil {
				s.wg.Wait()
				return
			}
			continue
		}

		s.dispatch(ctx, id)
	}
}

func (s *Supervisor) dispatch(ctx context.Context, workflowID string) {
	if s.sem != nil {
		s.sem <- struct{}{}
	}
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		if s.sem != nil {
			defer func() { <-s.sem }()
		}
		defer func() {
			if r := recover(); r != nil {
				stepwise.LogPersistenceError(s.cfg.Logger, workflowID, "run-panic", errFromRecover(r))
			}
		}()

		if err := s.engine.Run(context.WithoutCancel(ctx), workflowID); err != nil {
			stepwise.LogPersistenceError(s.cfg.Logger, workflowID, "run", err)
		}
	}()
}

func errFromRecover(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}
