// Package memory implements stepwise.Store in process memory. It is meant
// for tests and single-process examples — state does not survive a restart,
// so it cannot provide the cross-process recovery the rest of the package
// exists for, but it is useful for exercising the run engine, the worker and
// the client against the exact same contract the durable backends satisfy.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/stepwise/stepwise"
)

type record struct {
	handler   string
	input     json.RawMessage
	status    stepwise.Status
	timeoutAt time.Time
	failures  int
	lastError string
}

// Store is an in-memory, mutex-guarded implementation of stepwise.Store.
type Store struct {
	mu   sync.Mutex
	runs map[string]*record
	// outputs maps workflow id -> step id -> recorded output.
	outputs map[string]map[string]json.RawMessage
	// wakeUps maps workflow id -> nap id -> recorded wake time.
	wakeUps map[string]map[string]time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		runs:    make(map[string]*record),
		outputs: make(map[string]map[string]json.RawMessage),
		wakeUps: make(map[string]map[string]time.Time),
	}
}

func (s *Store) Insert(_ context.Context, id, handler string, input json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[id]; exists {
		return false, nil
	}

	inputCopy := make(json.RawMessage, len(input))
	copy(inputCopy, input)

	s.runs[id] = &record{
		handler: handler,
		input:   inputCopy,
		status:  stepwise.StatusIdle,
	}
	s.outputs[id] = make(map[string]json.RawMessage)
	s.wakeUps[id] = make(map[string]time.Time)
	return true, nil
}

func (s *Store) Claim(_ context.Context, now, timeoutAt time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.runs {
		ready := r.status == stepwise.StatusIdle ||
			((r.status == stepwise.StatusRunning || r.status == stepwise.StatusFailed) && r.timeoutAt.Before(now))
		if !ready {
			continue
		}
		r.status = stepwise.StatusRunning
		r.timeoutAt = timeoutAt
		return id, true, nil
	}
	return "", false, nil
}

func (s *Store) FindOutput(_ context.Context, workflowID, stepID string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.outputs[workflowID]
	if !ok {
		return nil, false, nil
	}
	out, ok := steps[stepID]
	if !ok {
		return nil, false, nil
	}
	outCopy := make(json.RawMessage, len(out))
	copy(outCopy, out)
	return outCopy, true, nil
}

func (s *Store) FindWakeUpAt(_ context.Context, workflowID, napID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	naps, ok := s.wakeUps[workflowID]
	if !ok {
		return time.Time{}, false, nil
	}
	wakeUpAt, ok := naps[napID]
	return wakeUpAt, ok, nil
}

func (s *Store) FindRunData(_ context.Context, workflowID string) (stepwise.RunData, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[workflowID]
	if !ok {
		return stepwise.RunData{}, false, nil
	}
	return stepwise.RunData{Handler: r.handler, Input: r.input, Failures: r.failures}, true, nil
}

func (s *Store) SetAsFinished(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[workflowID]
	if !ok {
		return stepwise.ErrWorkflowNotFound(workflowID)
	}
	r.status = stepwise.StatusFinished
	return nil
}

func (s *Store) FindStatus(_ context.Context, workflowID string) (stepwise.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[workflowID]
	if !ok {
		return "", false, nil
	}
	return r.status, true, nil
}

func (s *Store) UpdateStatus(_ context.Context, workflowID string, status stepwise.Status, timeoutAt time.Time, failures int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[workflowID]
	if !ok {
		return stepwise.ErrWorkflowNotFound(workflowID)
	}
	r.status = status
	r.timeoutAt = timeoutAt
	r.failures = failures
	r.lastError = lastError
	return nil
}

func (s *Store) UpdateOutput(_ context.Context, workflowID, stepID string, output json.RawMessage, timeoutAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[workflowID]
	if !ok {
		return stepwise.ErrWorkflowNotFound(workflowID)
	}

	if _, exists := s.outputs[workflowID][stepID]; !exists {
		outCopy := make(json.RawMessage, len(output))
		copy(outCopy, output)
		s.outputs[workflowID][stepID] = outCopy
	}
	r.timeoutAt = timeoutAt
	return nil
}

func (s *Store) UpdateWakeUpAt(_ context.Context, workflowID, napID string, wakeUpAt, timeoutAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[workflowID]
	if !ok {
		return stepwise.ErrWorkflowNotFound(workflowID)
	}

	if _, exists := s.wakeUps[workflowID][napID]; !exists {
		s.wakeUps[workflowID][napID] = wakeUpAt
	}
	r.timeoutAt = timeoutAt
	return nil
}

var _ stepwise.Store = (*Store)(nil)
