// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package watch provides polling-based supervision for scheduler-submitted
// jobscripts, and the watch-file client used by the external helper.
package watch

import (
	"context"
	"fmt"
	"time"
)

// DefaultPollInterval is the default polling interval for watch operations
const DefaultPollInterval = 5 * time.Second

// State is a jobscript block-element state as reported by a scheduler.
type State string

const (
	// StatePending means the jobscript is known but not yet queued.
	StatePending State = "pending"
	// StateWaiting means the jobscript is queued, waiting for resources.
	StateWaiting State = "waiting"
	// StateRunning means at least one block element is executing.
	StateRunning State = "running"
	// StateFinished means the jobscript completed.
	StateFinished State = "finished"
	// StateCancelled means the jobscript was cancelled by the user.
	StateCancelled State = "cancelled"
	// StateErrored means the scheduler reported a failure.
	StateErrored State = "errored"
)

// EventType describes what a JobscriptEvent represents.
type EventType string

const (
	// EventAdded is emitted the first time a poll reports a ref.
	EventAdded EventType = "added"
	// EventModified is emitted when a ref's state changes between polls.
	EventModified EventType = "modified"
	// EventDeleted is emitted when a ref disappears from the scheduler.
	EventDeleted EventType = "deleted"
)

// JobscriptEvent is a state transition observed for one jobscript ref.
type JobscriptEvent struct {
	Type          EventType
	Ref           string
	PreviousState State
	NewState      State
	Timestamp     time.Time
}

// QueryFunc returns the current state of each given jobscript ref.
type QueryFunc func(ctx context.Context, refs []string) (map[string]State, error)

// JobscriptPoller polls scheduler job state and emits events on change.
// This is how the executor supervises scheduler-submitted jobscripts,
// which have no child process to wait on.
type JobscriptPoller struct {
	queryFunc    QueryFunc
	pollInterval time.Duration
	bufferSize   int
}

// NewJobscriptPoller creates a poller around a scheduler state query.
func NewJobscriptPoller(queryFunc QueryFunc) *JobscriptPoller {
	return &JobscriptPoller{
		queryFunc:    queryFunc,
		pollInterval: DefaultPollInterval,
		bufferSize:   100,
	}
}

// WithPollInterval sets the polling interval.
func (p *JobscriptPoller) WithPollInterval(interval time.Duration) *JobscriptPoller {
	p.pollInterval = interval
	return p
}

// WithBufferSize sets the event channel buffer size.
func (p *JobscriptPoller) WithBufferSize(size int) *JobscriptPoller {
	p.bufferSize = size
	return p
}

// Watch polls the states of refs until ctx is cancelled or every ref has
// reached a terminal state. The returned channel is closed when polling
// stops.
func (p *JobscriptPoller) Watch(ctx context.Context, refs []string) (<-chan JobscriptEvent, error) {
	if p.queryFunc == nil {
		return nil, fmt.Errorf("watch: query function is required")
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("watch: at least one jobscript ref is required")
	}

	eventChan := make(chan JobscriptEvent, p.bufferSize)
	go p.pollLoop(ctx, refs, eventChan)
	return eventChan, nil
}

func (p *JobscriptPoller) pollLoop(ctx context.Context, refs []string, eventChan chan<- JobscriptEvent) {
	defer close(eventChan)

	known := make(map[string]State)

	// initial poll:
	if done := p.performPoll(ctx, refs, known, eventChan, true); done {
		return
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := p.performPoll(ctx, refs, known, eventChan, false); done {
				return
			}
		}
	}
}

// performPoll queries current states, emits diff events, and reports
// whether every ref has reached a terminal state.
func (p *JobscriptPoller) performPoll(ctx context.Context, refs []string, known map[string]State, eventChan chan<- JobscriptEvent, isInitial bool) bool {
	current, err := p.queryFunc(ctx, refs)
	if err != nil {
		// transient scheduler query errors: try again next tick
		return false
	}

	now := time.Now()
	for ref, state := range current {
		prev, seen := known[ref]
		switch {
		case !seen:
			p.send(ctx, eventChan, JobscriptEvent{
				Type:      EventAdded,
				Ref:       ref,
				NewState:  state,
				Timestamp: now,
			})
		case prev != state:
			p.send(ctx, eventChan, JobscriptEvent{
				Type:          EventModified,
				Ref:           ref,
				PreviousState: prev,
				NewState:      state,
				Timestamp:     now,
			})
		}
		known[ref] = state
	}

	// refs that vanished from the scheduler's view have completed:
	for ref, prev := range known {
		if _, ok := current[ref]; !ok && !isTerminal(prev) {
			p.send(ctx, eventChan, JobscriptEvent{
				Type:          EventDeleted,
				Ref:           ref,
				PreviousState: prev,
				NewState:      StateFinished,
				Timestamp:     now,
			})
			known[ref] = StateFinished
		}
	}

	if len(known) < len(refs) {
		return false
	}
	for _, state := range known {
		if !isTerminal(state) {
			return false
		}
	}
	return true
}

func (p *JobscriptPoller) send(ctx context.Context, eventChan chan<- JobscriptEvent, ev JobscriptEvent) {
	select {
	case eventChan <- ev:
	case <-ctx.Done():
	}
}

func isTerminal(s State) bool {
	switch s {
	case StateFinished, StateCancelled, StateErrored:
		return true
	}
	return false
}
