// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package pool tracks the live jobscript supervisors running under this
// engine process, keyed by (submission index, jobscript index).
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ezrah/flowengine/pkg/logging"
)

// Key identifies a running jobscript supervisor.
type Key struct {
	SubIdx int
	JSIdx  int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.SubIdx, k.JSIdx)
}

// Supervisor is a handle to a jobscript's directly-submitted child
// process, including the control channel the abort path talks to.
type Supervisor struct {
	PID               int
	ControlChannelURL string
	TokenPath         string
	Cancel            context.CancelFunc
}

// pooledSupervisor wraps a Supervisor with usage statistics.
type pooledSupervisor struct {
	supervisor *Supervisor
	created    time.Time
	lastSeen   time.Time
	queries    int64
}

// SupervisorPool manages the set of jobscript supervisors this engine
// process currently owns.
type SupervisorPool struct {
	mu          sync.RWMutex
	supervisors map[Key]*pooledSupervisor
	logger      logging.Logger
}

// NewSupervisorPool creates a new supervisor pool.
func NewSupervisorPool(logger logging.Logger) *SupervisorPool {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &SupervisorPool{
		supervisors: make(map[Key]*pooledSupervisor),
		logger:      logger,
	}
}

// Register adds a newly started supervisor to the pool.
func (p *SupervisorPool) Register(key Key, sup *Supervisor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.supervisors[key] = &pooledSupervisor{
		supervisor: sup,
		created:    time.Now(),
		lastSeen:   time.Now(),
	}
	p.logger.Info("registered jobscript supervisor", "key", key.String(), "pid", sup.PID)
}

// Get returns the supervisor for key, if still tracked.
func (p *SupervisorPool) Get(key Key) (*Supervisor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.supervisors[key]
	if !ok {
		return nil, false
	}
	ps.lastSeen = time.Now()
	ps.queries++
	return ps.supervisor, true
}

// Remove drops a supervisor from the pool once its jobscript has finished.
func (p *SupervisorPool) Remove(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.supervisors, key)
	p.logger.Info("removed jobscript supervisor", "key", key.String())
}

// Keys returns the keys of all currently tracked supervisors.
func (p *SupervisorPool) Keys() []Key {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]Key, 0, len(p.supervisors))
	for k := range p.supervisors {
		keys = append(keys, k)
	}
	return keys
}

// Stats returns statistics about the pool.
func (p *SupervisorPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		TotalSupervisors: len(p.supervisors),
		Stats:            make(map[string]SupervisorStats),
	}

	for key, ps := range p.supervisors {
		stats.Stats[key.String()] = SupervisorStats{
			Created:  ps.created,
			LastSeen: ps.lastSeen,
			Queries:  ps.queries,
			PID:      ps.supervisor.PID,
		}
	}

	return stats
}

// PoolStats contains statistics about the supervisor pool.
type PoolStats struct {
	TotalSupervisors int
	Stats            map[string]SupervisorStats
}

// SupervisorStats contains statistics for a single supervisor.
type SupervisorStats struct {
	Created  time.Time
	LastSeen time.Time
	Queries  int64
	PID      int
}
