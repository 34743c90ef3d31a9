// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"testing"

	"github.com/ezrah/flowengine/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisorPoolRegisterAndGet(t *testing.T) {
	p := NewSupervisorPool(logging.NoOpLogger{})
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := Key{SubIdx: 0, JSIdx: 1}
	sup := &Supervisor{PID: 4242, ControlChannelURL: "ws://127.0.0.1:9001", Cancel: cancel}

	p.Register(key, sup)

	got, ok := p.Get(key)
	require.True(t, ok)
	assert.Equal(t, 4242, got.PID)
}

func TestSupervisorPoolGetMissing(t *testing.T) {
	p := NewSupervisorPool(nil)
	_, ok := p.Get(Key{SubIdx: 0, JSIdx: 0})
	assert.False(t, ok)
}

func TestSupervisorPoolRemove(t *testing.T) {
	p := NewSupervisorPool(nil)
	key := Key{SubIdx: 1, JSIdx: 0}
	p.Register(key, &Supervisor{PID: 1})

	p.Remove(key)

	_, ok := p.Get(key)
	assert.False(t, ok)
}

func TestSupervisorPoolKeys(t *testing.T) {
	p := NewSupervisorPool(nil)
	p.Register(Key{SubIdx: 0, JSIdx: 0}, &Supervisor{PID: 1})
	p.Register(Key{SubIdx: 0, JSIdx: 1}, &Supervisor{PID: 2})

	keys := p.Keys()
	assert.Len(t, keys, 2)
}

func TestSupervisorPoolStats(t *testing.T) {
	p := NewSupervisorPool(nil)
	key := Key{SubIdx: 0, JSIdx: 0}
	p.Register(key, &Supervisor{PID: 99})

	_, _ = p.Get(key)
	_, _ = p.Get(key)

	stats := p.Stats()
	assert.Equal(t, 1, stats.TotalSupervisors)
	assert.Equal(t, int64(2), stats.Stats[key.String()].Queries)
	assert.Equal(t, 99, stats.Stats[key.String()].PID)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "2/5", Key{SubIdx: 2, JSIdx: 5}.String())
}
