package startup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func newTestStartup(maxAttempts int) *Startup {
	s := NewStartup(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}), maxAttempts)
	s.unit = time.Millisecond
	return s
}

func dep(j *journal, name string, needs ...string) Func {
	return Func{
		Name:    name,
		Needs:   needs,
		StartFn: func(context.Context) error { j.add("start " + name); return nil },
		StopFn:  func(context.Context) error { j.add("stop " + name); return nil },
	}
}

func TestStartup_Order(t *testing.T) {
	j := &journal{}
	s := newTestStartup(1)
	s.AddDependency(dep(j, "migrations", "database"))
	s.AddDependency(dep(j, "database"))
	s.AddDependency(dep(j, "kafka"))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start database", "start migrations", "start kafka"}, j.entries)
	assert.Equal(t, StatusStarted, s.Status("migrations"))

	j.entries = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop migrations", "stop database", "stop kafka"}, j.entries)
}

func TestStartup_Retry(t *testing.T) {
	calls := 0
	s := newTestStartup(3)
	s.AddDependency(Func{
		Name: "redis",
		StartFn: func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestStartup_GivesUp(t *testing.T) {
	s := newTestStartup(2)
	s.AddDependency(Func{
		Name:    "database",
		StartFn: func(context.Context) error { return errors.New("no route to host") },
	})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup failed after 2 attempts")
	assert.Equal(t, StatusFailed, s.Status("database"))
}

func TestStartup_UnknownDependency(t *testing.T) {
	s := newTestStartup(1)
	s.AddDependency(Func{Name: "migrations", Needs: []string{"database"}})

	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "unknown startup dependency 'database'")
}
