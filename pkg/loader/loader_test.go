package loader

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

type sliceStream struct {
	kind   models.EntityKind
	items  []any // models.Record or error
	pos    int
	closed bool
}

func (s *sliceStream) Kind() models.EntityKind { return s.kind }

func (s *sliceStream) Next() (models.Record, error) {
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	if err, ok := item.(error); ok {
		return nil, err
	}
	return item.(models.Record), nil
}

func (s *sliceStream) Progress() float64 {
	if len(s.items) == 0 {
		return 1
	}
	return float64(s.pos) / float64(len(s.items))
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

type txKey struct{}

// memStore keeps one row hash per key and mimics the staging merge semantics.
type memStore struct {
	hashes    map[string]string
	chunks    [][]string
	failOn    int
	committed int
}

func newMemStore() *memStore {
	return &memStore{hashes: map[string]string{}}
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snapshot := make(map[string]string, len(m.hashes))
	for k, v := range m.hashes {
		snapshot[k] = v
	}
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.hashes = snapshot
		return err
	}
	m.committed++
	return nil
}

func (m *memStore) Upsert(ctx context.Context, _ string, _ models.EntityKind, records []models.Record) (models.ChunkStats, error) {
	if ctx.Value(txKey{}) == nil {
		return models.ChunkStats{}, errors.New("no transaction")
	}
	if m.failOn > 0 && len(m.chunks)+1 == m.failOn {
		return models.ChunkStats{}, errors.New("connection reset")
	}

	// last occurrence wins within the chunk
	latest := map[string]string{}
	var order []string
	for _, r := range records {
		if _, seen := latest[r.Key()]; !seen {
			order = append(order, r.Key())
		}
		latest[r.Key()] = r.Fingerprint()
	}

	var stats models.ChunkStats
	for _, key := range order {
		old, exists := m.hashes[key]
		switch {
		case !exists:
			stats.Inserted++
		case old != latest[key]:
			stats.Updated++
		default:
			stats.Unchanged++
		}
		m.hashes[key] = latest[key]
	}
	m.chunks = append(m.chunks, order)
	return stats, nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func company(number, name string, status *string) *models.Company {
	return &models.Company{CompanyNumber: number, CompanyName: name, CompanyStatus: status}
}

func strPtr(s string) *string { return &s }

func companyStream(items ...any) *sliceStream {
	return &sliceStream{kind: models.KindCompany, items: items}
}

func TestLoader_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("chunks and counts", func(t *testing.T) {
		store := newMemStore()
		l := NewLoader(testLogger(), store, ChunkSizes{models.KindCompany: 2})

		var progress []float64
		stats, err := l.Load(ctx, companyStream(
			company("A1", "Acme", nil),
			company("A2", "Beta", nil),
			company("A3", "Gamma", nil),
		), Options{
			BatchID: "b1",
			OnChunk: func(ctx context.Context, _ models.ChunkStats, _ models.LoadStats, p float64) error {
				assert.NotNil(t, ctx.Value(txKey{}), "hook runs inside the chunk transaction")
				progress = append(progress, p)
				return nil
			},
		})
		require.NoError(t, err)

		assert.Equal(t, 2, stats.Chunks)
		assert.Equal(t, 3, stats.Inserted)
		assert.Equal(t, 3, stats.Processed())
		assert.Len(t, store.chunks, 2)
		assert.Equal(t, []float64{2.0 / 3.0, 1}, progress)
	})

	t.Run("replay is unchanged", func(t *testing.T) {
		store := newMemStore()
		l := NewLoader(testLogger(), store, nil)

		first, err := l.Load(ctx, companyStream(company("A1", "Acme", nil)), Options{BatchID: "b1"})
		require.NoError(t, err)
		assert.Equal(t, 1, first.Inserted)

		second, err := l.Load(ctx, companyStream(company("A1", "Acme", nil)), Options{BatchID: "b2"})
		require.NoError(t, err)
		assert.Equal(t, 0, second.Inserted)
		assert.Equal(t, 0, second.Updated)
		assert.Equal(t, 1, second.Unchanged)
		assert.Len(t, store.hashes, 1)
	})

	t.Run("changed field is an update", func(t *testing.T) {
		store := newMemStore()
		l := NewLoader(testLogger(), store, nil)

		_, err := l.Load(ctx, companyStream(company("A1", "Acme", nil)), Options{BatchID: "b1"})
		require.NoError(t, err)

		stats, err := l.Load(ctx, companyStream(company("A1", "Acme", strPtr("active"))), Options{BatchID: "b2"})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Updated)
		assert.Len(t, store.hashes, 1)
	})

	t.Run("malformed and unkeyed rows are rejected", func(t *testing.T) {
		store := newMemStore()
		l := NewLoader(testLogger(), store, nil)

		stats, err := l.Load(ctx, companyStream(
			company("A1", "Acme", nil),
			&RowError{Row: 2, Err: errors.New("wrong field count")},
			company("", "No Number", nil),
			company("A2", "", nil),
			company("A3", "Gamma", nil),
		), Options{BatchID: "b1"})
		require.NoError(t, err)

		assert.Equal(t, 2, stats.Inserted)
		assert.Equal(t, 3, stats.Rejected)
	})

	t.Run("unreadable file is a source error", func(t *testing.T) {
		l := NewLoader(testLogger(), newMemStore(), nil)

		_, err := l.Load(ctx, companyStream(company("A1", "Acme", nil), io.ErrUnexpectedEOF), Options{BatchID: "b1"})

		var srcErr *SourceError
		require.ErrorAs(t, err, &srcErr)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("chunk failure keeps earlier chunks", func(t *testing.T) {
		store := newMemStore()
		store.failOn = 2
		l := NewLoader(testLogger(), store, ChunkSizes{models.KindCompany: 1})

		stats, err := l.Load(ctx, companyStream(
			company("A1", "Acme", nil),
			company("A2", "Beta", nil),
			company("A3", "Gamma", nil),
		), Options{BatchID: "b1"})
		require.Error(t, err)

		var srcErr *SourceError
		assert.False(t, errors.As(err, &srcErr))
		assert.Equal(t, 1, stats.Chunks)
		assert.Equal(t, 1, store.committed)
		assert.Contains(t, store.hashes, "A1")
		assert.NotContains(t, store.hashes, "A2")
	})

	t.Run("hook failure rolls the chunk back", func(t *testing.T) {
		store := newMemStore()
		l := NewLoader(testLogger(), store, nil)

		_, err := l.Load(ctx, companyStream(company("A1", "Acme", nil)), Options{
			BatchID: "b1",
			OnChunk: func(context.Context, models.ChunkStats, models.LoadStats, float64) error {
				return errors.New("checkpoint failed")
			},
			OnCommit: func(models.ChunkStats, models.LoadStats, float64) {
				t.Error("commit hook ran for a rolled back chunk")
			},
		})
		require.Error(t, err)
		assert.Empty(t, store.hashes)
	})

	t.Run("commit hook follows each committed chunk", func(t *testing.T) {
		store := newMemStore()
		store.failOn = 2
		l := NewLoader(testLogger(), store, ChunkSizes{models.KindCompany: 1})

		var committed []int
		_, err := l.Load(ctx, companyStream(
			company("A1", "Acme", nil),
			company("A2", "Beta", nil),
		), Options{
			BatchID: "b1",
			OnCommit: func(chunk models.ChunkStats, total models.LoadStats, _ float64) {
				assert.Equal(t, store.committed, total.Chunks)
				committed = append(committed, chunk.Inserted)
			},
		})
		require.Error(t, err)
		assert.Equal(t, []int{1}, committed)
	})

	t.Run("stop between chunks", func(t *testing.T) {
		store := newMemStore()
		l := NewLoader(testLogger(), store, ChunkSizes{models.KindCompany: 1})

		stop := make(chan struct{})
		stats, err := l.Load(ctx, companyStream(
			company("A1", "Acme", nil),
			company("A2", "Beta", nil),
		), Options{
			BatchID: "b1",
			Stop:    stop,
			OnChunk: func(context.Context, models.ChunkStats, models.LoadStats, float64) error {
				close(stop)
				return nil
			},
		})
		require.ErrorIs(t, err, ErrStopped)
		assert.Equal(t, 1, stats.Chunks)
		assert.Len(t, store.hashes, 1)
	})
}
