package source

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/semaphore"

	"github.com/Ramsey-B/fern/pkg/loader"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Fetcher downloads one file and returns its local path.
type Fetcher interface {
	Download(ctx context.Context, file models.FileTarget) (string, error)
}

type artifact struct {
	done   chan struct{}
	path   string
	err    error
	opened bool
	// slot is true while the artifact holds a prefetch slot.
	slot bool
}

// Supplier prefetches files in order, holding at most concurrency artifacts on disk, and opens
// them as record streams. Closing a stream deletes its artifact and frees its slot.
type Supplier struct {
	logger  ectologger.Logger
	fetcher Fetcher
	sem     *semaphore.Weighted

	mu        sync.Mutex
	artifacts map[string]*artifact
	cancel    context.CancelFunc
}

func NewSupplier(logger ectologger.Logger, fetcher Fetcher, concurrency int) *Supplier {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Supplier{
		logger:    logger,
		fetcher:   fetcher,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		artifacts: map[string]*artifact{},
	}
}

// Prefetch queues downloads of files in order. Each download waits for a free slot.
func (s *Supplier) Prefetch(ctx context.Context, files []models.FileTarget) {
	type queued struct {
		file models.FileTarget
		a    *artifact
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	var queue []queued
	for _, f := range files {
		if _, ok := s.artifacts[f.URL]; ok {
			continue
		}
		a := &artifact{done: make(chan struct{})}
		s.artifacts[f.URL] = a
		queue = append(queue, queued{file: f, a: a})
	}
	s.mu.Unlock()

	go func() {
		for _, q := range queue {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				q.a.err = err
				close(q.a.done)
				continue
			}
			s.mu.Lock()
			q.a.slot = true
			s.mu.Unlock()

			go s.download(ctx, q.file, q.a)
		}
	}()
}

// Open waits for the file's artifact, downloading it now if it was not prefetched, and decodes it.
func (s *Supplier) Open(ctx context.Context, file models.FileTarget) (loader.Stream, error) {
	s.mu.Lock()
	a, ok := s.artifacts[file.URL]
	if !ok {
		a = &artifact{done: make(chan struct{})}
		s.artifacts[file.URL] = a
		go s.download(ctx, file, a)
	}
	a.opened = true
	s.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if a.err != nil {
		s.finish(file.URL)
		return nil, a.err
	}

	stream, err := OpenFile(file.Product, a.path)
	if err != nil {
		s.finish(file.URL)
		return nil, fmt.Errorf("failed to open %s: %w", file.Name(), err)
	}
	return &cleanupStream{Stream: stream, cleanup: func() { s.finish(file.URL) }}, nil
}

// Discard cancels outstanding prefetches and deletes artifacts that were never opened.
func (s *Supplier) Discard() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	var pending []string
	for url, a := range s.artifacts {
		if !a.opened {
			pending = append(pending, url)
		}
	}
	s.mu.Unlock()

	for _, url := range pending {
		s.mu.Lock()
		a := s.artifacts[url]
		s.mu.Unlock()
		if a == nil {
			continue
		}
		<-a.done
		s.finish(url)
	}
}

func (s *Supplier) download(ctx context.Context, file models.FileTarget, a *artifact) {
	defer close(a.done)
	a.path, a.err = s.fetcher.Download(ctx, file)
	if a.err != nil {
		s.logger.WithContext(ctx).WithError(a.err).WithField("url", file.URL).Warn("Prefetch failed")
		s.mu.Lock()
		s.releaseSlot(a)
		s.mu.Unlock()
	}
}

// finish deletes the artifact and frees its slot.
func (s *Supplier) finish(url string) {
	s.mu.Lock()
	a, ok := s.artifacts[url]
	delete(s.artifacts, url)
	if ok {
		s.releaseSlot(a)
	}
	s.mu.Unlock()

	if ok && a.path != "" {
		if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).Warnf("Failed to delete %s", a.path)
		}
	}
}

// releaseSlot must be called with s.mu held.
func (s *Supplier) releaseSlot(a *artifact) {
	if a.slot {
		a.slot = false
		s.sem.Release(1)
	}
}

type cleanupStream struct {
	loader.Stream
	once    sync.Once
	cleanup func()
}

func (c *cleanupStream) Close() error {
	err := c.Stream.Close()
	c.once.Do(c.cleanup)
	return err
}
