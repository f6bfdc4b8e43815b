// Package mock provides a scriptable [audio.Source] implementation for tests.
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/verbatim-ai/verbatim/pkg/audio"
)

// Source is a test double for [audio.Source]. Chunks pushed via Push (or
// preloaded in Script) are delivered on the Chunks channel without pacing.
type Source struct {
	// Script is delivered in order immediately after Start.
	Script []audio.Chunk

	// StartErr, when non-nil, is returned from Start.
	StartErr error

	// CloseAfterScript closes the chunk channel once Script is exhausted,
	// simulating a file source reaching end of file.
	CloseAfterScript bool

	chunks chan audio.Chunk
	errs   chan audio.SourceError

	active    atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	startOnce sync.Once
}

var _ audio.Source = (*Source)(nil)

// New creates an idle mock source.
func New() *Source {
	return &Source{
		chunks: make(chan audio.Chunk, 1024),
		errs:   make(chan audio.SourceError, 16),
		stopCh: make(chan struct{}),
	}
}

// Start delivers the script. If CloseAfterScript is set the chunk channel is
// closed afterwards; otherwise the source stays active for Push calls.
func (s *Source) Start(_ context.Context) error {
	if s.StartErr != nil {
		return s.StartErr
	}
	s.startOnce.Do(func() {
		s.active.Store(true)
		go func() {
			for _, c := range s.Script {
				select {
				case s.chunks <- c:
				case <-s.stopCh:
					return
				}
			}
			if s.CloseAfterScript {
				s.active.Store(false)
				close(s.chunks)
				close(s.errs)
			}
		}()
	})
	return nil
}

// Push delivers an additional chunk. Only valid when CloseAfterScript is
// unset and the source has not been stopped.
func (s *Source) Push(c audio.Chunk) {
	select {
	case s.chunks <- c:
	case <-s.stopCh:
	}
}

// PushErr delivers a source error.
func (s *Source) PushErr(e audio.SourceError) {
	select {
	case s.errs <- e:
	case <-s.stopCh:
	}
}

// Stop ends production and closes the channels. Idempotent.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		s.active.Store(false)
		close(s.stopCh)
		if !s.CloseAfterScript {
			close(s.chunks)
			close(s.errs)
		}
	})
	return nil
}

// Active reports whether the source is producing.
func (s *Source) Active() bool { return s.active.Load() }

// Chunks returns the chunk delivery channel.
func (s *Source) Chunks() <-chan audio.Chunk { return s.chunks }

// Errs returns the error delivery channel.
func (s *Source) Errs() <-chan audio.SourceError { return s.errs }
