package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/euforicio/mdlive/internal/preview"
)

// ErrSurfaceClosed is returned by Send after Close.
var ErrSurfaceClosed = errors.New("surface closed")

const (
	clientBuffer = 32
	eventBuffer  = 64
)

// Surface is the browser preview page seen through the event stream. Outbound
// messages fan out to every connected page; inbound signals arrive through
// the surface API.
type Surface struct {
	logger  *slog.Logger
	events  chan preview.Event
	clients map[uint64]chan preview.Message
	counter atomic.Uint64
	dropped atomic.Uint64
	mu      sync.RWMutex
	closed  bool
}

// NewSurface returns a surface with no connected pages.
func NewSurface(logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		logger:  logger.With("component", "surface"),
		events:  make(chan preview.Event, eventBuffer),
		clients: make(map[uint64]chan preview.Message),
	}
}

// Send delivers msg to every connected page without blocking. A page whose
// buffer is full misses the message; later renders supersede it.
func (s *Surface) Send(_ context.Context, msg preview.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSurfaceClosed
	}
	for id, ch := range s.clients {
		select {
		case ch <- msg:
		default:
			s.dropped.Add(1)
			s.logger.Debug("dropping message for lagging page", slog.Uint64("client", id), slog.String("channel", string(msg.Channel)))
		}
	}
	return nil
}

// Events implements preview.Surface.
func (s *Surface) Events() <-chan preview.Event {
	return s.events
}

// OpenDevTools implements preview.Surface. Browser devtools cannot be opened remotely.
func (s *Surface) OpenDevTools(context.Context) error {
	return errors.ErrUnsupported
}

// Emit queues an inbound signal from a page, waiting for room until ctx ends.
func (s *Surface) Emit(ctx context.Context, ev preview.Event) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrSurfaceClosed
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attach registers a page connection. The channel closes when ctx ends or the
// surface closes.
func (s *Surface) attach(ctx context.Context) <-chan preview.Message {
	ch := make(chan preview.Message, clientBuffer)
	id := s.counter.Add(1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	s.clients[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.detach(id)
	}()
	return ch
}

func (s *Surface) detach(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.clients[id]; ok {
		close(ch)
		delete(s.clients, id)
	}
}

// Clients reports the number of connected pages.
func (s *Surface) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped reports how many messages were skipped for lagging pages.
func (s *Surface) Dropped() uint64 {
	return s.dropped.Load()
}

// Close disconnects every page. Further sends fail.
func (s *Surface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
}
