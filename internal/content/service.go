// Package content watches the previewed markdown file and notifies subscribers when it changes.
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/euforicio/mdlive/internal/preview"
)

const (
	eventTypeUpdated = "documentUpdated"
	eventTypeDeleted = "deleted"
)

// ErrNotMarkdown is returned for files whose name matches none of the accepted patterns.
var ErrNotMarkdown = errors.New("not a markdown file")

// DefaultSettle is how long the file must stay quiet before subscribers hear
// about a change. Editors often save by truncating and then writing.
const DefaultSettle = 100 * time.Millisecond

// DefaultPatterns are the file name globs accepted when Options.Patterns is empty.
var DefaultPatterns = []string{"*.{md,markdown,mdown,mkd,mkdn}"}

// Event describes change notifications emitted to subscribers.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Path      string    `json:"path,omitempty"`
}

// Deleted reports whether the document disappeared.
func (e Event) Deleted() bool {
	return e.Type == eventTypeDeleted
}

// Service watches one document. The parent directory is watched rather than
// the file so editors that save by rename are still seen.
type Service struct {
	ctx         context.Context
	logger      *slog.Logger
	watcher     *fsnotify.Watcher
	settle      *preview.Debounce[fsnotify.Op]
	cancel      context.CancelFunc
	subscribers map[uint64]*subscriber
	dir         string
	name        string
	subCounter  atomic.Uint64
	subsMu      sync.RWMutex
}

type subscriber struct {
	ctx context.Context
	ch  chan Event
}

// Options configures the content service.
type Options struct {
	// Patterns are doublestar globs matched against the lower-cased file name.
	Patterns []string
	// AllowAnyExtension accepts any file name.
	AllowAnyExtension bool
	// Settle coalesces bursts of file events. Zero uses DefaultSettle; negative
	// reports every event at once.
	Settle time.Duration
}

// NewService starts watching the markdown file at path.
func NewService(parentCtx context.Context, path string, logger *slog.Logger, opts Options) (*Service, error) {
	if path == "" {
		return nil, errors.New("document path must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	patterns := opts.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid file pattern %q", p)
		}
	}
	if !opts.AllowAnyExtension && !matchesAny(patterns, path) {
		return nil, fmt.Errorf("%w: %s", ErrNotMarkdown, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve document: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat document: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path %s is a directory", path)
	}

	ctx, cancel := context.WithCancel(parentCtx)

	svc := &Service{
		dir:         filepath.Dir(abs),
		name:        filepath.Base(abs),
		logger:      logger.With("component", "content_service"),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[uint64]*subscriber),
	}

	settle := opts.Settle
	if settle == 0 {
		settle = DefaultSettle
	}
	svc.settle = preview.NewDebounce(settle, svc.announce)

	if err := svc.startWatcher(); err != nil {
		cancel()
		return nil, err
	}

	return svc, nil
}

// Close releases resources associated with the service.
func (s *Service) Close() error {
	s.cancel()
	s.settle.Stop()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Dir returns the directory holding the document; relative media resolve against it.
func (s *Service) Dir() string {
	return s.dir
}

// Source reads the current markdown.
func (s *Service) Source(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, s.name))
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return string(data), nil
}

// Subscribe registers for change events. The returned channel will close when ctx is done.
func (s *Service) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 8)
	id := s.subCounter.Add(1)

	s.subsMu.Lock()
	s.subscribers[id] = &subscriber{ctx: ctx, ch: ch}
	s.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.removeSubscriber(id)
	}()

	return ch
}

func (s *Service) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	s.watcher = watcher

	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	go s.runWatcher()
	return nil
}

func (s *Service) runWatcher() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("watcher error", slog.Any("err", err))
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != s.name {
		return
	}
	op := event.Op
	s.logger.Debug("fsnotify event", slog.String("path", s.name), slog.String("op", op.String()))

	if op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	s.settle.Call(op)
}

// announce runs once a burst of events has settled, with the burst's last
// operation.
func (s *Service) announce(op fsnotify.Op) {
	if s.ctx.Err() != nil {
		return
	}
	eventType := classifyEvent(filepath.Join(s.dir, s.name), op)
	s.broadcast(Event{Type: eventType, Path: s.name, Timestamp: time.Now()})
}

func (s *Service) broadcast(evt Event) {
	s.subsMu.RLock()
	var stale []uint64
	for id, sub := range s.subscribers {
		select {
		case <-sub.ctx.Done():
			stale = append(stale, id)
		case <-s.ctx.Done():
			stale = append(stale, id)
		case sub.ch <- evt:
		default:
			// drop event when subscriber lags
		}
	}
	s.subsMu.RUnlock()

	for _, id := range stale {
		s.removeSubscriber(id)
	}
}

func (s *Service) removeSubscriber(id uint64) {
	s.subsMu.Lock()
	if sub, ok := s.subscribers[id]; ok {
		close(sub.ch)
		delete(s.subscribers, id)
	}
	s.subsMu.Unlock()
}

// classifyEvent reports a delete only when a remove or rename left the file
// gone; a rename or remove followed by a fresh write is an update.
func classifyEvent(path string, op fsnotify.Op) string {
	if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if _, err := os.Stat(path); err != nil {
			return eventTypeDeleted
		}
	}
	return eventTypeUpdated
}

func matchesAny(patterns []string, path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
