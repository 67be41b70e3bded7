package content_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euforicio/mdlive/internal/content"
)

func newService(t *testing.T, path string) *content.Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, cancel := context.WithCancel(context.Background())
	svc, err := content.NewService(ctx, path, logger, content.Options{})
	if err != nil {
		cancel()
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		_ = svc.Close()
		cancel()
	})
	return svc
}

func TestServiceEmitsEventsOnFileChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	doc := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(doc, []byte("# Before\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.md"), []byte("x"), 0o644))

	svc := newService(t, doc)

	subCtx, subCancel := context.WithCancel(context.Background())
	t.Cleanup(subCancel)
	ch := svc.Subscribe(subCtx)

	// Give the watcher time to attach.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.md"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(doc, []byte("---\ntitle: Welcome\n---\n\n# Updated\n"), 0o644))

	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			require.Equal(t, "notes.md", evt.Path, "events for other files must be filtered")
			if evt.Deleted() {
				continue
			}
			got, err := svc.Source(context.Background())
			require.NoError(t, err)
			if got != "---\ntitle: Welcome\n---\n\n# Updated\n" {
				continue
			}
			return
		case <-timeout:
			t.Fatalf("did not receive expected documentUpdated event")
		}
	}
}

func TestServiceReportsDeletion(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	doc := filepath.Join(dir, "gone.md")
	require.NoError(t, os.WriteFile(doc, []byte("# Gone"), 0o644))

	svc := newService(t, doc)
	subCtx, subCancel := context.WithCancel(context.Background())
	t.Cleanup(subCancel)
	ch := svc.Subscribe(subCtx)
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.Remove(doc))

	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Deleted() {
				_, err := svc.Source(context.Background())
				require.Error(t, err)
				return
			}
		case <-timeout:
			t.Fatalf("did not receive deleted event")
		}
	}
}

func TestSourceAndAccessors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	doc := filepath.Join(dir, "readme.markdown")
	require.NoError(t, os.WriteFile(doc, []byte("hello"), 0o644))

	svc := newService(t, doc)
	src, err := svc.Source(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", src)

	wantDir, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, wantDir, svc.Dir())
}

func TestSubscribeClosesWithContext(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	doc := filepath.Join(dir, "a.md")
	require.NoError(t, os.WriteFile(doc, nil, 0o644))
	svc := newService(t, doc)

	ctx, cancel := context.WithCancel(context.Background())
	ch := svc.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed")
	}
}

func TestNewServiceValidation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	_, err := content.NewService(ctx, "", logger, content.Options{})
	require.Error(t, err)

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, nil, 0o644))
	_, err = content.NewService(ctx, txt, logger, content.Options{})
	require.ErrorIs(t, err, content.ErrNotMarkdown)

	_, err = content.NewService(ctx, filepath.Join(dir, "missing.md"), logger, content.Options{})
	require.ErrorIs(t, err, os.ErrNotExist)

	svc, err := content.NewService(ctx, txt, logger, content.Options{AllowAnyExtension: true})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	svc, err = content.NewService(ctx, txt, logger, content.Options{Patterns: []string{"notes.{txt,text}"}})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	_, err = content.NewService(ctx, txt, logger, content.Options{Patterns: []string{"[txt"}})
	require.Error(t, err)
	require.NotErrorIs(t, err, content.ErrNotMarkdown)

	upper := filepath.Join(dir, "README.MARKDOWN")
	require.NoError(t, os.WriteFile(upper, nil, 0o644))
	svc, err = content.NewService(ctx, upper, logger, content.Options{})
	require.NoError(t, err)
	require.NoError(t, svc.Close())
}

func TestBurstOfWritesIsOneEvent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	doc := filepath.Join(dir, "draft.md")
	require.NoError(t, os.WriteFile(doc, []byte("# Draft\n"), 0o644))

	svc := newService(t, doc)
	subCtx, subCancel := context.WithCancel(context.Background())
	t.Cleanup(subCancel)
	ch := svc.Subscribe(subCtx)
	time.Sleep(200 * time.Millisecond)

	// Truncate-then-write saves, several in a row.
	for i := range 5 {
		require.NoError(t, os.WriteFile(doc, nil, 0o644))
		require.NoError(t, os.WriteFile(doc, []byte(strings.Repeat("line\n", i+1)), 0o644))
	}

	select {
	case evt := <-ch:
		assert.False(t, evt.Deleted())
	case <-time.After(2 * time.Second):
		t.Fatal("no event after the writes settled")
	}
	src, err := svc.Source(context.Background())
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("line\n", 5), src, "subscribers see the settled document")

	select {
	case evt := <-ch:
		t.Fatalf("unexpected second event %+v", evt)
	case <-time.After(3 * content.DefaultSettle):
	}
}
