package server

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"time"
)

// BrowserHost opens links in the system's default handler.
type BrowserHost struct {
	logger *slog.Logger
	open   func(ctx context.Context, url string) error
}

// NewBrowserHost returns a host that launches the platform URL opener.
func NewBrowserHost(logger *slog.Logger) *BrowserHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserHost{logger: logger.With("component", "host"), open: openBrowser}
}

// OpenExternal implements preview.Host.
func (h *BrowserHost) OpenExternal(ctx context.Context, url string) error {
	h.logger.Info("opening external link", slog.String("url", url))
	return h.open(ctx, url)
}

func (s *Server) openBrowserWhenReady(ctx context.Context, url string) {
	timer := time.NewTimer(300 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		if err := openBrowser(ctx, url); err != nil {
			s.logger.WarnContext(ctx, "auto-open failed", slog.String("url", url), slog.Any("err", err))
		}
	}
}

func openBrowser(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	return cmd.Start()
}
