// Package main provides the mdlive preview server entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/euforicio/mdlive/internal/buildinfo"
	"github.com/euforicio/mdlive/internal/config"
	"github.com/euforicio/mdlive/internal/content"
	"github.com/euforicio/mdlive/internal/exporter"
	"github.com/euforicio/mdlive/internal/layout"
	"github.com/euforicio/mdlive/internal/preview"
	"github.com/euforicio/mdlive/internal/renderer"
	"github.com/euforicio/mdlive/internal/renderer/d2"
	"github.com/euforicio/mdlive/internal/server"
	"github.com/euforicio/mdlive/internal/state"
)

const prefsSaveDelay = 500 * time.Millisecond

func main() {
	cfg := config.Default()
	config.ApplyEnvOverrides(&cfg)

	flags := pflag.NewFlagSet("mdlive", pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mdlive [flags] <file.md>\n\n")
		flags.PrintDefaults()
	}
	config.RegisterFlags(flags, &cfg)
	versionFlag := flags.Bool("version", false, "Print version information and exit")
	checkUpdate := flags.String("check-update", "", "Report whether the given release is newer than this build and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		slog.Error("parse flags", slog.Any("err", err))
		os.Exit(1)
	}
	if *versionFlag {
		fmt.Println(buildinfo.Summary())
		os.Exit(0)
	}
	if *checkUpdate != "" {
		if buildinfo.UpdateAvailable(*checkUpdate) {
			fmt.Printf("update available: %s (running %s)\n", *checkUpdate, buildinfo.Summary())
		} else {
			fmt.Printf("up to date (%s)\n", buildinfo.Summary())
		}
		os.Exit(0)
	}
	if flags.NArg() > 0 {
		cfg.File = flags.Arg(0)
	}

	logLevel := slog.LevelWarn
	if cfg.Verbose {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger = logger.With("app", "mdlive")
	slog.SetDefault(logger)

	var store *state.Store
	if cfg.StateDir != "" {
		s, err := state.NewStore(cfg.StateDir, logger)
		if err != nil {
			logger.Warn("state store unavailable, preferences will not persist", slog.Any("err", err))
		} else {
			store = s
			applyPrefs(&cfg, flags, store)
		}
	}

	if err := config.Finalize(&cfg); err != nil {
		if errors.Is(err, config.ErrNoDocument) {
			flags.Usage()
		}
		logger.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Log(context.Background(), slog.LevelInfo-1, "starting mdlive", slog.String("version", buildinfo.Summary()))

	ctx := context.Background()
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, store); err != nil {
		cancel()
		logger.Error("mdlive stopped", slog.Any("err", err))
		//nolint:gocritic // exitAfterDefer: cancel() explicitly called before os.Exit
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, store *state.Store) error {
	rendererOpts := renderer.Options{
		Frontmatter:    cfg.Frontmatter,
		HeadingAnchors: cfg.Anchors,
	}
	if cfg.D2 {
		rendererOpts.Diagrams = d2.New(logger, nil)
	}
	rendererSvc := renderer.NewService(logger, rendererOpts)

	exp, err := exporter.New(rendererSvc, rendererOpts.Diagrams, logger)
	if err != nil {
		return fmt.Errorf("init exporter: %w", err)
	}

	contentSvc, err := content.NewService(ctx, cfg.File, logger, content.Options{Patterns: cfg.Accept})
	if err != nil {
		return fmt.Errorf("content service init: %w", err)
	}
	defer func() {
		if err := contentSvc.Close(); err != nil {
			logger.Error("close content service", slog.Any("err", err))
		}
	}()

	markdown, err := contentSvc.Source(ctx)
	if err != nil {
		return fmt.Errorf("read %s: %w", cfg.File, err)
	}

	surface := server.NewSurface(logger)
	bus := preview.NewBus()
	controller := preview.New(surface, server.NewBrowserHost(logger), rendererSvc, preview.Options{
		Logger: logger,
		Bus:    bus,
		Initial: preview.EditorState{
			Markdown:   markdown,
			Theme:      cfg.Theme,
			Mode:       layout.Mode(cfg.EditorMode),
			FontSize:   cfg.FontSize,
			SplitRatio: cfg.SplitRatio,
		},
		ScrollThrottle: cfg.ScrollThrottle,
		ResizeDebounce: cfg.ResizeDebounce,
		Dev:            cfg.Dev,
	})
	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("start preview: %w", err)
	}
	defer func() {
		if err := controller.Close(); err != nil {
			logger.Error("close preview", slog.Any("err", err))
		}
	}()

	savePrefs := preview.NewDebounce(prefsSaveDelay, func(p prefs) {
		if store == nil {
			return
		}
		if err := store.Save(prefsKey, p); err != nil {
			logger.Warn("save preferences failed", slog.Any("err", err))
		}
	})
	defer func() {
		savePrefs.Stop()
		if store != nil {
			if err := store.Save(prefsKey, prefsFromEditor(controller.Editor())); err != nil {
				logger.Warn("save preferences failed", slog.Any("err", err))
			}
		}
	}()

	go followDocument(ctx, contentSvc, controller, logger)

	srv, err := server.New(cfg, logger, server.Options{
		Surface:    surface,
		Controller: controller,
		Bus:        bus,
		Exporter:   exp,
		MediaRoot:  contentSvc.Dir(),
		Title:      filepath.Base(cfg.File),
		Outline:    rendererSvc.Outline,
		OnEditorChange: func(st preview.EditorState) {
			savePrefs.Call(prefsFromEditor(st))
		},
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// followDocument pushes saved edits of the watched file into the preview.
func followDocument(ctx context.Context, contentSvc *content.Service, controller *preview.Controller, logger *slog.Logger) {
	for evt := range contentSvc.Subscribe(ctx) {
		if evt.Deleted() {
			logger.Warn("document removed, keeping last preview", slog.String("path", evt.Path))
			continue
		}
		markdown, err := contentSvc.Source(ctx)
		if err != nil {
			logger.Warn("reload document failed", slog.Any("err", err))
			continue
		}
		err = controller.Modify(ctx, func(st *preview.EditorState) {
			st.Markdown = markdown
		})
		if errors.Is(err, preview.ErrClosed) {
			return
		}
		if err != nil {
			logger.Debug("preview update not delivered", slog.Any("err", err))
		}
	}
}
