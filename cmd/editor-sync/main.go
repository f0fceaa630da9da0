package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/editor-sync/internal/config"
	"github.com/alexjbarnes/editor-sync/internal/editor"
	syncerrors "github.com/alexjbarnes/editor-sync/internal/errors"
	"github.com/alexjbarnes/editor-sync/internal/logging"
	"github.com/alexjbarnes/editor-sync/internal/remote"
	"github.com/alexjbarnes/editor-sync/internal/state"
	"github.com/alexjbarnes/editor-sync/internal/syncer"
)

var Version = "dev"

const (
	// heartbeatInterval is how often the running instance refreshes its
	// registry entry.
	heartbeatInterval = 30 * time.Second

	// instanceTTL is how stale a heartbeat may be before the instance
	// counts as dead. Three missed beats.
	instanceTTL = 90 * time.Second
)

func main() {
	once := len(os.Args) > 1 && os.Args[1] == "once"

	if err := run(once); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("editor-sync starting",
		slog.String("version", Version),
		slog.String("profile", cfg.Profile),
		slog.String("device", cfg.DeviceName),
		slog.Bool("once", once),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	instanceID, err := registerInstance(appState, cfg.DeviceName)
	if err != nil {
		return err
	}
	defer func() {
		if err := appState.Unregister(instanceID); err != nil {
			logger.Warn("unregistering instance", slog.String("error", err.Error()))
		}
	}()

	engine, store, err := buildEngine(cfg, appState, logger)
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	if once {
		return runOnce(ctx, engine, logger)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return heartbeat(gctx, appState, instanceID, logger)
	})

	if cfg.WatchLocal {
		watcher := editor.NewWatcher(store, engine, logger)
		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	if cfg.ChangeFeed {
		feed := remote.NewFeed(cfg.ResolveFeedURL(), cfg.RemoteToken, cfg.Profile, cfg.DeviceName,
			func(int64) { requestSync(gctx, engine, logger) }, logger)
		g.Go(func() error {
			return feed.Listen(gctx)
		})
	}

	// Initial pass on startup; later passes come from the watcher, the
	// feed, and the engine's own scheduler.
	requestSync(gctx, engine, logger)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("editor-sync stopped")
		return nil
	}

	return err
}

// buildEngine wires the filter, local store, remote client, detector,
// and engine from config.
func buildEngine(cfg *config.Config, appState *state.State, logger *slog.Logger) (*syncer.Engine, *editor.Store, error) {
	filter, err := syncer.LoadFilter(cfg.IgnoreFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading ignore file: %w", err)
	}

	store := editor.NewStore(cfg.EditorBin, cfg.ExtensionsDir, cfg.SettingsPath, cfg.Profile, appState, logger)

	var cipher *remote.Cipher
	var keyHash string

	if cfg.SnapshotPassphrase != "" {
		key, err := remote.DeriveKey(cfg.SnapshotPassphrase, cfg.Profile)
		if err != nil {
			return nil, nil, fmt.Errorf("deriving snapshot key: %w", err)
		}

		cipher, err = remote.NewCipher(key)
		if err != nil {
			return nil, nil, fmt.Errorf("creating snapshot cipher: %w", err)
		}

		keyHash = remote.KeyHash(key)
		remote.ZeroKey(key)
		logger.Info("snapshot encryption enabled", slog.String("keyhash_prefix", keyHash[:16]))
	}

	client := remote.NewClient(nil, cfg.RemoteURL, cfg.RemoteToken, cfg.Profile, cipher, keyHash)
	detector := syncer.NewDetector(store, client, filter, logger)

	engine := syncer.NewEngine(syncer.EngineConfig{
		Source:       detector,
		Local:        store,
		Remote:       client,
		Notifier:     &logNotifier{logger: logger},
		Filter:       filter,
		Device:       cfg.DeviceName,
		CallTimeout:  cfg.CallTimeout,
		PollInterval: cfg.PollInterval,
	}, logger)

	return engine, store, nil
}

// runOnce performs a single pass and exits nonzero on failure.
func runOnce(ctx context.Context, engine *syncer.Engine, logger *slog.Logger) error {
	res, err := engine.RequestSync(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	logger.Info("sync complete",
		slog.Int("applied", res.Applied),
		slog.Int("skipped", res.Skipped),
	)

	return nil
}

// registerInstance records this process in the shared registry,
// refusing to start when another live instance holds the profile.
func registerInstance(appState *state.State, device string) (string, error) {
	live, err := appState.LiveInstances(time.Now(), instanceTTL)
	if err != nil {
		return "", fmt.Errorf("checking instance registry: %w", err)
	}

	if len(live) > 0 {
		return "", fmt.Errorf("%w: %s (pid %d)", syncerrors.ErrInstanceActive, live[0].Hostname, live[0].PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	now := time.Now().UnixMilli()
	inst := state.Instance{
		ID:          fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), now),
		PID:         os.Getpid(),
		Hostname:    hostname,
		Device:      device,
		StartedAt:   now,
		HeartbeatAt: now,
	}

	if err := appState.Register(inst); err != nil {
		return "", fmt.Errorf("registering instance: %w", err)
	}

	return inst.ID, nil
}

// heartbeat refreshes the instance registry entry until the context is
// cancelled.
func heartbeat(ctx context.Context, appState *state.State, id string, logger *slog.Logger) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := appState.Heartbeat(id, time.Now()); err != nil {
				logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// requestSync runs a pass and logs failures. Each collaborator call
// inside the pass is already bounded by the engine's call timeout.
func requestSync(ctx context.Context, engine *syncer.Engine, logger *slog.Logger) {
	if _, err := engine.RequestSync(ctx); err != nil {
		logger.Warn("sync failed", slog.String("error", err.Error()))
	}
}

// logNotifier surfaces pass outcomes through the structured log. A
// desktop notification layer can replace it without touching the engine.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) SyncApplied(applied int) {
	n.logger.Info("changes synchronized", slog.Int("applied", applied))
}
