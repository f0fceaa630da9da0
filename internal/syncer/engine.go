package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

//go:generate mockgen -source=engine.go -destination=mock_engine_test.go -package=syncer

const (
	// defaultCallTimeout bounds each collaborator call inside a pass so
	// a hung remote call cannot hold the sync lock indefinitely. The
	// pass fails, the lock is released, and the next trigger retries.
	defaultCallTimeout = 30 * time.Second

	// defaultPollInterval is the auto-poll period armed after the first
	// successful pass that applied changes.
	defaultPollInterval = 60 * time.Second
)

// ChangeSource produces the ordered change list for one pass. The engine
// applies records in exactly the order returned.
type ChangeSource interface {
	DetectChanges(ctx context.Context) ([]Change, error)
}

// LocalStore is the editor-side inventory: installed extensions, the
// settings file, and the sync cursor. Install and Uninstall are
// idempotent on already-applied members.
type LocalStore interface {
	ListInstalled(ctx context.Context) ([]string, error)
	Install(ctx context.Context, ids []string) error
	Uninstall(ctx context.Context, ids []string) error
	ReadSettings(ctx context.Context) (json.RawMessage, error)
	WriteSettings(ctx context.Context, payload json.RawMessage) error
	LastUpdate() (int64, error)
	SetLastUpdate(v int64) error
}

// RemoteStore holds the canonical profile snapshot.
type RemoteStore interface {
	FetchMetadata(ctx context.Context) (Metadata, error)
	FetchSnapshot(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) (int64, error)
}

// Notifier surfaces pass outcomes to the user. Failures are logged, not
// notified; success is announced only when at least one change applied.
type Notifier interface {
	SyncApplied(applied int)
}

// EngineConfig holds the collaborators and tuning for an Engine.
type EngineConfig struct {
	Source   ChangeSource
	Local    LocalStore
	Remote   RemoteStore
	Notifier Notifier
	Filter   *Filter

	// Device is the name this client reports in uploaded snapshots.
	Device string

	// CallTimeout bounds each collaborator call. Zero means the default.
	CallTimeout time.Duration

	// PollInterval is the auto-poll period. Zero means the default.
	PollInterval time.Duration
}

// Engine owns the sync lock, requests changes, dispatches each record to
// an action handler, and manages the auto-poll scheduler.
//
// Concurrency: RequestSync may be called from any goroutine (poll tick,
// fsnotify batch, change-feed nudge, manual trigger). The busy flag is a
// compare-and-swap lock with coalescing semantics: a call that loses the
// race returns immediately with Coalesced set rather than queueing, so
// overlapping triggers collapse into the in-flight pass.
type Engine struct {
	source   ChangeSource
	local    LocalStore
	remote   RemoteStore
	notifier Notifier
	filter   *Filter
	poller   *Poller
	logger   *slog.Logger

	device      string
	callTimeout time.Duration

	busy atomic.Bool
}

// NewEngine creates an Engine from the given config. The auto-poll
// scheduler is owned by the engine and armed after the first successful
// pass that applied changes.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	e := &Engine{
		source:      cfg.Source,
		local:       cfg.Local,
		remote:      cfg.Remote,
		notifier:    cfg.Notifier,
		filter:      cfg.Filter,
		logger:      logger,
		device:      cfg.Device,
		callTimeout: callTimeout,
	}
	e.poller = NewPoller(pollInterval, e.pollTick, logger)

	return e
}

// RequestSync runs one reconciliation pass: detect changes, apply each in
// order, notify and arm the poller on success. Safe to call concurrently;
// overlapping calls coalesce into the in-flight pass. The returned Result
// reports what happened so callers and tests can assert outcomes instead
// of inferring them from side effects.
func (e *Engine) RequestSync(ctx context.Context) (Result, error) {
	if !e.busy.CompareAndSwap(false, true) {
		e.logger.Debug("sync pass already in flight, coalescing trigger")
		return Result{Coalesced: true}, nil
	}
	defer e.busy.Store(false)

	changes, err := e.detectChanges(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("detecting changes: %w", err)
	}

	var res Result

	for i, change := range changes {
		handled, err := e.dispatch(ctx, change)
		if err != nil {
			// Fail fast: the remaining records are not applied. Since no
			// cursor advanced for them, the next pass re-detects them.
			e.logger.Error("sync pass aborted",
				slog.String("status", change.Status.String()),
				slog.Int("applied", res.Applied),
				slog.Int("remaining", len(changes)-i-1),
				slog.String("error", err.Error()),
			)

			return res, fmt.Errorf("applying %s: %w", change.Status, err)
		}

		if handled {
			res.Applied++
		} else {
			res.Skipped++
		}
	}

	if res.Applied > 0 {
		e.logger.Info("sync pass complete",
			slog.Int("applied", res.Applied),
			slog.Int("skipped", res.Skipped),
		)

		if e.notifier != nil {
			e.notifier.SyncApplied(res.Applied)
		}

		e.poller.Arm()
	}

	return res, nil
}

// Shutdown disarms the auto-poll scheduler. An in-flight pass is not
// aborted; it runs to completion or failure.
func (e *Engine) Shutdown() {
	e.poller.Disarm()
}

// pollTick is the scheduler callback. Poll failures are logged and
// retried on the next tick; the fixed interval is the only backoff.
// Every collaborator call inside the pass carries its own timeout, so
// the pass itself needs no outer deadline.
func (e *Engine) pollTick() {
	res, err := e.RequestSync(context.Background())
	if err != nil {
		e.logger.Warn("scheduled sync failed", slog.String("error", err.Error()))
		return
	}

	if res.Coalesced {
		e.logger.Debug("scheduled sync coalesced into in-flight pass")
	}
}

func (e *Engine) detectChanges(ctx context.Context) ([]Change, error) {
	cctx, cancel := e.bound(ctx)
	defer cancel()

	return e.source.DetectChanges(cctx)
}

// dispatch resolves a change record to its action handler. The bool
// reports whether a handler ran; unknown statuses are skipped so future
// detector variants do not break older clients.
func (e *Engine) dispatch(ctx context.Context, change Change) (bool, error) {
	switch change.Status {
	case StatusFirstTimeConnect,
		StatusAddExtensionsFromClient,
		StatusRemoveExtensionsFromClient,
		StatusSettingsChangedFromClient:
		return true, e.backup(ctx)

	case StatusAddExtensionsFromServer:
		return true, e.applyAdded(ctx, change)

	case StatusRemoveExtensionsFromServer:
		return true, e.applyRemoved(ctx, change)

	case StatusSettingsChangedFromServer:
		return true, e.applySettings(ctx, change)

	case StatusNewInstance:
		return true, e.applyNewInstance(ctx, change)

	default:
		e.logger.Warn("unhandled sync status, skipping",
			slog.Int("status", int(change.Status)),
		)

		return false, nil
	}
}

// backup reads the full local inventory and saves it as the canonical
// remote snapshot, then persists the server-assigned lastUpdate so the
// next detection pass does not re-report the state we just uploaded.
func (e *Engine) backup(ctx context.Context) error {
	installed, err := e.listInstalled(ctx)
	if err != nil {
		return err
	}

	settings, err := e.readSettings(ctx)
	if err != nil {
		return err
	}

	// Ignored extensions and settings keys stay local; they never go
	// into the uploaded snapshot.
	if e.filter != nil {
		installed = e.filter.FilterExtensions(installed)

		settings, err = e.filter.StripIgnoredSettings(settings)
		if err != nil {
			return fmt.Errorf("stripping ignored settings before backup: %w", err)
		}
	}

	snap := Snapshot{
		Extensions: installed,
		Settings:   settings,
		Device:     e.device,
		SavedAt:    time.Now().UnixMilli(),
	}

	cctx, cancel := e.bound(ctx)
	defer cancel()

	lastUpdate, err := e.remote.Save(cctx, snap)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}

	if err := e.local.SetLastUpdate(lastUpdate); err != nil {
		return fmt.Errorf("persisting cursor after backup: %w", err)
	}

	e.logger.Info("local state backed up",
		slog.Int("extensions", len(installed)),
		slog.Int64("last_update", lastUpdate),
	)

	return nil
}

// applyAdded installs extensions from the change set that are not already
// installed. Already-installed members are silently skipped.
func (e *Engine) applyAdded(ctx context.Context, change Change) error {
	installed, err := e.listInstalled(ctx)
	if err != nil {
		return err
	}

	missing := subtractIDs(change.Extensions, installed)
	if len(missing) > 0 {
		cctx, cancel := e.bound(ctx)
		defer cancel()

		if err := e.local.Install(cctx, missing); err != nil {
			return fmt.Errorf("installing extensions: %w", err)
		}

		e.logger.Info("installed extensions from server",
			slog.Int("count", len(missing)),
		)
	}

	return e.refreshCursor(ctx)
}

// applyRemoved uninstalls extensions from the change set. Members not
// installed locally are silently skipped.
func (e *Engine) applyRemoved(ctx context.Context, change Change) error {
	installed, err := e.listInstalled(ctx)
	if err != nil {
		return err
	}

	present := intersectIDs(change.Extensions, installed)
	if len(present) > 0 {
		cctx, cancel := e.bound(ctx)
		defer cancel()

		if err := e.local.Uninstall(cctx, present); err != nil {
			return fmt.Errorf("uninstalling extensions: %w", err)
		}

		e.logger.Info("removed extensions per server",
			slog.Int("count", len(present)),
		)
	}

	return e.refreshCursor(ctx)
}

// applySettings writes the server settings payload locally. The cursor is
// stamped with the change's remote version BEFORE the write: the local
// watcher races with this code, and a stale cursor would classify our own
// write as a fresh client change on the next pass (an echo loop).
// Locally-ignored settings keys keep their local values.
func (e *Engine) applySettings(ctx context.Context, change Change) error {
	if len(change.Settings) == 0 {
		// Nothing to write; still advance the cursor so the pass that
		// carried this change is not re-detected.
		if change.LastUpdate > 0 {
			if err := e.local.SetLastUpdate(change.LastUpdate); err != nil {
				return fmt.Errorf("persisting cursor: %w", err)
			}
		}

		return nil
	}

	payload := change.Settings

	if e.filter != nil && len(e.filter.SettingsKeys()) > 0 {
		local, err := e.readSettings(ctx)
		if err != nil {
			return err
		}

		payload, err = e.filter.PreserveIgnoredSettings(payload, local)
		if err != nil {
			return fmt.Errorf("merging ignored settings keys: %w", err)
		}
	}

	if change.LastUpdate > 0 {
		if err := e.local.SetLastUpdate(change.LastUpdate); err != nil {
			return fmt.Errorf("persisting cursor before settings write: %w", err)
		}
	}

	cctx, cancel := e.bound(ctx)
	defer cancel()

	if err := e.local.WriteSettings(cctx, payload); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}

	e.logger.Info("server settings written locally",
		slog.Int64("last_update", change.LastUpdate),
	)

	return nil
}

// applyNewInstance runs the composite sequence for a client that has
// never synced against an existing remote profile: install the remote
// extension set, apply the remote settings, then back up the merged
// result. Each step must complete before the next; failure aborts the
// remaining steps.
func (e *Engine) applyNewInstance(ctx context.Context, change Change) error {
	if err := e.applyAdded(ctx, change); err != nil {
		return fmt.Errorf("new instance install: %w", err)
	}

	if err := e.applySettings(ctx, change); err != nil {
		return fmt.Errorf("new instance settings: %w", err)
	}

	if err := e.backup(ctx); err != nil {
		return fmt.Errorf("new instance backup: %w", err)
	}

	return nil
}

// refreshCursor fetches the remote metadata and persists its lastUpdate,
// the shared closing step that stops the next detection pass from
// re-reporting a change this pass just applied.
func (e *Engine) refreshCursor(ctx context.Context) error {
	cctx, cancel := e.bound(ctx)
	defer cancel()

	meta, err := e.remote.FetchMetadata(cctx)
	if err != nil {
		return fmt.Errorf("fetching remote metadata: %w", err)
	}

	if err := e.local.SetLastUpdate(meta.LastUpdate); err != nil {
		return fmt.Errorf("persisting cursor: %w", err)
	}

	return nil
}

func (e *Engine) listInstalled(ctx context.Context) ([]string, error) {
	cctx, cancel := e.bound(ctx)
	defer cancel()

	installed, err := e.local.ListInstalled(cctx)
	if err != nil {
		return nil, fmt.Errorf("listing installed extensions: %w", err)
	}

	return installed, nil
}

func (e *Engine) readSettings(ctx context.Context) (json.RawMessage, error) {
	cctx, cancel := e.bound(ctx)
	defer cancel()

	settings, err := e.local.ReadSettings(cctx)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	return settings, nil
}

func (e *Engine) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.callTimeout)
}

// subtractIDs returns the members of want not present in have, preserving
// the order of want.
func subtractIDs(want, have []string) []string {
	haveSet := make(map[string]struct{}, len(have))
	for _, id := range have {
		haveSet[id] = struct{}{}
	}

	var out []string

	for _, id := range want {
		if _, ok := haveSet[id]; !ok {
			out = append(out, id)
		}
	}

	return out
}

// intersectIDs returns the members of want present in have, preserving
// the order of want.
func intersectIDs(want, have []string) []string {
	haveSet := make(map[string]struct{}, len(have))
	for _, id := range have {
		haveSet[id] = struct{}{}
	}

	var out []string

	for _, id := range want {
		if _, ok := haveSet[id]; ok {
			out = append(out, id)
		}
	}

	return out
}
