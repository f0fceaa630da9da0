package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/sergi/go-diff/diffmatchpatch"

	syncerrors "github.com/alexjbarnes/editor-sync/internal/errors"
)

// Detector compares local state against the remote profile and emits the
// ordered change list for a pass. Direction is decided by the cursor: a
// remote lastUpdate ahead of the local cursor attributes differences to
// the server; an equal cursor attributes them to this client.
type Detector struct {
	local  LocalStore
	remote RemoteStore
	filter *Filter
	logger *slog.Logger
}

// NewDetector creates a Detector. filter may be an empty filter but must
// not be nil.
func NewDetector(local LocalStore, remote RemoteStore, filter *Filter, logger *slog.Logger) *Detector {
	return &Detector{
		local:  local,
		remote: remote,
		filter: filter,
		logger: logger,
	}
}

// DetectChanges classifies the current local/remote divergence.
//
// A missing remote profile yields a single first-time-connect record. A
// zero local cursor against an existing profile yields a new-instance
// record carrying the full remote state. Otherwise server-originated
// records precede client-originated ones, each group ordered add,
// remove, settings.
func (d *Detector) DetectChanges(ctx context.Context) ([]Change, error) {
	meta, err := d.remote.FetchMetadata(ctx)
	if errors.Is(err, syncerrors.ErrProfileNotFound) {
		d.logger.Info("no remote profile, first-time connect")
		return []Change{{Status: StatusFirstTimeConnect}}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("fetching remote metadata: %w", err)
	}

	cursor, err := d.local.LastUpdate()
	if err != nil {
		return nil, fmt.Errorf("reading sync cursor: %w", err)
	}

	if cursor == 0 {
		snap, err := d.remote.FetchSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching remote snapshot: %w", err)
		}

		d.logger.Info("profile exists but client never synced, adopting remote state",
			slog.Int64("remote_last_update", snap.LastUpdate),
		)

		return []Change{{
			Status:     StatusNewInstance,
			Extensions: d.filter.FilterExtensions(snap.Extensions),
			Settings:   snap.Settings,
			LastUpdate: snap.LastUpdate,
		}}, nil
	}

	installed, err := d.local.ListInstalled(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing installed extensions: %w", err)
	}

	localSettings, err := d.local.ReadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local settings: %w", err)
	}

	installed = d.filter.FilterExtensions(installed)

	localSettings, err = d.filter.StripIgnoredSettings(localSettings)
	if err != nil {
		return nil, err
	}

	snap, err := d.remote.FetchSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching remote snapshot: %w", err)
	}

	// The remote side is stripped the same way as the local side so an
	// ignored key never registers as divergence in either direction; the
	// change payload still carries the raw snapshot for the apply path.
	remoteSettings, err := d.filter.StripIgnoredSettings(snap.Settings)
	if err != nil {
		return nil, err
	}

	if meta.LastUpdate > cursor {
		return d.serverChanges(snap, remoteSettings, installed, localSettings), nil
	}

	return d.clientChanges(snap, remoteSettings, installed, localSettings), nil
}

// serverChanges attributes divergence to the server: extensions only in
// the snapshot are to install, extensions only local are to remove, and
// differing settings are to apply.
func (d *Detector) serverChanges(snap Snapshot, remoteSettings json.RawMessage, installed []string, localSettings json.RawMessage) []Change {
	remote := d.filter.FilterExtensions(snap.Extensions)

	var changes []Change

	if added := subtractIDs(remote, installed); len(added) > 0 {
		changes = append(changes, Change{
			Status:     StatusAddExtensionsFromServer,
			Extensions: added,
			LastUpdate: snap.LastUpdate,
		})
	}

	if removed := subtractIDs(installed, remote); len(removed) > 0 {
		changes = append(changes, Change{
			Status:     StatusRemoveExtensionsFromServer,
			Extensions: removed,
			LastUpdate: snap.LastUpdate,
		})
	}

	if !d.settingsEqual(localSettings, remoteSettings) {
		changes = append(changes, Change{
			Status:     StatusSettingsChangedFromServer,
			Settings:   snap.Settings,
			LastUpdate: snap.LastUpdate,
		})
	}

	if len(changes) == 0 {
		// Remote version advanced but content matches, e.g. another
		// device uploaded an identical snapshot. Emit a settings apply
		// carrying the snapshot so the cursor fast-forwards; otherwise
		// every later local edit would be misread as server-originated.
		changes = append(changes, Change{
			Status:     StatusSettingsChangedFromServer,
			Settings:   snap.Settings,
			LastUpdate: snap.LastUpdate,
		})
	}

	return changes
}

// clientChanges attributes divergence to this client: extensions only
// local are newly installed, extensions only remote were uninstalled,
// and differing settings were edited here.
func (d *Detector) clientChanges(snap Snapshot, remoteSettings json.RawMessage, installed []string, localSettings json.RawMessage) []Change {
	remote := d.filter.FilterExtensions(snap.Extensions)

	var changes []Change

	if added := subtractIDs(installed, remote); len(added) > 0 {
		changes = append(changes, Change{
			Status:     StatusAddExtensionsFromClient,
			Extensions: added,
		})
	}

	if removed := subtractIDs(remote, installed); len(removed) > 0 {
		changes = append(changes, Change{
			Status:     StatusRemoveExtensionsFromClient,
			Extensions: removed,
		})
	}

	if !d.settingsEqual(localSettings, remoteSettings) {
		changes = append(changes, Change{
			Status:   StatusSettingsChangedFromClient,
			Settings: localSettings,
		})
	}

	return changes
}

// settingsEqual compares two settings documents structurally so key
// order and whitespace do not register as changes. Unparseable payloads
// fall back to byte comparison.
func (d *Detector) settingsEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}

	var av, bv any

	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return string(a) == string(b)
	}

	equal := reflect.DeepEqual(av, bv)
	if !equal && d.logger.Enabled(context.Background(), slog.LevelDebug) {
		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(string(a), string(b), false)
		d.logger.Debug("settings diverged", slog.String("diff", dmp.DiffPrettyText(diffs)))
	}

	return equal
}
