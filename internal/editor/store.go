// Package editor adapts a local editor installation (its extension
// directory, settings file, and CLI binary) to the sync engine's local
// store interface.
package editor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/editor-sync/internal/state"
)

// Cursor persists the per-profile sync cursor between runs.
type Cursor interface {
	GetProfile(profile string) (state.ProfileState, error)
	SetProfile(profile string, ps state.ProfileState) error
}

// Store is the local side of sync: the installed extension inventory,
// the settings.json file, and the persisted cursor. Extension install
// and removal shell out to the editor binary so the editor performs its
// own registration and cleanup.
type Store struct {
	bin           string
	extensionsDir string
	settingsPath  string
	profile       string
	cursor        Cursor
	logger        *slog.Logger
}

// NewStore creates a Store for one editor installation.
func NewStore(bin, extensionsDir, settingsPath, profile string, cursor Cursor, logger *slog.Logger) *Store {
	return &Store{
		bin:           bin,
		extensionsDir: extensionsDir,
		settingsPath:  settingsPath,
		profile:       profile,
		cursor:        cursor,
		logger:        logger,
	}
}

// ListInstalled scans the extensions directory and returns the installed
// extension ids, lowercased and sorted. A missing directory is an empty
// inventory, not an error.
func (s *Store) ListInstalled(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.extensionsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading extensions directory: %w", err)
	}

	seen := make(map[string]struct{})

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id, ok := parseExtensionDir(entry.Name())
		if !ok {
			continue
		}

		// Only directories with a manifest count; partially-removed
		// extensions leave empty directories behind.
		manifest := filepath.Join(s.extensionsDir, entry.Name(), "package.json")
		if _, err := os.Stat(manifest); err != nil {
			continue
		}

		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids, nil
}

// Install installs each extension through the editor binary. Stops at
// the first failure.
func (s *Store) Install(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.runEditor(ctx, "--install-extension", id); err != nil {
			return fmt.Errorf("installing %s: %w", id, err)
		}

		s.logger.Info("extension installed", slog.String("id", id))
	}

	return nil
}

// Uninstall removes each extension through the editor binary. Stops at
// the first failure.
func (s *Store) Uninstall(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.runEditor(ctx, "--uninstall-extension", id); err != nil {
			return fmt.Errorf("uninstalling %s: %w", id, err)
		}

		s.logger.Info("extension removed", slog.String("id", id))
	}

	return nil
}

// ReadSettings returns the settings file contents. A missing file reads
// as an empty document so first-run machines diff cleanly.
func (s *Store) ReadSettings(_ context.Context) (json.RawMessage, error) {
	data, err := os.ReadFile(s.settingsPath)
	if os.IsNotExist(err) {
		return json.RawMessage(`{}`), nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	if len(data) == 0 {
		return json.RawMessage(`{}`), nil
	}

	return data, nil
}

// WriteSettings replaces the settings file atomically (temp file +
// rename) so the editor never observes a partially-written document.
func (s *Store) WriteSettings(_ context.Context, payload json.RawMessage) error {
	dir := filepath.Dir(s.settingsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-write-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tmpName, s.settingsPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// LastUpdate returns the persisted sync cursor for this profile. Zero
// means this client has never synced.
func (s *Store) LastUpdate() (int64, error) {
	ps, err := s.cursor.GetProfile(s.profile)
	if err != nil {
		return 0, fmt.Errorf("reading profile cursor: %w", err)
	}

	return ps.LastUpdate, nil
}

// SetLastUpdate persists the sync cursor and records the sync time.
func (s *Store) SetLastUpdate(v int64) error {
	ps, err := s.cursor.GetProfile(s.profile)
	if err != nil {
		return fmt.Errorf("reading profile cursor: %w", err)
	}

	ps.LastUpdate = v
	ps.LastSyncAt = time.Now().UnixMilli()

	if err := s.cursor.SetProfile(s.profile, ps); err != nil {
		return fmt.Errorf("persisting profile cursor: %w", err)
	}

	return nil
}

// SettingsPath returns the path of the settings file, for watchers.
func (s *Store) SettingsPath() string {
	return s.settingsPath
}

// ExtensionsDir returns the extensions directory, for watchers.
func (s *Store) ExtensionsDir() string {
	return s.extensionsDir
}

func (s *Store) runEditor(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, s.bin, args...) //nolint:gosec // G204: bin from config, args not shell-interpreted

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", s.bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}

	return nil
}

// parseExtensionDir extracts the extension id from an installed
// extension directory name of the form publisher.name-version. The
// version suffix starts at the first hyphen followed by a digit after
// the publisher separator.
func parseExtensionDir(name string) (string, bool) {
	dot := strings.Index(name, ".")
	if dot <= 0 {
		return "", false
	}

	for i := dot + 1; i < len(name)-1; i++ {
		if name[i] == '-' && name[i+1] >= '0' && name[i+1] <= '9' {
			return strings.ToLower(name[:i]), true
		}
	}

	return "", false
}
