package syncer

import "encoding/json"

// SyncStatus classifies the direction and cause of one detected change.
// The detector assigns exactly one status per change record; the engine
// resolves it to an action handler. Unknown future statuses are skipped,
// not fatal.
type SyncStatus int

const (
	// StatusUnknown is the zero value. The engine skips it.
	StatusUnknown SyncStatus = iota

	// StatusFirstTimeConnect means no remote profile exists yet for this
	// client. The local state becomes the canonical copy.
	StatusFirstTimeConnect

	// Client-originated: the local side changed and the remote copy is
	// stale. All three resolve to a backup.
	StatusAddExtensionsFromClient
	StatusRemoveExtensionsFromClient
	StatusSettingsChangedFromClient

	// Server-originated: the remote copy is newer than the local cursor.
	StatusAddExtensionsFromServer
	StatusRemoveExtensionsFromServer
	StatusSettingsChangedFromServer

	// StatusNewInstance means this client has no record of ever syncing
	// but the remote profile has full state. Resolves to the composite
	// apply-add, apply-settings, backup sequence.
	StatusNewInstance
)

func (s SyncStatus) String() string {
	switch s {
	case StatusFirstTimeConnect:
		return "first-time-connect"
	case StatusAddExtensionsFromClient:
		return "add-extensions-from-client"
	case StatusRemoveExtensionsFromClient:
		return "remove-extensions-from-client"
	case StatusSettingsChangedFromClient:
		return "settings-changed-from-client"
	case StatusAddExtensionsFromServer:
		return "add-extensions-from-server"
	case StatusRemoveExtensionsFromServer:
		return "remove-extensions-from-server"
	case StatusSettingsChangedFromServer:
		return "settings-changed-from-server"
	case StatusNewInstance:
		return "new-instance"
	default:
		return "unknown"
	}
}

// Change is one detected difference between local and remote state,
// immutable once produced. Extensions carries the affected extension ids
// for the add/remove variants; Settings carries the payload for the
// settings variants; LastUpdate is the remote version this change was
// detected against.
type Change struct {
	Status     SyncStatus
	Extensions []string
	Settings   json.RawMessage
	LastUpdate int64
}

// Snapshot is the canonical configuration blob a profile stores remotely.
type Snapshot struct {
	Extensions []string        `json:"extensions"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	LastUpdate int64           `json:"lastUpdate,omitempty"`
	Device     string          `json:"device,omitempty"`
	SavedAt    int64           `json:"savedAt,omitempty"`
}

// Metadata describes the remote profile without its payload.
type Metadata struct {
	LastUpdate int64  `json:"lastUpdate"`
	Device     string `json:"device,omitempty"`
	SavedAt    int64  `json:"savedAt,omitempty"`
}

// Result summarizes one reconciliation pass. Coalesced means the call
// collapsed into an in-flight pass and did no work of its own.
type Result struct {
	Applied   int
	Skipped   int
	Coalesced bool
}
