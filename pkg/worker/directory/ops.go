// Package directory implements the worker that owns the directory service
// accounts. It consumes operations from the file bus: enabling and disabling
// accounts and reconciling group membership.
package directory

// QueueName is this worker's queue directory under the shared volume.
const QueueName = "directory"

// Operations accepted over the bus.
const (
	OpSetEnabled         = "set_enabled"
	OpSyncAuthorizations = "sync_authorizations"
	OpGetDateTime        = "get_datetime"
)

// Op is the bus payload for a directory operation.
type Op struct {
	Operation string `json:"operation"`
	Username  string `json:"username,omitempty"`

	// Enabled applies to set_enabled.
	Enabled *bool `json:"enabled,omitempty"`

	// Groups is the desired full membership set for sync_authorizations. An
	// empty set means remove every managed group.
	Groups []string `json:"groups,omitempty"`
}

// SyncResult is the reply data for sync_authorizations.
type SyncResult struct {
	Username string   `json:"username"`
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
}

// EnabledResult is the reply data for set_enabled.
type EnabledResult struct {
	Username string `json:"username"`
	Enabled  bool   `json:"enabled"`
}

// TimeResult is the reply data for get_datetime.
type TimeResult struct {
	CurrentTime string `json:"current_time"`
}
