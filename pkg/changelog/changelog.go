// Package changelog provides access to the member change log: the
// member_changes table written by the membership portal, the processing log
// the dispatcher appends to, and the service_endpoints routing table.
package changelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoRoute indicates no service_endpoints row exists for a change type.
	ErrNoRoute = errors.New("no route for change type")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// Change is one row of the member_changes table. A change row is immutable
// once written except for the processed flag.
type Change struct {
	ID        int64      `json:"id"`
	Data      ChangeData `json:"data"`
	Processed bool       `json:"processed"`
	CreatedAt time.Time  `json:"created_at"`
}

// ChangeData is the JSONB payload of a change row. The envelope names the
// change type and the member it applies to; the type-specific detail sits
// under a key named after the change type itself, so a "status" change
// carries its detail under "status".
type ChangeData struct {
	Change   string `json:"change"`
	MemberID int64  `json:"member_id"`

	detail map[string]json.RawMessage
}

// UnmarshalJSON decodes the envelope fields and keeps the remaining keys raw
// so Detail can pull out the type-specific payload without committing to a
// schema per change type.
func (d *ChangeData) UnmarshalJSON(b []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}

	if raw, ok := keys["change"]; ok {
		if err := json.Unmarshal(raw, &d.Change); err != nil {
			return fmt.Errorf("invalid change field: %w", err)
		}
	}
	if raw, ok := keys["member_id"]; ok {
		if err := json.Unmarshal(raw, &d.MemberID); err != nil {
			return fmt.Errorf("invalid member_id field: %w", err)
		}
	}

	delete(keys, "change")
	delete(keys, "member_id")
	d.detail = keys

	return nil
}

// MarshalJSON reassembles the envelope.
func (d ChangeData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.detail)+2)
	for k, v := range d.detail {
		out[k] = v
	}
	out["change"] = d.Change
	out["member_id"] = d.MemberID
	return json.Marshal(out)
}

// Detail returns the payload keyed by the change type, or nil when absent.
func (d ChangeData) Detail() json.RawMessage {
	if d.detail == nil {
		return nil
	}
	return d.detail[d.Change]
}

// SetDetail stores a payload under the change type key. Used by writers such
// as the webhook receiver and by tests.
func (d *ChangeData) SetDetail(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if d.detail == nil {
		d.detail = map[string]json.RawMessage{}
	}
	d.detail[d.Change] = raw
	return nil
}

// Attempt is one row of member_changes_processing_log: a single delivery
// attempt against an effector. Successes are recorded too, with
// ResponseMessage set to "Successfully processed.".
type Attempt struct {
	ID              int64     `json:"id"`
	MemberChangeID  int64     `json:"member_change_id"`
	ServiceName     string    `json:"service_name"`
	ServiceEndpoint string    `json:"service_endpoint"`
	ResponseCode    int       `json:"response_code"`
	ResponseMessage string    `json:"response_message"`
	CreatedAt       time.Time `json:"created_at"`
}

// CodeUnroutable is the synthetic response code recorded when a change type
// has no service_endpoints row. It is outside the HTTP range on purpose.
const CodeUnroutable = 599

// SuccessMessage is recorded on every successful delivery attempt.
const SuccessMessage = "Successfully processed."

// Route maps a change type to the effector endpoint that handles it. Routes
// live in the database rather than in config so they can be changed without
// restarting the dispatcher.
type Route struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}
