// Package effector implements the HTTP services the dispatcher routes
// changes to. Each effector owns one change type: it receives the change
// notification, reads whatever member state it needs from the database, and
// drives the hardware and directory workers over the file bus.
package effector

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pumpingstationone/deepharbor/pkg/bus"
	"github.com/pumpingstationone/deepharbor/pkg/member"
)

// Effector service names, also used as the default change type routes.
const (
	ServiceStatus   = "status"
	ServiceIdentity = "identity"
	ServiceAccess   = "access"
)

// ChangeRequest is the body the dispatcher posts to every effector.
// ChangeData is the type-specific detail from the change row; its schema
// depends on the change type.
type ChangeRequest struct {
	MemberID   int64           `json:"member_id"`
	ChangeType string          `json:"change_type"`
	ChangeData json.RawMessage `json:"change_data"`
}

// ChangeResponse is returned on success, echoing the request for the
// dispatcher's processing log.
type ChangeResponse struct {
	Processed bool          `json:"processed"`
	Details   ChangeRequest `json:"details,omitempty"`
}

// MemberSource is the member state an effector reads. Satisfied by
// member.Reader.
type MemberSource interface {
	Identity(ctx context.Context, memberID int64) (member.Identity, error)
	Status(ctx context.Context, memberID int64) (string, error)
	Tags(ctx context.Context, memberID int64) ([]member.Tag, error)
}

// Caller sends one request over the file bus and waits for the correlated
// reply. Satisfied by bus.Producer.
type Caller interface {
	Call(ctx context.Context, payload any) (bus.Response, error)
}

// decodeChangeRequest parses and validates the request body. On failure it
// writes the problem response and returns ok=false.
func decodeChangeRequest(w http.ResponseWriter, r *http.Request) (ChangeRequest, bool) {
	var req ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return ChangeRequest{}, false
	}
	if req.MemberID == 0 {
		BadRequest(w, "member_id is required")
		return ChangeRequest{}, false
	}
	return req, true
}

func writeProcessed(w http.ResponseWriter, req ChangeRequest) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ChangeResponse{Processed: true, Details: req})
}
