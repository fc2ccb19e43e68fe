package effector

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/worker/directory"
)

// IdentityHandler processes identity changes: the change detail is the full
// set of authorizations (directory groups) the member should hold, and the
// directory worker reconciles the account to match.
type IdentityHandler struct {
	members      MemberSource
	directoryBus Caller
}

// NewIdentityHandler creates the handler for the identity effector.
func NewIdentityHandler(members MemberSource, directoryBus Caller) *IdentityHandler {
	return &IdentityHandler{members: members, directoryBus: directoryBus}
}

// Routes mounts the handler.
func (h *IdentityHandler) Routes(r chi.Router) {
	r.Post("/v1/change_identity", h.ChangeIdentity)
}

// ChangeIdentity handles POST /v1/change_identity.
func (h *IdentityHandler) ChangeIdentity(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChangeRequest(w, r)
	if !ok {
		return
	}

	var groups []string
	if len(req.ChangeData) > 0 {
		if err := json.Unmarshal(req.ChangeData, &groups); err != nil {
			BadRequest(w, "invalid change_data: expected a list of authorizations")
			return
		}
	}

	identity, err := h.members.Identity(r.Context(), req.MemberID)
	if err != nil {
		InternalError(w, fmt.Sprintf("failed to load member %d: %v", req.MemberID, err))
		return
	}

	if identity.DirectoryUsername == "" {
		BadRequest(w, fmt.Sprintf("member %d has no directory account", req.MemberID))
		return
	}

	logger.Info("processing identity change",
		logger.KeyMemberID, req.MemberID,
		logger.KeyUsername, identity.DirectoryUsername,
		"authorizations", len(groups))

	resp, err := h.directoryBus.Call(r.Context(), directory.Op{
		Operation: directory.OpSyncAuthorizations,
		Username:  identity.DirectoryUsername,
		Groups:    groups,
	})
	if err != nil {
		InternalError(w, fmt.Sprintf("directory worker unreachable: %v", err))
		return
	}
	if !resp.OK() {
		InternalError(w, fmt.Sprintf("directory worker failed to sync authorizations: %s", resp.Result))
		return
	}

	writeProcessed(w, req)
}
