package effector

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/worker/rfid"
)

// AccessHandler processes access changes: it re-derives the correct door
// controller state for every tag the member has ever held and pushes it to
// the rfid worker. The change detail itself is not consulted; the database
// is the source of truth at processing time, not at enqueue time.
type AccessHandler struct {
	members      MemberSource
	rfidBus      Caller
	activeStatus string
}

// NewAccessHandler creates the handler for the access effector.
func NewAccessHandler(members MemberSource, rfidBus Caller, activeStatus string) *AccessHandler {
	return &AccessHandler{members: members, rfidBus: rfidBus, activeStatus: activeStatus}
}

// Routes mounts the handler.
func (h *AccessHandler) Routes(r chi.Router) {
	r.Post("/v1/change_access", h.ChangeAccess)
}

// ChangeAccess handles POST /v1/change_access.
//
// A tag is granted only when both keys turn: the member is active AND the
// tag assignment is active. Either one lapsing revokes the tag.
func (h *AccessHandler) ChangeAccess(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChangeRequest(w, r)
	if !ok {
		return
	}

	identity, err := h.members.Identity(r.Context(), req.MemberID)
	if err != nil {
		InternalError(w, fmt.Sprintf("failed to load member %d: %v", req.MemberID, err))
		return
	}

	status, err := h.members.Status(r.Context(), req.MemberID)
	if err != nil {
		InternalError(w, fmt.Sprintf("failed to load status for member %d: %v", req.MemberID, err))
		return
	}
	memberActive := strings.EqualFold(status, h.activeStatus)

	logger.Info("processing access change",
		logger.KeyMemberID, req.MemberID,
		"member", identity.FullName(),
		"status", status)

	tags, err := h.members.Tags(r.Context(), req.MemberID)
	if err != nil {
		InternalError(w, fmt.Sprintf("failed to load tags for member %d: %v", req.MemberID, err))
		return
	}

	if len(tags) == 0 {
		// Nothing to reconcile. Not fatal; members without tags exist.
		logger.Warn("no tags on file for member", logger.KeyMemberID, req.MemberID)
		writeProcessed(w, req)
		return
	}

	for _, tag := range tags {
		op := rfid.OpRemove
		if memberActive && tag.Active() {
			op = rfid.OpAdd
		}
		if err := callRFID(r, h.rfidBus, op, identity, req.MemberID, tag); err != nil {
			InternalError(w, err.Error())
			return
		}
	}

	writeProcessed(w, req)
}
