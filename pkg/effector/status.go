package effector

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/member"
	"github.com/pumpingstationone/deepharbor/pkg/worker/directory"
	"github.com/pumpingstationone/deepharbor/pkg/worker/rfid"
)

// StatusHandler processes membership status changes. A status change fans
// out to both workers: the directory account is enabled or disabled, and the
// member's assigned tags are granted or revoked on the door controller.
type StatusHandler struct {
	members      MemberSource
	rfidBus      Caller
	directoryBus Caller
	activeStatus string
}

// NewStatusHandler creates the handler for the status effector.
func NewStatusHandler(members MemberSource, rfidBus, directoryBus Caller, activeStatus string) *StatusHandler {
	return &StatusHandler{
		members:      members,
		rfidBus:      rfidBus,
		directoryBus: directoryBus,
		activeStatus: activeStatus,
	}
}

// Routes mounts the handler.
func (h *StatusHandler) Routes(r chi.Router) {
	r.Post("/v1/change_status", h.ChangeStatus)
}

// statusDetail is the slice of the change detail this effector cares about.
type statusDetail struct {
	MembershipStatus string `json:"membership_status"`
}

// ChangeStatus handles POST /v1/change_status.
func (h *StatusHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChangeRequest(w, r)
	if !ok {
		return
	}

	var detail statusDetail
	if len(req.ChangeData) > 0 {
		if err := json.Unmarshal(req.ChangeData, &detail); err != nil {
			BadRequest(w, "invalid change_data: "+err.Error())
			return
		}
	}

	active := strings.EqualFold(detail.MembershipStatus, h.activeStatus)

	identity, err := h.members.Identity(r.Context(), req.MemberID)
	if err != nil {
		InternalError(w, fmt.Sprintf("failed to load member %d: %v", req.MemberID, err))
		return
	}

	logger.Info("processing status change",
		logger.KeyMemberID, req.MemberID,
		"member", identity.FullName(),
		"status", detail.MembershipStatus)

	// Directory account first: locking the account out matters more than the
	// door tags when a member lapses.
	if identity.DirectoryUsername == "" {
		logger.Warn("member has no directory account, skipping account change",
			logger.KeyMemberID, req.MemberID)
	} else {
		resp, err := h.directoryBus.Call(r.Context(), directory.Op{
			Operation: directory.OpSetEnabled,
			Username:  identity.DirectoryUsername,
			Enabled:   &active,
		})
		if err != nil {
			InternalError(w, fmt.Sprintf("directory worker unreachable: %v", err))
			return
		}
		if !resp.OK() {
			InternalError(w, fmt.Sprintf("directory worker refused account change: %s", resp.Result))
			return
		}
	}

	tags, err := h.members.Tags(r.Context(), req.MemberID)
	if err != nil {
		InternalError(w, fmt.Sprintf("failed to load tags for member %d: %v", req.MemberID, err))
		return
	}

	op := rfid.OpRemove
	if active {
		op = rfid.OpAdd
	}

	// Only currently assigned tags move with the member's status; inactive
	// tags were already revoked when they were unassigned.
	for _, tag := range tags {
		if !tag.Active() {
			continue
		}
		if err := callRFID(r, h.rfidBus, op, identity, req.MemberID, tag); err != nil {
			InternalError(w, err.Error())
			return
		}
	}

	writeProcessed(w, req)
}

// callRFID sends one card operation and folds reply failures into an error.
func callRFID(r *http.Request, bus Caller, op string, identity member.Identity, memberID int64, tag member.Tag) error {
	logger.Info("card operation",
		logger.KeyOperation, op,
		logger.KeyTag, tag.Tag,
		logger.KeyMemberID, memberID)

	resp, err := bus.Call(r.Context(), rfid.Op{
		Operation:    op,
		TagID:        tag.Tag,
		ConvertedTag: tag.ConvertedTag,
		MemberID:     memberID,
		FirstName:    identity.FirstName,
		LastName:     identity.LastName,
	})
	if err != nil {
		return fmt.Errorf("rfid worker unreachable for tag %s: %w", tag.Tag, err)
	}
	if !resp.OK() {
		return fmt.Errorf("rfid worker failed to %s tag %s: %s", op, tag.Tag, resp.Result)
	}
	return nil
}
