package api

import (
	"net/http"

	"github.com/thrifty/ledger-service/internal/domain"
)

// CreateSavingsGroupHandler creates a group with the caller as admin.
func (h *Handlers) CreateSavingsGroupHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req domain.CreateSavingsGroupRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.rejectBody(w, "create_savings_group", err)
		return
	}
	group, err := h.service.CreateSavingsGroup(r.Context(), actor, req)
	if err != nil {
		h.writeServiceError(w, "create_savings_group", err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (h *Handlers) GetSavingsGroupHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	group, err := h.service.GetSavingsGroup(r.Context(), actor, groupID)
	if err != nil {
		h.writeServiceError(w, "get_savings_group", err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (h *Handlers) DeleteSavingsGroupHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteGroup(r.Context(), actor, groupID); err != nil {
		h.writeServiceError(w, "delete_savings_group", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListMembersHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	members, err := h.service.ListMembers(r.Context(), actor, groupID)
	if err != nil {
		h.writeServiceError(w, "list_members", err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *Handlers) AddMemberHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req domain.AddMemberRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.rejectBody(w, "add_member", err)
		return
	}
	member, err := h.service.AddMember(r.Context(), actor, groupID, req.UserID)
	if err != nil {
		h.writeServiceError(w, "add_member", err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (h *Handlers) RemoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	userID, ok := uuidParam(w, r, "userId")
	if !ok {
		return
	}
	if err := h.service.RemoveMember(r.Context(), actor, groupID, userID); err != nil {
		h.writeServiceError(w, "remove_member", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ContributeHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	groupID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req domain.ContributionRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.rejectBody(w, "contribute", err)
		return
	}
	member, err := h.service.ContributeFunds(r.Context(), actor, groupID, req)
	if err != nil {
		h.writeServiceError(w, "contribute", err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}
