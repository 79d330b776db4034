package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"attendly.org/internal/audit"
	"attendly.org/internal/auth"
	"attendly.org/internal/event"
)

type updateEventRequest struct {
	Name           *string          `json:"name"`
	Description    *string          `json:"description"`
	Location       *string          `json:"location"`
	Date           *event.Date      `json:"event_date"`
	StartTime      *event.TimeOfDay `json:"start_time"`
	EndTime        *event.TimeOfDay `json:"end_time"`
	ClearStartTime bool             `json:"clear_start_time"`
	ClearEndTime   bool             `json:"clear_end_time"`
	Active         *bool            `json:"is_active"`
}

func (req updateEventRequest) patch() event.Patch {
	return event.Patch{
		Name:           req.Name,
		Description:    req.Description,
		Location:       req.Location,
		Date:           req.Date,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		ClearStartTime: req.ClearStartTime,
		ClearEndTime:   req.ClearEndTime,
		Active:         req.Active,
	}
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	list, err := a.events.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []event.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req event.Draft
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	e, err := a.events.Create(r.Context(), req, p.UserID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventEventCreated, map[string]any{
		"event_id":   e.ID,
		"name":       e.Name,
		"event_date": e.Date.String(),
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/events/%s", e.ID))
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	sum, err := a.events.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req updateEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	e, err := a.events.Update(r.Context(), id, req.patch())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	fields := map[string]any{"event_id": e.ID, "is_active": e.Active}
	if req.Active != nil {
		fields["requested_active"] = *req.Active
	}
	_ = audit.LogEvent(r.Context(), audit.EventEventUpdated, fields)
	writeJSON(w, http.StatusOK, e)
}

func (a *API) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if err := a.events.Delete(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventEventDeleted, map[string]any{"event_id": id})
	w.WriteHeader(http.StatusNoContent)
}
