package httpapi

import (
	"net/http"
	"strings"
	"time"

	"attendly.org/internal/audit"
	"attendly.org/internal/auth"
	"attendly.org/internal/checkin"
)

type checkinRequest struct {
	Token   string `json:"qr_code"`
	EventID string `json:"event_id"`
}

type checkinResponse struct {
	Outcome     checkin.Outcome `json:"outcome"`
	Success     bool            `json:"success"`
	Message     string          `json:"message"`
	UserID      string          `json:"user_id,omitempty"`
	UserName    string          `json:"user_name,omitempty"`
	UserEmail   string          `json:"user_email,omitempty"`
	EventName   string          `json:"event_name,omitempty"`
	CheckedInAt *time.Time      `json:"checked_in_at,omitempty"`
}

type statusResponse struct {
	EventID     string     `json:"event_id"`
	CheckedIn   bool       `json:"is_checked_in"`
	CheckedInAt *time.Time `json:"checked_in_at"`
}

type addParticipantRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type linkResponse struct {
	Valid            bool    `json:"valid"`
	Message          string  `json:"message"`
	ParticipantName  string  `json:"participant_name,omitempty"`
	EventID          string  `json:"event_id,omitempty"`
	EventName        string  `json:"event_name,omitempty"`
	EventDate        string  `json:"event_date,omitempty"`
	EventTime        string  `json:"event_time,omitempty"`
	EventLocation    *string `json:"event_location,omitempty"`
	EventDescription *string `json:"event_description,omitempty"`
}

func checkinMessage(res checkin.Result) string {
	switch res.Outcome {
	case checkin.Success:
		return "check-in successful"
	case checkin.AlreadyCheckedIn:
		return "participant already checked in"
	case checkin.EventInactive:
		if res.Reason == checkin.ReasonExpired {
			return "event has ended, check-in is closed"
		}
		return "event is disabled, check-in is closed"
	default:
		return "invalid QR code"
	}
}

func (a *API) handleCheckin(w http.ResponseWriter, r *http.Request) {
	var req checkinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	req.EventID = strings.TrimSpace(req.EventID)
	if req.Token == "" || req.EventID == "" {
		writeError(w, r, http.StatusBadRequest, "qr_code and event_id are required")
		return
	}

	res, err := a.checkin.CheckIn(r.Context(), req.Token, req.EventID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	fields := map[string]any{
		"event_id": req.EventID,
		"outcome":  string(res.Outcome),
	}
	if res.ParticipantID != "" {
		fields["participant_id"] = res.ParticipantID
	}
	if res.Reason != checkin.ReasonNone {
		fields["reason"] = string(res.Reason)
	}
	_ = audit.LogEvent(r.Context(), audit.EventCheckin, fields)

	code := http.StatusOK
	if !res.Accepted() {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, checkinResponse{
		Outcome:     res.Outcome,
		Success:     res.Accepted(),
		Message:     checkinMessage(res),
		UserID:      res.ParticipantID,
		UserName:    res.ParticipantName,
		UserEmail:   res.ParticipantEmail,
		EventName:   res.EventName,
		CheckedInAt: res.CheckedInAt,
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	id := strings.TrimSpace(r.PathValue("id"))
	st, err := a.checkin.IssueStatus(r.Context(), id, p.UserID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		EventID:     id,
		CheckedIn:   st.CheckedIn,
		CheckedInAt: st.CheckedInAt,
	})
}

func (a *API) handleBadge(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	badge, err := a.checkin.MintBadge(r.Context(), strings.TrimSpace(r.PathValue("id")), p)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, badge)
}

func (a *API) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var req addParticipantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	eventID := strings.TrimSpace(r.PathValue("id"))
	part, err := a.checkin.AddParticipant(r.Context(), eventID, req.Name, req.Email)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventParticipantCreated, map[string]any{
		"event_id":       eventID,
		"participant_id": part.ID,
	})
	writeJSON(w, http.StatusCreated, part)
}

type rosterResponse struct {
	Participants []checkin.Participant `json:"participants"`
	Total        int                   `json:"total"`
}

func (a *API) handleRoster(w http.ResponseWriter, r *http.Request) {
	parts, err := a.checkin.Roster(r.Context(), strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rosterResponse{Participants: parts, Total: len(parts)})
}

func (a *API) handleVerifyLink(w http.ResponseWriter, r *http.Request) {
	link, err := a.checkin.VerifyLink(r.Context(), r.PathValue("token"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !link.Valid {
		msg := "invalid QR code"
		switch link.Reason {
		case checkin.ReasonExpired:
			msg = "event has ended"
		case checkin.ReasonDisabled:
			msg = "event is disabled"
		}
		writeJSON(w, http.StatusOK, linkResponse{Message: msg})
		return
	}
	resp := linkResponse{
		Valid:            true,
		Message:          "verified",
		ParticipantName:  link.ParticipantName,
		EventID:          link.Event.ID,
		EventName:        link.Event.Name,
		EventDate:        link.Event.Date.String(),
		EventLocation:    link.Event.Location,
		EventDescription: link.Event.Description,
	}
	if st := link.Event.StartTime; st != nil {
		resp.EventTime = st.String()[:5]
	}
	writeJSON(w, http.StatusOK, resp)
}
