package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelsoft/ras/internal/model"
)

// createResearchRequest is the §6.1 POST /research body.
type createResearchRequest struct {
	Instruction string           `json:"instruction"`
	Attachments []wireAttachment `json:"attachments,omitempty"`
}

type wireAttachment struct {
	Title   string `json:"title,omitempty"`
	Kind    string `json:"kind"`
	Content string `json:"content,omitempty"`
	URI     string `json:"uri,omitempty"`
	MIME    string `json:"mime,omitempty"`
}

// toModelAttachments converts the wire representation into the tagged
// union model.Attachment expects, in receipt order.
func toModelAttachments(in []wireAttachment) []model.Attachment {
	out := make([]model.Attachment, 0, len(in))
	for _, a := range in {
		att := model.Attachment{Title: a.Title, Kind: model.AttachmentKind(a.Kind)}
		switch att.Kind {
		case model.AttachmentText:
			att.Text = &model.TextAttachment{Content: a.Content}
		case model.AttachmentPDF:
			att.PDF = &model.PDFAttachment{Filename: a.Title}
		case model.AttachmentImage:
			att.Image = &model.ImageAttachment{URI: a.URI, MIME: a.MIME}
		}
		out = append(out, att)
	}
	return out
}

type createResearchResponse struct {
	SessionID string `json:"session_id"`
}

func (rt *runtime) handleCreateResearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity, err := rt.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createResearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Instruction == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	attachments := toModelAttachments(req.Attachments)
	message, err := model.FormatMessage(req.Instruction, attachments)
	if err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	now := time.Now()
	sess := &model.Session{
		ID:           uuid.NewString(),
		OwnerUserID:  identity.UserID,
		OwnerOrgID:   identity.OrgID,
		Status:       model.StatusPending,
		ResearchGoal: message,
		CreatedAt:    now,
		History: []model.ConversationEntry{{
			Sender:      model.SenderUser,
			Message:     message,
			Timestamp:   now,
			Attachments: attachments,
		}},
		Config: model.Config{
			TimeLimit:          rt.cfg.Session.DefaultTimeLimit,
			MaxConversationLen: rt.cfg.Session.MaxConversationLength,
			PreserveExchanges:  rt.cfg.Session.PreserveExchanges,
			InitialInstruction: req.Instruction,
		},
	}
	if err := rt.store.Create(r.Context(), sess); err != nil {
		http.Error(w, "session create failed", http.StatusInternalServerError)
		return
	}
	if err := rt.supervisor.Start(r.Context(), sess.ID); err != nil {
		http.Error(w, "session create failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(createResearchResponse{SessionID: sess.ID})
}

// handleSessionRoutes dispatches /session/{id}/message and
// /session/{id}/ws, the two path-parameterized routes in §6.1.
func (rt *runtime) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/session/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	sessionID, action := parts[0], parts[1]

	if _, err := rt.store.Snapshot(r.Context(), sessionID); err != nil {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "message":
		rt.handlePostMessage(w, r, sessionID)
	case "ws":
		rt.wsServer.ServeSession(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

type postMessageRequest struct {
	Role        string           `json:"role"`
	Content     string           `json:"content"`
	Attachments []wireAttachment `json:"attachments,omitempty"`
}

func (rt *runtime) handlePostMessage(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := rt.authenticate(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	attachments := toModelAttachments(req.Attachments)
	message, err := model.FormatMessage(req.Content, attachments)
	if err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	var reactivate bool
	err = rt.store.WithSession(r.Context(), sessionID, func(s *model.Session) error {
		s.History = append(s.History, model.ConversationEntry{
			Sender:      model.SenderUser,
			Message:     message,
			Timestamp:   time.Now(),
			Attachments: attachments,
		})
		if s.Status.Terminal() {
			s.Status = model.StatusPending
			s.ResearchGoal = message
			reactivate = true
		}
		return nil
	})
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if reactivate {
		_ = rt.supervisor.Start(r.Context(), sessionID)
	}
	w.WriteHeader(http.StatusOK)
}
