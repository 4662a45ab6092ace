package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/jobs"
	"github.com/felipepmaragno/storyforge/internal/moderation"
)

type ChatRequest struct {
	Provider       string           `json:"provider,omitempty"`
	Model          string           `json:"model,omitempty"`
	Temperature    *float64         `json:"temperature,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	ResponseFormat string           `json:"response_format,omitempty"`
	System         string           `json:"system,omitempty"`
	Messages       []domain.Message `json:"messages"`
	BookID         string           `json:"book_id,omitempty"`
}

type ChatResponse struct {
	Provider string `json:"provider"`
	domain.ChatOutcome
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request, ref domain.UsageRef) {
	ctx := r.Context()

	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	if req.Provider != "" && !h.router.HasProvider(req.Provider) {
		writeDomainError(w, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, req.Provider))
		return
	}

	var userText []string
	for _, m := range req.Messages {
		if m.Role == domain.RoleUser {
			userText = append(userText, m.Content)
		}
	}
	if err := h.moderate(ctx, ref, userText...); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := jobs.CheckBudget(ctx, h.budget, ref.UserID); err != nil {
		writeDomainError(w, err)
		return
	}

	ref.BookID = req.BookID
	svc := h.router.Provider(req.Provider).Chat()
	if req.Model != "" {
		svc.SetModel(req.Model)
	}
	if req.Temperature != nil {
		svc.SetTemperature(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		svc.SetMaxTokens(req.MaxTokens)
	}
	if req.ResponseFormat != "" {
		svc.SetResponseFormat(req.ResponseFormat)
	}
	if req.System != "" {
		svc.SetContext(req.System)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			svc.SetContext(m.Content)
		case domain.RoleAssistant:
			svc.AddAssistantMessage(m.Content)
		default:
			svc.AddUserMessage(m.Content)
		}
	}

	out := svc.Chat(ctx)
	h.usage.Record(ctx, svc.UsageEntry(ref, domain.ItemChat))

	slog.Info("chat completed",
		"request_id", r.Header.Get("X-Request-ID"),
		"user_id", ref.UserID,
		"provider", svc.Provider(),
		"model", svc.Model(),
		"elapsed", out.Elapsed,
		"cost", out.TotalCost,
		"failed", out.Failed(),
	)

	status := http.StatusOK
	if out.Failed() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, ChatResponse{Provider: svc.Provider(), ChatOutcome: out})
}

type ModerationRequest struct {
	Input string `json:"input"`
}

type ModerationResponse struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model,omitempty"`
	moderation.Verdict
}

func (h *Handler) handleModeration(w http.ResponseWriter, r *http.Request, ref domain.UsageRef) {
	var req ModerationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	if h.moderator == nil {
		writeJSON(w, http.StatusOK, ModerationResponse{})
		return
	}

	verdict, err := h.moderator.Check(r.Context(), ref, req.Input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ModerationResponse{
		Enabled: h.moderator.Enabled(),
		Model:   h.moderator.Model(),
		Verdict: verdict,
	})
}
