package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

const (
	ResponseFormatText = "text"
	ResponseFormatJSON = "json_object"
)

// GenerationRequest holds the resolved parameters of one outbound call.
// Either Messages or Prompt is set, never both.
type GenerationRequest struct {
	Model          string    `json:"model"`
	Temperature    float64   `json:"temperature"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	ResponseFormat string    `json:"response_format,omitempty"`
	Messages       []Message `json:"messages,omitempty"`
	Prompt         string    `json:"prompt,omitempty"`
}

// GenerationResult is what a provider client hands back for a single call.
// Response is nil whenever Error is set. Cause classifies the failure as
// one of ErrTransport, ErrHTTPStatus, ErrProviderApplication or
// ErrTimeoutExceeded.
type GenerationResult struct {
	Request    json.RawMessage
	Response   json.RawMessage
	StatusCode int
	Elapsed    float64
	Error      string
	Cause      error
}

func (r *GenerationResult) OK() bool {
	return r != nil && r.Error == "" && r.Response != nil
}

// Err returns the failure as a Go error wrapping Cause, or nil.
func (r *GenerationResult) Err() error {
	if r == nil {
		return fmt.Errorf("%w: no result", ErrTransport)
	}
	if r.Error == "" {
		return nil
	}
	cause := r.Cause
	if cause == nil {
		cause = ErrGenerationFailed
	}
	return fmt.Errorf("%w: %s", cause, r.Error)
}

// ChatOutcome is the vendor-agnostic result of a chat or completion call.
// On failure Completion is empty, the numeric fields are zero and Error is set.
type ChatOutcome struct {
	Completion       string  `json:"completion"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost"`
	Model            string  `json:"model"`
	CostPerToken     float64 `json:"cost_per_token"`
	ID               string  `json:"id,omitempty"`
	Error            string  `json:"error,omitempty"`
	StatusCode       int     `json:"status_code"`
	Elapsed          float64 `json:"elapsed"`
}

func (o ChatOutcome) Failed() bool {
	return o.Error != ""
}

type ItemType string

const (
	ItemChapter           ItemType = "chapter"
	ItemChapterTitle      ItemType = "chapter_title"
	ItemCover             ItemType = "cover"
	ItemCharacterPortrait ItemType = "character_portrait"
	ItemChat              ItemType = "chat"
	ItemModeration        ItemType = "moderation"
	ItemTranscription     ItemType = "transcription"
)

// UsageRef identifies who triggered a call and what it was about.
// Only UserID is required.
type UsageRef struct {
	UserID      string `json:"user_id"`
	ProfileID   string `json:"profile_id,omitempty"`
	BookID      string `json:"book_id,omitempty"`
	ChapterID   string `json:"chapter_id,omitempty"`
	CharacterID string `json:"character_id,omitempty"`
}

// UsageLogEntry is one append-only record of an external AI call.
type UsageLogEntry struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	ProfileID        string          `json:"profile_id,omitempty"`
	BookID           string          `json:"book_id,omitempty"`
	ChapterID        string          `json:"chapter_id,omitempty"`
	CharacterID      string          `json:"character_id,omitempty"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	ItemType         ItemType        `json:"item_type"`
	RequestJSON      json.RawMessage `json:"request_json,omitempty"`
	ResponseJSON     json.RawMessage `json:"response_json,omitempty"`
	StatusCode       int             `json:"status_code"`
	ElapsedSeconds   float64         `json:"elapsed_seconds"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	InputImages      int             `json:"input_images"`
	OutputImages     int             `json:"output_images"`
	TotalCost        float64         `json:"total_cost"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (e UsageLogEntry) Ref() UsageRef {
	return UsageRef{
		UserID:      e.UserID,
		ProfileID:   e.ProfileID,
		BookID:      e.BookID,
		ChapterID:   e.ChapterID,
		CharacterID: e.CharacterID,
	}
}

func (e *UsageLogEntry) SetRef(ref UsageRef) {
	e.UserID = ref.UserID
	e.ProfileID = ref.ProfileID
	e.BookID = ref.BookID
	e.ChapterID = ref.ChapterID
	e.CharacterID = ref.CharacterID
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Book struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ProfileID   string    `json:"profile_id,omitempty"`
	Title       string    `json:"title"`
	Premise     string    `json:"premise"`
	AgeGroup    string    `json:"age_group,omitempty"`
	CoverURL    string    `json:"cover_url,omitempty"`
	CoverStatus Status    `json:"cover_status"`
	CoverError  string    `json:"cover_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Chapter struct {
	ID        string    `json:"id"`
	BookID    string    `json:"book_id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Prompt    string    `json:"prompt"`
	Content   string    `json:"content"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Character struct {
	ID             string    `json:"id"`
	BookID         string    `json:"book_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	PortraitURL    string    `json:"portrait_url,omitempty"`
	PortraitStatus Status    `json:"portrait_status"`
	PortraitError  string    `json:"portrait_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
