// Package chat drives a provider.Client through a conversation and turns
// each call into a vendor-agnostic domain.ChatOutcome.
//
// A Service is owned by one conversation and is not safe for concurrent
// use. It never returns an error from Chat or Complete; failures are
// reported in ChatOutcome.Error with every numeric field left at zero.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/domain"
	"github.com/felipepmaragno/storyforge/internal/provider"
)

type Service struct {
	client    provider.Client
	costPer1K float64
	tracker   cost.Tracker

	messages []domain.Message
	outcome  domain.ChatOutcome
	last     *domain.GenerationResult
}

func New(client provider.Client, costPer1K float64, tracker cost.Tracker) *Service {
	return &Service{
		client:    client,
		costPer1K: costPer1K,
		tracker:   tracker,
	}
}

func (s *Service) Provider() string {
	return s.client.ID()
}

func (s *Service) AddUserMessage(content string) {
	s.messages = append(s.messages, domain.Message{Role: domain.RoleUser, Content: content})
}

func (s *Service) AddAssistantMessage(content string) {
	s.messages = append(s.messages, domain.Message{Role: domain.RoleAssistant, Content: content})
}

// AddSystemMessage behaves like SetContext.
func (s *Service) AddSystemMessage(content string) {
	s.SetContext(content)
}

// SetContext replaces the system message. The transcript always carries
// at most one, at the front.
func (s *Service) SetContext(content string) {
	kept := make([]domain.Message, 0, len(s.messages)+1)
	kept = append(kept, domain.Message{Role: domain.RoleSystem, Content: content})
	for _, m := range s.messages {
		if m.Role != domain.RoleSystem {
			kept = append(kept, m)
		}
	}
	s.messages = kept
}

func (s *Service) ResetMessages() {
	s.messages = nil
}

// Messages returns a copy of the transcript.
func (s *Service) Messages() []domain.Message {
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Service) SetModel(model string) {
	s.client.SetModel(model)
}

func (s *Service) SetTemperature(temperature float64) float64 {
	return s.client.SetTemperature(temperature)
}

func (s *Service) SetMaxTokens(maxTokens int) {
	s.client.SetMaxTokens(maxTokens)
}

func (s *Service) SetResponseFormat(format string) {
	s.client.SetResponseFormat(format)
}

// Chat sends the current transcript.
func (s *Service) Chat(ctx context.Context) domain.ChatOutcome {
	return s.settle(s.client.Chat(ctx, s.Messages()))
}

// Complete sends a single prompt through the vendor's completion endpoint.
// The transcript is left untouched.
func (s *Service) Complete(ctx context.Context, prompt string) domain.ChatOutcome {
	return s.settle(s.client.Completion(ctx, prompt))
}

func (s *Service) settle(res *domain.GenerationResult) domain.ChatOutcome {
	s.last = res
	s.outcome = s.normalize(res)

	slog.Debug("chat outcome",
		"provider", s.client.ID(),
		"model", s.client.Model(),
		"prompt_tokens", s.outcome.PromptTokens,
		"completion_tokens", s.outcome.CompletionTokens,
		"cost", s.outcome.TotalCost,
		"failed", s.outcome.Failed(),
	)
	return s.outcome
}

func (s *Service) normalize(res *domain.GenerationResult) domain.ChatOutcome {
	if res == nil {
		return domain.ChatOutcome{Error: "Request failed: no result", StatusCode: provider.StatusTransportFailure}
	}
	if !res.OK() {
		msg := res.Error
		if msg == "" {
			msg = provider.NoResponse
		}
		return domain.ChatOutcome{Error: msg, StatusCode: res.StatusCode, Elapsed: res.Elapsed}
	}

	reply, err := s.client.Parse(res.Response)
	if err != nil {
		return domain.ChatOutcome{Error: err.Error(), StatusCode: res.StatusCode, Elapsed: res.Elapsed}
	}

	model := reply.Model
	if model == "" {
		model = s.client.Model()
	}
	return domain.ChatOutcome{
		Completion:       reply.Completion,
		PromptTokens:     reply.PromptTokens,
		CompletionTokens: reply.CompletionTokens,
		TotalTokens:      reply.TotalTokens,
		TotalCost:        cost.TextCost(reply.PromptTokens, reply.CompletionTokens, s.costPer1K),
		Model:            model,
		CostPerToken:     s.costPer1K,
		ID:               reply.ID,
		StatusCode:       res.StatusCode,
		Elapsed:          res.Elapsed,
	}
}

func (s *Service) Outcome() domain.ChatOutcome { return s.outcome }
func (s *Service) Completion() string          { return s.outcome.Completion }
func (s *Service) PromptTokens() int           { return s.outcome.PromptTokens }
func (s *Service) CompletionTokens() int       { return s.outcome.CompletionTokens }
func (s *Service) TotalTokens() int            { return s.outcome.TotalTokens }
func (s *Service) TotalCost() float64          { return s.outcome.TotalCost }
func (s *Service) CostPerToken() float64       { return s.outcome.CostPerToken }
func (s *Service) ID() string                  { return s.outcome.ID }
func (s *Service) Err() string                 { return s.outcome.Error }

// Model is the model of the last outcome, or the configured one before
// any successful call.
func (s *Service) Model() string {
	if s.outcome.Model != "" {
		return s.outcome.Model
	}
	return s.client.Model()
}

// UsageEntry describes the last call as a ledger entry without storing it,
// so the caller can hand it to a background job.
func (s *Service) UsageEntry(ref domain.UsageRef, item domain.ItemType) domain.UsageLogEntry {
	entry := domain.UsageLogEntry{
		Provider:         s.client.ID(),
		Model:            s.Model(),
		ItemType:         item,
		StatusCode:       s.outcome.StatusCode,
		ElapsedSeconds:   s.outcome.Elapsed,
		PromptTokens:     s.outcome.PromptTokens,
		CompletionTokens: s.outcome.CompletionTokens,
		TotalTokens:      s.outcome.TotalTokens,
		TotalCost:        s.outcome.TotalCost,
		Error:            s.outcome.Error,
		CreatedAt:        time.Now().UTC(),
	}
	entry.SetRef(ref)
	if s.last != nil {
		entry.RequestJSON = s.last.Request
		entry.ResponseJSON = s.last.Response
	}
	return entry
}

// TrackRequestLog stores one ledger entry for the last call, whether it
// succeeded or not.
func (s *Service) TrackRequestLog(ctx context.Context, ref domain.UsageRef, item domain.ItemType) (domain.UsageLogEntry, error) {
	entry := s.UsageEntry(ref, item)
	if s.tracker == nil {
		return entry, fmt.Errorf("track %s usage: no tracker configured", item)
	}
	stored, err := s.tracker.Store(ctx, entry)
	if err != nil {
		return entry, fmt.Errorf("track %s usage: %w", item, err)
	}
	return stored, nil
}
