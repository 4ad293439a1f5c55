// Package features implements the AI-powered features of Tapfolio: profile
// generation, chatbot replies, network insights, and communication plans.
// Each feature builds a prompt, describes the work to the billing
// coordinator, and supplies the AI call as a closure; billing outcomes
// (insufficient tokens, provider failure, billing race) surface unchanged.
package features

import (
	"context"
	"fmt"
	"strings"

	"github.com/tapfolio/tapfolio/internal/ai"
	"github.com/tapfolio/tapfolio/internal/billing"
)

// Contact is a person in the user's network, as the features need it.
type Contact struct {
	ID      string
	Name    string
	Company string
	Role    string
	Notes   string
}

// ProfileInput is the raw material for profile generation.
type ProfileInput struct {
	Name        string
	Headline    string
	Keywords    []string
	CardID      string
	Attachments int // uploaded photos/documents to draw from
}

// Service exposes the AI features, all charged through the billing
// coordinator.
type Service struct {
	coordinator *billing.Coordinator
	router      *ai.Router
}

// NewService creates the feature service.
func NewService(coordinator *billing.Coordinator, router *ai.Router) (*Service, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if router == nil {
		return nil, fmt.Errorf("ai router is required")
	}
	return &Service{coordinator: coordinator, router: router}, nil
}

// GenerateProfile drafts a business-card profile bio from the user's input.
func (s *Service) GenerateProfile(ctx context.Context, accountID string, input ProfileInput) (string, error) {
	prompt := fmt.Sprintf(
		"Write a short professional bio for a digital business card.\nName: %s\nHeadline: %s\nKeywords: %s",
		input.Name, input.Headline, strings.Join(input.Keywords, ", "),
	)

	work := billing.WorkDescriptor{
		Kind:        billing.RequestProfileGeneration,
		Prompt:      prompt,
		Attachments: input.Attachments,
	}
	metadata := map[string]any{}
	if input.CardID != "" {
		metadata["card_id"] = input.CardID
	}

	return s.charge(ctx, accountID, work, metadata, ai.CompletionRequest{
		Messages: []ai.Message{
			{Role: "system", Content: "You write concise, polished professional bios. Two to three sentences, first person, no emoji."},
			{Role: "user", Content: prompt},
		},
		MaxTokens: 512,
	})
}

// ChatReply answers one chatbot turn for the user's networking assistant.
func (s *Service) ChatReply(ctx context.Context, accountID string, history []ai.Message, text string) (string, error) {
	work := billing.WorkDescriptor{
		Kind:   billing.RequestChatbotTurn,
		Prompt: text,
	}

	messages := []ai.Message{
		{Role: "system", Content: "You are the Tapfolio networking assistant. Help the user manage contacts, follow-ups, and introductions. Keep replies short and practical."},
	}
	messages = append(messages, history...)
	messages = append(messages, ai.Message{Role: "user", Content: text})

	return s.charge(ctx, accountID, work, nil, ai.CompletionRequest{
		Messages:  messages,
		MaxTokens: 1024,
	})
}

// NetworkInsights summarizes patterns across the user's contacts.
func (s *Service) NetworkInsights(ctx context.Context, accountID string, contacts []Contact) (string, error) {
	var sb strings.Builder
	sb.WriteString("Analyze this contact list and point out clusters, gaps, and three follow-up suggestions.\n")
	for _, c := range contacts {
		fmt.Fprintf(&sb, "- %s, %s at %s. %s\n", c.Name, c.Role, c.Company, c.Notes)
	}
	prompt := sb.String()

	work := billing.WorkDescriptor{
		Kind:   billing.RequestInsightGeneration,
		Prompt: prompt,
	}

	return s.charge(ctx, accountID, work, nil, ai.CompletionRequest{
		Messages: []ai.Message{
			{Role: "system", Content: "You analyze professional networks and give specific, actionable observations."},
			{Role: "user", Content: prompt},
		},
		MaxTokens: 1024,
	})
}

// CommunicationPlan drafts an outreach plan toward a contact for a goal.
func (s *Service) CommunicationPlan(ctx context.Context, accountID string, contact Contact, goal string) (string, error) {
	prompt := fmt.Sprintf(
		"Draft a 3-step communication plan.\nContact: %s, %s at %s.\nContext: %s\nGoal: %s",
		contact.Name, contact.Role, contact.Company, contact.Notes, goal,
	)

	work := billing.WorkDescriptor{
		Kind:   billing.RequestCommunicationPlan,
		Prompt: prompt,
	}
	metadata := map[string]any{}
	if contact.ID != "" {
		metadata["contact_id"] = contact.ID
	}

	return s.charge(ctx, accountID, work, metadata, ai.CompletionRequest{
		Messages: []ai.Message{
			{Role: "system", Content: "You plan professional outreach: concrete steps, suggested timing, one draft message per step."},
			{Role: "user", Content: prompt},
		},
		MaxTokens: 1024,
	})
}

func (s *Service) charge(ctx context.Context, accountID string, work billing.WorkDescriptor, metadata map[string]any, req ai.CompletionRequest) (string, error) {
	result, err := s.coordinator.Charge(ctx, accountID, work, metadata, func(ctx context.Context) (billing.Result, error) {
		resp, err := s.router.Complete(ctx, req)
		if err != nil {
			return billing.Result{}, err
		}
		return billing.Result{Content: resp.Content, Model: resp.Model}, nil
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}
