package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTransition is returned when a billable request is moved to a
// status the state machine does not allow. It signals a programming error or
// store corruption and is fatal to that request only.
var ErrInvalidTransition = errors.New("billing: invalid status transition")

// RequestKind identifies the AI feature that initiated a billable request.
type RequestKind string

const (
	RequestProfileGeneration RequestKind = "profile_generation"
	RequestChatbotTurn       RequestKind = "chatbot_turn"
	RequestInsightGeneration RequestKind = "insight_generation"
	RequestCommunicationPlan RequestKind = "communication_plan"
	RequestOther             RequestKind = "other"
)

// Status is the lifecycle state of a billable request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// legalTransitions is the full state machine: pending -> processing ->
// {completed, failed}. Terminal states have no successors.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BillableRequest tracks one metered AI invocation from initiation to its
// terminal outcome.
type BillableRequest struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	Kind          RequestKind    `json:"kind"`
	Status        Status         `json:"status"`
	EstimatedCost int64          `json:"estimated_cost"`
	ActualCost    int64          `json:"actual_cost,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TransitionExtra carries terminal-state details for a status transition.
type TransitionExtra struct {
	ActualCost    int64
	FailureReason string
}

// RequestStore persists billable requests. Transition enforces the state
// machine; implementations must reject illegal moves with
// ErrInvalidTransition.
type RequestStore interface {
	Create(ctx context.Context, accountID string, kind RequestKind, estimated int64, metadata map[string]any) (BillableRequest, error)
	Get(ctx context.Context, requestID string) (BillableRequest, error)
	Transition(ctx context.Context, requestID string, status Status, extra *TransitionExtra) error

	// ListStale returns processing requests whose last update is older than
	// the cutoff. Used by the reconciliation sweep.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]BillableRequest, error)
}

// MemoryRequestStore is an in-memory RequestStore for development and tests.
type MemoryRequestStore struct {
	requests map[string]*BillableRequest
	mu       sync.RWMutex
}

// NewMemoryRequestStore creates an empty in-memory request store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		requests: make(map[string]*BillableRequest),
	}
}

func (s *MemoryRequestStore) Create(_ context.Context, accountID string, kind RequestKind, estimated int64, metadata map[string]any) (BillableRequest, error) {
	if accountID == "" {
		return BillableRequest{}, fmt.Errorf("account id is required")
	}
	if err := ValidateMetadata(metadata); err != nil {
		return BillableRequest{}, err
	}

	now := time.Now()
	req := BillableRequest{
		ID:            newID(),
		AccountID:     accountID,
		Kind:          kind,
		Status:        StatusPending,
		EstimatedCost: estimated,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.mu.Lock()
	s.requests[req.ID] = &req
	s.mu.Unlock()

	return req, nil
}

func (s *MemoryRequestStore) Get(_ context.Context, requestID string) (BillableRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[requestID]
	if !ok {
		return BillableRequest{}, fmt.Errorf("request not found: %s", requestID)
	}
	return *req, nil
}

func (s *MemoryRequestStore) Transition(_ context.Context, requestID string, status Status, extra *TransitionExtra) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return fmt.Errorf("request not found: %s", requestID)
	}
	if !CanTransition(req.Status, status) {
		return fmt.Errorf("%w: %s -> %s (request %s)", ErrInvalidTransition, req.Status, status, requestID)
	}

	req.Status = status
	req.UpdatedAt = time.Now()
	if extra != nil {
		if extra.ActualCost != 0 {
			req.ActualCost = extra.ActualCost
		}
		if extra.FailureReason != "" {
			req.FailureReason = extra.FailureReason
		}
	}
	return nil
}

func (s *MemoryRequestStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]BillableRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BillableRequest
	for _, req := range s.requests {
		if req.Status == StatusProcessing && req.UpdatedAt.Before(cutoff) {
			out = append(out, *req)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
