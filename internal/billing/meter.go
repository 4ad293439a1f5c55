package billing

import "log/slog"

// WorkDescriptor describes a unit of metered AI work before it runs.
type WorkDescriptor struct {
	Kind        RequestKind
	Prompt      string
	Attachments int // uploaded images/documents accompanying the prompt
}

// Result is the outcome of a completed AI call as seen by the meter and the
// coordinator. Feature callers adapt their provider's response into it.
type Result struct {
	Content string
	Model   string
}

// Meter translates units of AI work into integer token costs. Pure and
// deterministic; it never fails — unknown work kinds fail closed with the
// pricing table's conservative default.
type Meter struct {
	pricing Pricing
}

// NewMeter creates a meter over the given pricing table.
func NewMeter(pricing Pricing) *Meter {
	return &Meter{pricing: pricing}
}

// EstimateCost returns the minimum cost of the work before it runs: the flat
// prompt cost plus a flat per-attachment cost, regardless of size.
func (m *Meter) EstimateCost(work WorkDescriptor) int64 {
	rule, ok := m.pricing.rule(work.Kind)
	if !ok {
		// Taxonomy gap: charge the conservative default rather than zero.
		slog.Warn("unknown work kind, charging default cost",
			"kind", string(work.Kind),
			"default_cost", m.pricing.DefaultCost,
		)
		return m.pricing.DefaultCost
	}

	cost := rule.PromptCost
	cost += int64(work.Attachments) * rule.AttachmentCost
	if cost < 1 {
		cost = 1
	}
	return cost
}

// ActualCost returns the settled cost of completed work. Output-metered
// kinds add ceil(len(content)/divisor) on top of the estimate; flat-fee
// kinds settle at the estimate.
func (m *Meter) ActualCost(work WorkDescriptor, result Result) int64 {
	cost := m.EstimateCost(work)

	rule, ok := m.pricing.rule(work.Kind)
	if !ok || !rule.MeterOutput {
		return cost
	}

	divisor := m.pricing.OutputDivisor
	if divisor <= 0 {
		divisor = defaultOutputDivisor
	}
	chars := int64(len(result.Content))
	cost += (chars + divisor - 1) / divisor
	return cost
}
