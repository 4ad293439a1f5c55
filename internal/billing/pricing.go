package billing

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	defaultPromptCost     = 1
	defaultAttachmentCost = 5
	defaultOutputDivisor  = 250
	defaultUnknownCost    = 5
)

// KindRule is the cost rule for one work kind.
type KindRule struct {
	PromptCost     int64 `yaml:"prompt_cost"`
	AttachmentCost int64 `yaml:"attachment_cost"`
	MeterOutput    bool  `yaml:"meter_output"`
}

// Pricing is the token cost table the meter evaluates work against.
type Pricing struct {
	// Kinds maps request kinds to their cost rules.
	Kinds map[RequestKind]KindRule `yaml:"kinds"`
	// OutputDivisor converts response characters to tokens for
	// output-metered kinds (ceil division).
	OutputDivisor int64 `yaml:"output_divisor"`
	// DefaultCost is the conservative non-zero charge for unknown kinds.
	DefaultCost int64 `yaml:"default_cost"`
}

func (p Pricing) rule(kind RequestKind) (KindRule, bool) {
	r, ok := p.Kinds[kind]
	return r, ok
}

// DefaultPricing returns the compiled-in cost table: text prompts cost 1
// unit, attachments 5 units flat; chatbot turns and generation calls also
// meter response length.
func DefaultPricing() Pricing {
	flat := KindRule{PromptCost: defaultPromptCost, AttachmentCost: defaultAttachmentCost}
	metered := flat
	metered.MeterOutput = true

	return Pricing{
		Kinds: map[RequestKind]KindRule{
			RequestProfileGeneration: metered,
			RequestChatbotTurn:       metered,
			RequestInsightGeneration: flat,
			RequestCommunicationPlan: flat,
		},
		OutputDivisor: defaultOutputDivisor,
		DefaultCost:   defaultUnknownCost,
	}
}

// LoadPricing reads a pricing table from a YAML file, filling unset fields
// from the defaults. An empty path returns the defaults unchanged.
func LoadPricing(path string) (Pricing, error) {
	pricing := DefaultPricing()
	if path == "" {
		return pricing, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Pricing{}, fmt.Errorf("reading pricing table: %w", err)
	}

	var loaded Pricing
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Pricing{}, fmt.Errorf("parsing pricing table: %w", err)
	}

	if loaded.OutputDivisor > 0 {
		pricing.OutputDivisor = loaded.OutputDivisor
	}
	if loaded.DefaultCost > 0 {
		pricing.DefaultCost = loaded.DefaultCost
	}
	for kind, rule := range loaded.Kinds {
		pricing.Kinds[kind] = rule
	}

	slog.Info("pricing table loaded", "path", path, "kinds", len(pricing.Kinds))
	return pricing, nil
}
