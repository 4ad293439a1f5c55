package billing

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPricing(t *testing.T) {
	p := DefaultPricing()

	rule, ok := p.rule(RequestChatbotTurn)
	if !ok {
		t.Fatal("chatbot_turn should have a rule")
	}
	if !rule.MeterOutput {
		t.Error("chatbot_turn should meter output")
	}

	rule, ok = p.rule(RequestInsightGeneration)
	if !ok {
		t.Fatal("insight_generation should have a rule")
	}
	if rule.MeterOutput {
		t.Error("insight_generation should be flat fee")
	}

	if p.DefaultCost <= 0 {
		t.Errorf("DefaultCost = %d, want non-zero conservative default", p.DefaultCost)
	}
}

func TestLoadPricing_EmptyPathUsesDefaults(t *testing.T) {
	p, err := LoadPricing("")
	if err != nil {
		t.Fatalf("LoadPricing() error = %v", err)
	}
	if p.OutputDivisor != defaultOutputDivisor {
		t.Errorf("OutputDivisor = %d, want %d", p.OutputDivisor, defaultOutputDivisor)
	}
}

func TestLoadPricing_OverridesMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	content := `
output_divisor: 100
kinds:
  chatbot_turn:
    prompt_cost: 2
    meter_output: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPricing(path)
	if err != nil {
		t.Fatalf("LoadPricing() error = %v", err)
	}

	if p.OutputDivisor != 100 {
		t.Errorf("OutputDivisor = %d, want 100", p.OutputDivisor)
	}
	if rule, _ := p.rule(RequestChatbotTurn); rule.PromptCost != 2 {
		t.Errorf("chatbot_turn prompt_cost = %d, want 2", rule.PromptCost)
	}
	// Untouched kinds keep their defaults.
	if _, ok := p.rule(RequestProfileGeneration); !ok {
		t.Error("profile_generation rule should survive a partial override")
	}
	if p.DefaultCost != defaultUnknownCost {
		t.Errorf("DefaultCost = %d, want default %d", p.DefaultCost, defaultUnknownCost)
	}
}

func TestLoadPricing_MissingFile(t *testing.T) {
	if _, err := LoadPricing(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadPricing() should error for a missing file")
	}
}
