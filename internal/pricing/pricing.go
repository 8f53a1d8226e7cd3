package pricing

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnknownModel is returned when a model has no entry in the pricing table.
// Unknown models are never billed at a silent default rate.
var ErrUnknownModel = errors.New("unknown model")

// ErrNegativeTokens is returned when a caller passes a negative token count.
var ErrNegativeTokens = errors.New("negative token count")

// Rates holds the per-model credit rates, expressed per 1000 tokens.
type Rates struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// Table is the static pricing lookup: per-model token rates plus named cost
// modifiers (multipliers applied on top of the base rate).
type Table struct {
	rates               map[string]Rates
	modifiers           map[string]float64
	typicalPromptTokens int64
}

// Option configures a Table.
type Option func(*Table)

// WithModifier registers a named cost modifier (e.g. "batch" at 0.5).
func WithModifier(name string, factor float64) Option {
	return func(t *Table) {
		t.modifiers[name] = factor
	}
}

// WithTypicalPromptTokens sets the prompt size assumed by Estimate. Defaults
// to 2000 tokens.
func WithTypicalPromptTokens(n int64) Option {
	return func(t *Table) {
		if n > 0 {
			t.typicalPromptTokens = n
		}
	}
}

// NewTable creates a pricing table from per-model rates. The empty modifier
// name is always registered with factor 1.
func NewTable(rates map[string]Rates, opts ...Option) *Table {
	t := &Table{
		rates:               make(map[string]Rates, len(rates)),
		modifiers:           map[string]float64{"": 1.0},
		typicalPromptTokens: 2000,
	}
	for model, r := range rates {
		t.rates[model] = r
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Rates returns the rates for a model, or ErrUnknownModel.
func (t *Table) Rates(modelID string) (Rates, error) {
	r, ok := t.rates[modelID]
	if !ok {
		return Rates{}, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	return r, nil
}

// Cost converts token counts into credits for the given model and modifier.
// It is pure and fails only on negative token counts, an unknown model, or an
// unknown modifier. The result is rounded up to the nearest hundredth so that
// floating-point truncation never under-charges.
func (t *Table) Cost(inputTokens, outputTokens int64, modelID, modifier string) (float64, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("%w: input=%d output=%d", ErrNegativeTokens, inputTokens, outputTokens)
	}

	r, err := t.Rates(modelID)
	if err != nil {
		return 0, err
	}

	factor, ok := t.modifiers[modifier]
	if !ok {
		return 0, fmt.Errorf("unknown modifier %q", modifier)
	}

	raw := (float64(inputTokens)/1000.0*r.InputPer1K + float64(outputTokens)/1000.0*r.OutputPer1K) * factor
	return RoundUpCredits(raw), nil
}

// Estimate returns a conservative upper-bound cost for a request against the
// given model, assuming the full maxTokens output plus a typical prompt. Used
// as the pre-flight estimate stamped on pending transactions.
func (t *Table) Estimate(modelID string, maxTokens int64) (float64, error) {
	if maxTokens < 0 {
		return 0, fmt.Errorf("%w: max=%d", ErrNegativeTokens, maxTokens)
	}
	return t.Cost(t.typicalPromptTokens, maxTokens, modelID, "")
}

// RoundUpCredits rounds a raw credit amount up to the nearest hundredth. A
// tiny epsilon is subtracted first so that float noise just above an exact
// hundredth (9.000000000000002 and the like) does not round to the next one.
func RoundUpCredits(x float64) float64 {
	return math.Ceil(x*100-1e-9) / 100
}

// EstimateTokens approximates the token count of a text when no usage report
// is available (roughly four characters per token). Callers that fall back to
// this estimator should log the discrepancy.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	n := int64(len(text)) / 4
	if n == 0 {
		n = 1
	}
	return n
}
