package engine

import (
	"strings"
	"sync"

	"github.com/agentx/agentx/internal/driver"
)

// Pricing converts vendor-reported token usage into a dollar cost.
type Pricing interface {
	Cost(model string, usage driver.Usage) float64
}

// Rate is the price per million tokens for one model.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// TablePricing prices turns from a per-model rate table. Lookup matches the
// longest registered prefix so dated model IDs resolve to their family rate.
type TablePricing struct {
	mu       sync.RWMutex
	rates    map[string]Rate
	fallback Rate
}

// defaultRates seeds the table with current list prices.
var defaultRates = map[string]Rate{
	"claude-opus":   {InputPerMTok: 15.0, OutputPerMTok: 75.0},
	"claude-sonnet": {InputPerMTok: 3.0, OutputPerMTok: 15.0},
	"claude-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.0},
	"gpt-4o":        {InputPerMTok: 2.50, OutputPerMTok: 10.0},
	"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"deepseek-chat": {InputPerMTok: 0.27, OutputPerMTok: 1.10},
	"grok":          {InputPerMTok: 3.0, OutputPerMTok: 15.0},
	"mistral-large": {InputPerMTok: 2.0, OutputPerMTok: 6.0},
	"echo":          {},
}

// NewTablePricing builds a table seeded with default rates.
func NewTablePricing() *TablePricing {
	rates := make(map[string]Rate, len(defaultRates))
	for model, rate := range defaultRates {
		rates[model] = rate
	}
	return &TablePricing{rates: rates}
}

// SetRate overrides or adds the rate for a model (or model prefix).
func (p *TablePricing) SetRate(model string, rate Rate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[model] = rate
}

// SetFallback sets the rate used when no prefix matches.
func (p *TablePricing) SetFallback(rate Rate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = rate
}

func (p *TablePricing) Cost(model string, usage driver.Usage) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rate, bestLen := p.fallback, -1
	for prefix, r := range p.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			rate, bestLen = r, len(prefix)
		}
	}
	return float64(usage.InputTokens)*rate.InputPerMTok/1e6 +
		float64(usage.OutputTokens)*rate.OutputPerMTok/1e6
}
