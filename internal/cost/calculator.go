// Package cost prices GenAI token usage for providers whose usage exports
// carry token counts without amounts.
package cost

// Rates holds per-provider, per-model token pricing in USD.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    map[string]ModelRate `yaml:"openai" mapstructure:"openai"`
}

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Currency is the currency every rate is expressed in.
const Currency = "USD"

// Calculator computes token costs.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates. Providers with no
// configured models fall back to DefaultRates.
func NewCalculator(rates Rates) *Calculator {
	def := DefaultRates()
	if len(rates.Anthropic) == 0 {
		rates.Anthropic = def.Anthropic
	}
	if len(rates.OpenAI) == 0 {
		rates.OpenAI = def.OpenAI
	}
	return &Calculator{rates: rates}
}

// Rate returns the configured rate for a provider's model.
func (c *Calculator) Rate(provider, model string) (ModelRate, bool) {
	var table map[string]ModelRate
	switch provider {
	case "anthropic":
		table = c.rates.Anthropic
	case "openai":
		table = c.rates.OpenAI
	}
	rate, ok := table[model]
	return rate, ok
}

// Claude computes the cost of Anthropic token usage. Unknown models cost 0.
func (c *Calculator) Claude(model string, isBatch bool, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}
	return tokenCost(rate, isBatch, input, output, cacheWrite, cacheRead)
}

// OpenAI computes the cost of OpenAI token usage. Cached input tokens are
// billed at the cache-read multiplier. Unknown models cost 0.
func (c *Calculator) OpenAI(model string, isBatch bool, input, output, cachedInput int64) float64 {
	rate, ok := c.rates.OpenAI[model]
	if !ok {
		return 0
	}
	return tokenCost(rate, isBatch, input-cachedInput, output, 0, cachedInput)
}

func tokenCost(rate ModelRate, isBatch bool, input, output, cacheWrite, cacheRead int64) float64 {
	batchMul := 1.0
	if isBatch && rate.BatchDiscount > 0 {
		batchMul = rate.BatchDiscount
	}
	if input < 0 {
		input = 0
	}

	inCost := (float64(input) / 1e6) * rate.Input * batchMul
	outCost := (float64(output) / 1e6) * rate.Output * batchMul
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul * batchMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul * batchMul

	return inCost + outCost + cwCost + crCost
}

// DefaultRates returns list prices at the time of writing.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 1.00, Output: 5.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		OpenAI: map[string]ModelRate{
			"gpt-4o": {
				Input: 2.50, Output: 10.00,
				BatchDiscount: 0.5, CacheReadMul: 0.5,
			},
			"gpt-4o-mini": {
				Input: 0.15, Output: 0.60,
				BatchDiscount: 0.5, CacheReadMul: 0.5,
			},
			"gpt-4.1": {
				Input: 2.00, Output: 8.00,
				BatchDiscount: 0.5, CacheReadMul: 0.25,
			},
		},
	}
}
