package normalize

import (
	"github.com/sells-group/cost-pipeline/internal/cost"
	"github.com/sells-group/cost-pipeline/internal/model"
)

// tokenUnit is the usage unit of every GenAI row.
const tokenUnit = "tokens"

// OpenAICosts maps organization cost and usage buckets. Rows with token counts
// but no amount are priced from the model rate table.
type OpenAICosts struct {
	Calc *cost.Calculator
}

func (OpenAICosts) Provider() string             { return "openai" }
func (OpenAICosts) Capability() model.Capability { return model.CapabilityGenAI }

func (a OpenAICosts) Transform(raw model.RawRecord) (model.CanonicalRow, error) {
	var row model.CanonicalRow
	var err error
	if row.UsageDate, err = requireDate(raw, "start_time"); err != nil {
		return row, err
	}
	row.AccountID = firstStr(raw, "project_id", "organization_id")
	if row.AccountID == "" {
		return row, missing("project_id")
	}
	row.Service = firstStr(raw, "line_item", "object")
	if row.Service == "" {
		return row, missing("line_item")
	}
	row.SKU = firstStr(raw, "model", "line_item")

	input, err := optNum(raw, "input_tokens")
	if err != nil {
		return row, err
	}
	output, err := optNum(raw, "output_tokens")
	if err != nil {
		return row, err
	}
	cached, err := optNum(raw, "input_cached_tokens")
	if err != nil {
		return row, err
	}
	row.UsageQuantity = input + output
	row.UsageUnit = tokenUnit

	amount, hasAmount, err := num(raw, "amount.value")
	if err != nil {
		return row, err
	}
	if hasAmount {
		row.BilledCost = amount
		row.Currency = str(raw, "amount.currency")
	} else {
		if a.Calc == nil {
			return row, missing("amount.value")
		}
		if _, ok := a.Calc.Rate("openai", row.SKU); !ok {
			return row, invalid("model")
		}
		row.BilledCost = a.Calc.OpenAI(row.SKU, boolean(raw, "batch"), int64(input), int64(output), int64(cached))
		row.Currency = cost.Currency
	}
	row.EffectiveCost = row.BilledCost
	return row, nil
}

// AnthropicUsage maps the usage report's daily per-model buckets. cost_usd is
// used when present; otherwise tokens are priced from the rate table.
type AnthropicUsage struct {
	Calc *cost.Calculator
}

func (AnthropicUsage) Provider() string             { return "anthropic" }
func (AnthropicUsage) Capability() model.Capability { return model.CapabilityGenAI }

func (a AnthropicUsage) Transform(raw model.RawRecord) (model.CanonicalRow, error) {
	var row model.CanonicalRow
	var err error
	if row.UsageDate, err = requireDate(raw, "date"); err != nil {
		return row, err
	}
	if row.AccountID, err = requireStr(raw, "workspace_id"); err != nil {
		return row, err
	}
	if row.SKU, err = requireStr(raw, "model"); err != nil {
		return row, err
	}
	row.Service = firstStr(raw, "service_tier", "api")
	if row.Service == "" {
		row.Service = "messages"
	}

	counts := make(map[string]float64, 4)
	for _, k := range []string{"input_tokens", "output_tokens", "cache_creation_input_tokens", "cache_read_input_tokens"} {
		if counts[k], err = optNum(raw, k); err != nil {
			return row, err
		}
	}
	row.UsageQuantity = counts["input_tokens"] + counts["output_tokens"] +
		counts["cache_creation_input_tokens"] + counts["cache_read_input_tokens"]
	row.UsageUnit = tokenUnit

	usd, hasUSD, err := num(raw, "cost_usd")
	if err != nil {
		return row, err
	}
	switch {
	case hasUSD:
		row.BilledCost = usd
	case a.Calc == nil:
		return row, missing("cost_usd")
	default:
		if _, ok := a.Calc.Rate("anthropic", row.SKU); !ok {
			return row, invalid("model")
		}
		row.BilledCost = a.Calc.Claude(row.SKU, boolean(raw, "batch"),
			int64(counts["input_tokens"]), int64(counts["output_tokens"]),
			int64(counts["cache_creation_input_tokens"]), int64(counts["cache_read_input_tokens"]))
	}
	row.EffectiveCost = row.BilledCost
	row.Currency = cost.Currency
	return row, nil
}
