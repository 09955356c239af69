package normalize

import (
	"github.com/sells-group/cost-pipeline/internal/model"
)

// GitHubBilling maps the enhanced billing usage report. Amounts are in USD.
type GitHubBilling struct{}

func (GitHubBilling) Provider() string             { return "github" }
func (GitHubBilling) Capability() model.Capability { return model.CapabilitySubscription }

func (GitHubBilling) Transform(raw model.RawRecord) (model.CanonicalRow, error) {
	var row model.CanonicalRow
	var err error
	if row.UsageDate, err = requireDate(raw, "date"); err != nil {
		return row, err
	}
	if row.AccountID, err = requireStr(raw, "organizationName"); err != nil {
		return row, err
	}
	if row.Service, err = requireStr(raw, "product"); err != nil {
		return row, err
	}
	if row.SKU, err = requireStr(raw, "sku"); err != nil {
		return row, err
	}
	if row.BilledCost, err = requireNum(raw, "grossAmount"); err != nil {
		return row, err
	}
	net, hasNet, err := num(raw, "netAmount")
	if err != nil {
		return row, err
	}
	row.EffectiveCost = row.BilledCost
	if hasNet {
		row.EffectiveCost = net
	}
	if row.UsageQuantity, err = optNum(raw, "quantity"); err != nil {
		return row, err
	}
	row.UsageUnit = str(raw, "unitType")
	row.ResourceID = str(raw, "repositoryName")
	row.Currency = "USD"
	return row, nil
}

// SlackBilling maps workspace billing line items (one row per plan per day).
type SlackBilling struct{}

func (SlackBilling) Provider() string             { return "slack" }
func (SlackBilling) Capability() model.Capability { return model.CapabilitySubscription }

func (SlackBilling) Transform(raw model.RawRecord) (model.CanonicalRow, error) {
	var row model.CanonicalRow
	var err error
	if row.UsageDate, err = requireDate(raw, "date"); err != nil {
		return row, err
	}
	if row.AccountID, err = requireStr(raw, "team_id"); err != nil {
		return row, err
	}
	if row.SKU, err = requireStr(raw, "plan"); err != nil {
		return row, err
	}
	if row.BilledCost, err = requireNum(raw, "amount"); err != nil {
		return row, err
	}
	discount, err := optNum(raw, "discount")
	if err != nil {
		return row, err
	}
	if row.UsageQuantity, err = optNum(raw, "seats"); err != nil {
		return row, err
	}
	row.Service = "slack"
	row.UsageUnit = "seats"
	row.EffectiveCost = row.BilledCost - discount
	row.Currency = str(raw, "currency")
	return row, nil
}
