package normalize

import (
	"github.com/sells-group/cost-pipeline/internal/model"
)

// GCPBilling maps the Cloud Billing export (BigQuery detailed usage, nested
// fields flattened with dots). credits is the summed, negative credit total.
type GCPBilling struct{}

func (GCPBilling) Provider() string             { return "gcp" }
func (GCPBilling) Capability() model.Capability { return model.CapabilityCloud }

func (GCPBilling) Transform(raw model.RawRecord) (model.CanonicalRow, error) {
	var row model.CanonicalRow
	var err error
	if row.UsageDate, err = requireDate(raw, "usage_start_time"); err != nil {
		return row, err
	}
	if row.AccountID, err = requireStr(raw, "billing_account_id"); err != nil {
		return row, err
	}
	if row.Service, err = requireStr(raw, "service.description"); err != nil {
		return row, err
	}
	if row.SKU, err = requireStr(raw, "sku.description"); err != nil {
		return row, err
	}
	if row.BilledCost, err = requireNum(raw, "cost"); err != nil {
		return row, err
	}
	credits, err := optNum(raw, "credits")
	if err != nil {
		return row, err
	}
	if row.UsageQuantity, err = optNum(raw, "usage.amount"); err != nil {
		return row, err
	}
	row.Region = firstStr(raw, "location.region", "location.location")
	row.ResourceID = firstStr(raw, "resource.global_name", "project.id")
	row.UsageUnit = str(raw, "usage.unit")
	row.EffectiveCost = row.BilledCost + credits
	row.Currency = str(raw, "currency")
	return row, nil
}

// AWSCostAndUsage maps Cost and Usage Report line items.
type AWSCostAndUsage struct{}

func (AWSCostAndUsage) Provider() string             { return "aws" }
func (AWSCostAndUsage) Capability() model.Capability { return model.CapabilityCloud }

func (AWSCostAndUsage) Transform(raw model.RawRecord) (model.CanonicalRow, error) {
	var row model.CanonicalRow
	var err error
	if row.UsageDate, err = requireDate(raw, "lineItem/UsageStartDate"); err != nil {
		return row, err
	}
	if row.AccountID, err = requireStr(raw, "lineItem/UsageAccountId"); err != nil {
		return row, err
	}
	if row.Service, err = requireStr(raw, "lineItem/ProductCode"); err != nil {
		return row, err
	}
	if row.SKU, err = requireStr(raw, "lineItem/UsageType"); err != nil {
		return row, err
	}
	if row.BilledCost, err = requireNum(raw, "lineItem/UnblendedCost"); err != nil {
		return row, err
	}
	net, hasNet, err := num(raw, "lineItem/NetUnblendedCost")
	if err != nil {
		return row, err
	}
	row.EffectiveCost = row.BilledCost
	if hasNet {
		row.EffectiveCost = net
	}
	if row.UsageQuantity, err = optNum(raw, "lineItem/UsageAmount"); err != nil {
		return row, err
	}
	row.Region = str(raw, "product/region")
	row.ResourceID = str(raw, "lineItem/ResourceId")
	row.UsageUnit = str(raw, "pricing/unit")
	row.Currency = str(raw, "lineItem/CurrencyCode")
	return row, nil
}

// AzureCostDetails maps Cost Management cost details exports.
type AzureCostDetails struct{}

func (AzureCostDetails) Provider() string             { return "azure" }
func (AzureCostDetails) Capability() model.Capability { return model.CapabilityCloud }

func (AzureCostDetails) Transform(raw model.RawRecord) (model.CanonicalRow, error) {
	var row model.CanonicalRow
	var err error
	if row.UsageDate, err = requireDate(raw, "Date"); err != nil {
		return row, err
	}
	if row.AccountID, err = requireStr(raw, "SubscriptionId"); err != nil {
		return row, err
	}
	if row.Service, err = requireStr(raw, "MeterCategory"); err != nil {
		return row, err
	}
	if row.SKU, err = requireStr(raw, "MeterName"); err != nil {
		return row, err
	}
	if row.BilledCost, err = requireNum(raw, "CostInBillingCurrency"); err != nil {
		return row, err
	}
	eff, hasEff, err := num(raw, "EffectiveCost")
	if err != nil {
		return row, err
	}
	row.EffectiveCost = row.BilledCost
	if hasEff {
		row.EffectiveCost = eff
	}
	if row.UsageQuantity, err = optNum(raw, "Quantity"); err != nil {
		return row, err
	}
	row.Region = str(raw, "ResourceLocation")
	row.ResourceID = str(raw, "ResourceId")
	row.UsageUnit = str(raw, "UnitOfMeasure")
	row.Currency = str(raw, "BillingCurrencyCode")
	return row, nil
}
