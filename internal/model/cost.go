package model

import (
	"time"
)

// Capability is the provider domain a pipeline ingests.
type Capability string

const (
	CapabilityCloud        Capability = "cloud"
	CapabilityGenAI        Capability = "genai"
	CapabilitySubscription Capability = "subscription"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityCloud, CapabilityGenAI, CapabilitySubscription:
		return true
	}
	return false
}

// RawRecord is one provider-native row as returned by a connector. Nested
// JSON objects are flattened into dotted keys.
type RawRecord map[string]any

// CanonicalRow is the provider-neutral cost and usage record. Monetary fields
// carry no currency of their own; Currency is always an explicit ISO 4217 code.
type CanonicalRow struct {
	UsageDate     time.Time  `json:"usage_date"`
	Provider      string     `json:"provider"`
	Domain        Capability `json:"domain"`
	AccountID     string     `json:"account_id"`
	Service       string     `json:"service"`
	SKU           string     `json:"sku"`
	Region        string     `json:"region,omitempty"`
	ResourceID    string     `json:"resource_id,omitempty"`
	UsageUnit     string     `json:"usage_unit,omitempty"`
	UsageQuantity float64    `json:"usage_quantity"`
	BilledCost    float64    `json:"billed_cost"`
	EffectiveCost float64    `json:"effective_cost"`
	Currency      string     `json:"currency"`
}

// LineageRow is a canonical row stamped with its provenance.
type LineageRow struct {
	CanonicalRow
	TenantID      string    `json:"tenant_id"`
	TemplateID    string    `json:"template_id"`
	CredentialRef string    `json:"credential_ref"`
	DataDate      time.Time `json:"data_date"`
	ExecutionID   string    `json:"execution_id"`
	IngestedAt    time.Time `json:"ingested_at"`
	IngestionDate time.Time `json:"ingestion_date"`
}

// Key returns the partition this row belongs to.
func (r LineageRow) Key() PartitionKey {
	return PartitionKey{
		TenantID:      r.TenantID,
		TemplateID:    r.TemplateID,
		CredentialRef: r.CredentialRef,
		DataDate:      Day(r.DataDate),
	}
}

// PartitionKey is the natural key of an output partition.
type PartitionKey struct {
	TenantID      string    `json:"tenant_id"`
	TemplateID    string    `json:"template_id"`
	CredentialRef string    `json:"credential_ref"`
	DataDate      time.Time `json:"data_date"`
}

func (k PartitionKey) String() string {
	return k.TenantID + "/" + k.TemplateID + "/" + k.CredentialRef + "/" + k.DataDate.Format(DateLayout)
}

// PartitionWrite reports the outcome of one partition replacement.
type PartitionWrite struct {
	Key  PartitionKey `json:"key"`
	Rows int64        `json:"rows"`
}
