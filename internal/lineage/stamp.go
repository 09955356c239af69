// Package lineage attaches execution provenance to canonical rows.
package lineage

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// ErrMissingContext is wrapped by Stamp when a required lineage value is empty.
var ErrMissingContext = eris.New("lineage: missing context value")

// Context is the run-scoped identity stamped onto every row.
type Context struct {
	TenantID      string
	TemplateID    string
	CredentialRef string
	ExecutionID   string
	IngestedAt    time.Time
}

// Validate reports the first missing field.
func (c Context) Validate() error {
	for _, f := range []struct {
		name, value string
	}{
		{"tenant_id", c.TenantID},
		{"template_id", c.TemplateID},
		{"credential_ref", c.CredentialRef},
		{"execution_id", c.ExecutionID},
	} {
		if f.value == "" {
			return resilience.NewValidationError(f.name, ErrMissingContext)
		}
	}
	if c.IngestedAt.IsZero() {
		return resilience.NewValidationError("ingested_at", ErrMissingContext)
	}
	return nil
}

// Stamp returns rows with all seven lineage fields set. It checks the context
// and every row's usage date before stamping anything, so it either stamps
// all rows or none.
func Stamp(rows []model.CanonicalRow, lc Context) ([]model.LineageRow, error) {
	if err := lc.Validate(); err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].UsageDate.IsZero() {
			return nil, resilience.NewValidationError("usage_date",
				eris.Wrapf(ErrMissingContext, "row %d has no usage date", i))
		}
	}

	ingestedAt := lc.IngestedAt.UTC()
	ingestionDate := model.Day(ingestedAt)

	out := make([]model.LineageRow, len(rows))
	for i, row := range rows {
		out[i] = model.LineageRow{
			CanonicalRow:  row,
			TenantID:      lc.TenantID,
			TemplateID:    lc.TemplateID,
			CredentialRef: lc.CredentialRef,
			DataDate:      model.Day(row.UsageDate),
			ExecutionID:   lc.ExecutionID,
			IngestedAt:    ingestedAt,
			IngestionDate: ingestionDate,
		}
	}
	return out, nil
}
