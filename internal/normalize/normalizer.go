// Package normalize converts provider-native raw records into canonical cost
// rows, one adapter per (provider, capability) pair.
package normalize

import (
	"errors"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/currency"

	"github.com/sells-group/cost-pipeline/internal/cost"
	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// ErrUnsupported is wrapped when no adapter is registered for a pair.
var ErrUnsupported = eris.New("normalize: unsupported provider/domain")

// Adapter transforms one raw record. It returns a *FieldError when a required
// field is missing or unparsable; the normalizer drops that row.
type Adapter interface {
	Provider() string
	Capability() model.Capability
	Transform(raw model.RawRecord) (model.CanonicalRow, error)
}

// Result is the outcome of normalizing one batch.
type Result struct {
	Rows        []model.CanonicalRow
	Dropped     int
	DropReasons map[string]int
}

// Reasons returns the drop reasons sorted by name.
func (r *Result) Reasons() []string {
	out := make([]string, 0, len(r.DropReasons))
	for k := range r.DropReasons {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type adapterKey struct {
	provider string
	domain   model.Capability
}

// Normalizer dispatches raw batches to adapters.
type Normalizer struct {
	adapters map[adapterKey]Adapter
}

// New builds a Normalizer. Registering two adapters for one pair is an error.
func New(adapters ...Adapter) (*Normalizer, error) {
	n := &Normalizer{adapters: make(map[adapterKey]Adapter, len(adapters))}
	for _, a := range adapters {
		k := adapterKey{a.Provider(), a.Capability()}
		if !k.domain.Valid() {
			return nil, eris.Errorf("normalize: adapter %s has unknown capability %q", k.provider, k.domain)
		}
		if _, dup := n.adapters[k]; dup {
			return nil, eris.Errorf("normalize: duplicate adapter for %s/%s", k.provider, k.domain)
		}
		n.adapters[k] = a
	}
	return n, nil
}

// Default returns a Normalizer with every built-in adapter. GenAI adapters
// price token-only rows with calc.
func Default(calc *cost.Calculator) *Normalizer {
	n, err := New(
		GCPBilling{},
		AWSCostAndUsage{},
		AzureCostDetails{},
		OpenAICosts{Calc: calc},
		AnthropicUsage{Calc: calc},
		GitHubBilling{},
		SlackBilling{},
	)
	if err != nil {
		panic(err)
	}
	return n
}

// Supports reports whether an adapter exists for the pair. Provider matching
// is case-sensitive.
func (n *Normalizer) Supports(provider string, domain model.Capability) bool {
	_, ok := n.adapters[adapterKey{provider, domain}]
	return ok
}

// Normalize transforms raw into canonical rows. Rows that lack a required
// field, or carry an unknown currency, are dropped and counted by reason. An
// empty input yields an empty result.
func (n *Normalizer) Normalize(provider string, domain model.Capability, raw []model.RawRecord) (*Result, error) {
	a, ok := n.adapters[adapterKey{provider, domain}]
	if !ok {
		return nil, resilience.NewConfigError(provider+"/"+string(domain), ErrUnsupported)
	}

	res := &Result{Rows: make([]model.CanonicalRow, 0, len(raw)), DropReasons: map[string]int{}}
	for _, rec := range raw {
		row, err := a.Transform(rec)
		if err == nil {
			err = finish(&row, provider, domain)
		}
		if err != nil {
			res.Dropped++
			res.DropReasons[reason(err)]++
			continue
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

// finish applies the checks shared by every adapter.
func finish(row *model.CanonicalRow, provider string, domain model.Capability) error {
	row.Provider = provider
	row.Domain = domain
	if row.UsageDate.IsZero() {
		return missing("usage_date")
	}
	row.UsageDate = row.UsageDate.UTC()

	code := strings.ToUpper(strings.TrimSpace(row.Currency))
	if code == "" {
		return missing("currency")
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return invalid("currency")
	}
	row.Currency = unit.String()
	return nil
}

func reason(err error) string {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Reason()
	}
	return "invalid:record"
}
