package pipeline

import (
	"time"

	"github.com/sells-group/cost-pipeline/internal/model"
)

// Step defaults applied when a template leaves a field unset.
const (
	DefaultMaxAttempts = 3
	DefaultStepTimeout = 5 * time.Minute
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
)

// StepDef is one configured step of a template.
type StepDef struct {
	Name        string              `yaml:"name" json:"name"`
	Kind        model.StepKind      `yaml:"kind" json:"kind"`
	MaxAttempts int                 `yaml:"max_attempts" json:"max_attempts"`
	Timeout     time.Duration       `yaml:"timeout" json:"timeout"`
	BaseDelay   time.Duration       `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration       `yaml:"max_delay" json:"max_delay"`
	OnFailure   model.FailurePolicy `yaml:"on_failure" json:"on_failure"`

	// Impl is resolved from the StepTable at load.
	Impl Step `yaml:"-" json:"-"`
}

// Template is a named, ordered list of steps for one (provider, domain) pair.
type Template struct {
	ID          string           `yaml:"-" json:"id"`
	Provider    string           `yaml:"provider" json:"provider"`
	Domain      model.Capability `yaml:"domain" json:"domain"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description" json:"description,omitempty"`
	Steps       []StepDef        `yaml:"steps" json:"steps"`
}

// TemplateID builds the identifier "provider/domain/name".
func TemplateID(provider string, domain model.Capability, name string) string {
	return provider + "/" + string(domain) + "/" + name
}

func (d *StepDef) applyDefaults(o loadOptions) {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultStepTimeout
	}
	if d.BaseDelay <= 0 {
		d.BaseDelay = o.baseDelay
	}
	if d.MaxDelay <= 0 {
		d.MaxDelay = o.maxDelay
	}
	if d.MaxDelay < d.BaseDelay {
		d.MaxDelay = d.BaseDelay
	}
}
