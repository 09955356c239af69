package pipeline

import (
	_ "embed"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

//go:embed templates.yaml
var defaultTemplates []byte

// ErrTemplateNotFound is wrapped when no template matches a request.
var ErrTemplateNotFound = eris.New("pipeline template not found")

// providerPattern is the fixed lowercase provider key format.
var providerPattern = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

type pairKey struct {
	provider string
	domain   model.Capability
}

// Registry is the immutable set of templates loaded at startup.
type Registry struct {
	templates map[string]*Template
	defaults  map[pairKey]*Template
	ordered   []*Template
}

// LoadOption adjusts template validation.
type LoadOption func(*loadOptions)

type loadOptions struct {
	supports  func(provider string, domain model.Capability) bool
	baseDelay time.Duration
	maxDelay  time.Duration
}

// StepDelays sets the backoff bounds of steps that leave them unset.
// Non-positive values keep DefaultBaseDelay and DefaultMaxDelay.
func StepDelays(base, max time.Duration) LoadOption {
	return func(o *loadOptions) {
		if base > 0 {
			o.baseDelay = base
		}
		if max > 0 {
			o.maxDelay = max
		}
	}
}

// RequireSupport rejects templates whose (provider, domain) pair fails the
// check, typically Normalizer.Supports.
func RequireSupport(fn func(provider string, domain model.Capability) bool) LoadOption {
	return func(o *loadOptions) { o.supports = fn }
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadDefault loads the embedded template set.
func LoadDefault(table StepTable, opts ...LoadOption) (*Registry, error) {
	return Load(defaultTemplates, table, opts...)
}

// LoadFile loads templates from a YAML file.
func LoadFile(path string, table StepTable, opts ...LoadOption) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read templates %s", path)
	}
	return Load(data, table, opts...)
}

// Load parses and validates templates and resolves every step kind against
// table. Unknown kinds, invalid failure policies, and duplicate identifiers
// fail the whole load.
func Load(data []byte, table StepTable, opts ...LoadOption) (*Registry, error) {
	o := loadOptions{baseDelay: DefaultBaseDelay, maxDelay: DefaultMaxDelay}
	for _, opt := range opts {
		opt(&o)
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "pipeline: parse templates")
	}

	r := &Registry{
		templates: make(map[string]*Template, len(file.Templates)),
		defaults:  make(map[pairKey]*Template),
	}
	for i := range file.Templates {
		t := &file.Templates[i]
		if err := t.validate(table, o); err != nil {
			return nil, err
		}
		if _, dup := r.templates[t.ID]; dup {
			return nil, eris.Errorf("pipeline: duplicate template %s", t.ID)
		}
		r.templates[t.ID] = t
		r.ordered = append(r.ordered, t)

		k := pairKey{t.Provider, t.Domain}
		if _, ok := r.defaults[k]; !ok {
			r.defaults[k] = t
		}
		if len(t.Steps) == 0 {
			zap.L().Warn("pipeline: template has no steps", zap.String("template", t.ID))
		}
	}
	return r, nil
}

func (t *Template) validate(table StepTable, o loadOptions) error {
	if !providerPattern.MatchString(t.Provider) {
		return eris.Errorf("pipeline: template %q: provider %q must be lowercase alphanumeric", t.Name, t.Provider)
	}
	if !t.Domain.Valid() {
		return eris.Errorf("pipeline: template %q: unknown domain %q", t.Name, t.Domain)
	}
	if t.Name == "" {
		return eris.Errorf("pipeline: template for %s/%s has no name", t.Provider, t.Domain)
	}
	if o.supports != nil && !o.supports(t.Provider, t.Domain) {
		return eris.Errorf("pipeline: template %q: no normalizer for %s/%s", t.Name, t.Provider, t.Domain)
	}
	t.ID = TemplateID(t.Provider, t.Domain, t.Name)

	seen := make(map[string]bool, len(t.Steps))
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.Name == "" {
			return eris.Errorf("pipeline: %s: step %d has no name", t.ID, i+1)
		}
		if seen[s.Name] {
			return eris.Errorf("pipeline: %s: duplicate step %q", t.ID, s.Name)
		}
		seen[s.Name] = true

		impl, ok := table[s.Kind]
		if !ok || impl == nil {
			return eris.Errorf("pipeline: %s: step %q has unknown kind %q", t.ID, s.Name, s.Kind)
		}
		if !s.OnFailure.Valid() {
			return eris.Errorf("pipeline: %s: step %q has invalid on_failure %q", t.ID, s.Name, s.OnFailure)
		}
		s.Impl = impl
		s.applyDefaults(o)
	}
	return nil
}

// Resolve finds a template. Matching is exact and case-sensitive; an empty
// name selects the pair's default, the first one registered.
func (r *Registry) Resolve(provider string, domain model.Capability, name string) (*Template, error) {
	var t *Template
	if name == "" {
		t = r.defaults[pairKey{provider, domain}]
	} else {
		t = r.templates[TemplateID(provider, domain, name)]
	}
	if t == nil {
		input := TemplateID(provider, domain, name)
		if name == "" {
			input = provider + "/" + string(domain)
		}
		return nil, resilience.NewConfigError(input, ErrTemplateNotFound)
	}
	return t, nil
}

// Get returns a template by identifier.
func (r *Registry) Get(id string) (*Template, error) {
	t, ok := r.templates[id]
	if !ok {
		return nil, resilience.NewConfigError(id, ErrTemplateNotFound)
	}
	return t, nil
}

// Templates lists every template sorted by identifier.
func (r *Registry) Templates() []*Template {
	out := append([]*Template(nil), r.ordered...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
