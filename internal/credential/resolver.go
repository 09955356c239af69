package credential

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

var (
	// ErrRequired is returned when a run names no credential.
	ErrRequired = eris.New("credential: reference is required")
	// ErrUnknown is returned when the tenant has no credential under the ref.
	ErrUnknown = eris.New("credential: unknown reference")
	// ErrProviderMismatch is returned when a credential belongs to another provider.
	ErrProviderMismatch = eris.New("credential: provider mismatch")
)

// Store persists sealed credentials.
type Store interface {
	GetCredential(ctx context.Context, tenantID, ref string) (*model.SealedCredential, error)
	PutCredential(ctx context.Context, c *model.SealedCredential) error
}

// Resolver turns credential references into decrypted credentials.
type Resolver struct {
	store  Store
	sealer *Sealer
	now    func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(store Store, sealer *Sealer) *Resolver {
	return &Resolver{store: store, sealer: sealer, now: time.Now}
}

// aad binds a sealed payload to its owner so a row copied to another
// tenant or ref cannot be opened.
func aad(tenantID, provider, ref string) []byte {
	return []byte(tenantID + "\x00" + provider + "\x00" + ref)
}

// Resolve loads and decrypts the tenant's credential ref for provider.
func (r *Resolver) Resolve(ctx context.Context, tenantID, provider, ref string) (*model.Credential, error) {
	input := "credential " + ref
	if ref == "" {
		return nil, resilience.NewConfigError("credential", ErrRequired)
	}

	sealed, err := r.store.GetCredential(ctx, tenantID, ref)
	if errors.Is(err, model.ErrNotFound) {
		return nil, resilience.NewConfigError(input, ErrUnknown)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "credential: load %s", ref)
	}
	if sealed.TenantID != tenantID {
		return nil, resilience.NewConfigError(input, ErrUnknown)
	}
	if sealed.Provider != provider {
		return nil, resilience.NewConfigError(input,
			eris.Wrapf(ErrProviderMismatch, "credential is for %q, run is for %q", sealed.Provider, provider))
	}

	plain, err := r.sealer.Open(sealed.Sealed, aad(tenantID, provider, ref))
	if err != nil {
		return nil, resilience.NewConfigError(input, err)
	}
	var secret map[string]string
	if err := json.Unmarshal(plain, &secret); err != nil {
		return nil, resilience.NewConfigError(input, eris.Wrap(ErrUnseal, "payload is not a secret map"))
	}

	return &model.Credential{
		TenantID: tenantID,
		Ref:      ref,
		Provider: provider,
		Secret:   secret,
	}, nil
}

// Put seals secret and stores it under (tenant, ref), replacing any previous
// value.
func (r *Resolver) Put(ctx context.Context, tenantID, provider, ref string, secret map[string]string) error {
	if ref == "" {
		return resilience.NewValidationError("ref", ErrRequired)
	}
	if len(secret) == 0 {
		return resilience.NewValidationError("secret", eris.New("credential: secret is empty"))
	}
	plain, err := json.Marshal(secret)
	if err != nil {
		return eris.Wrap(err, "credential: encode secret")
	}
	sealed, err := r.sealer.Seal(plain, aad(tenantID, provider, ref))
	if err != nil {
		return err
	}
	now := r.now().UTC()
	return r.store.PutCredential(ctx, &model.SealedCredential{
		TenantID:  tenantID,
		Ref:       ref,
		Provider:  provider,
		Sealed:    sealed,
		CreatedAt: now,
		UpdatedAt: now,
	})
}
