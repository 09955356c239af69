package model

import "time"

// Tenant is an isolated customer account with its plan limits.
type Tenant struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
	Limits     Limits    `json:"limits"`
	CreatedAt  time.Time `json:"created_at"`
}

// Credential is a decrypted provider credential. It is never persisted in
// this form.
type Credential struct {
	TenantID string            `json:"-"`
	Ref      string            `json:"ref"`
	Provider string            `json:"provider"`
	Secret   map[string]string `json:"-"`
}

// SealedCredential is the encrypted at-rest form of a Credential.
type SealedCredential struct {
	TenantID  string    `json:"tenant_id"`
	Ref       string    `json:"ref"`
	Provider  string    `json:"provider"`
	Sealed    []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
