package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/cost-pipeline/internal/model"
)

type principalKey struct{}

// principal is the authenticated caller. Admin callers act for any tenant.
type principal struct {
	tenantID string
	admin    bool
}

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func apiKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (srv *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKey(r)
		if key == "" {
			writeErrorResponse(srv.log, w, r, http.StatusUnauthorized, "missing API key")
			return
		}

		var p principal
		if srv.cfg.AdminKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(srv.cfg.AdminKey)) == 1 {
			p.admin = true
		} else {
			tenant, err := srv.deps.Tenants.TenantByAPIKeyHash(r.Context(), HashAPIKey(key))
			if errors.Is(err, model.ErrNotFound) {
				writeErrorResponse(srv.log, w, r, http.StatusUnauthorized, "invalid API key")
				return
			}
			if err != nil {
				writeError(srv.log, w, r, err)
				return
			}
			p.tenantID = tenant.ID
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// requireTenant rejects callers acting on a tenant other than their own.
func (srv *server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := r.Context().Value(principalKey{}).(principal)
		if !p.admin && p.tenantID != chi.URLParam(r, "tenantID") {
			writeErrorResponse(srv.log, w, r, http.StatusForbidden, "API key does not belong to this tenant")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := r.Context().Value(principalKey{}).(principal)
		if !p.admin {
			writeErrorResponse(srv.log, w, r, http.StatusForbidden, "operator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
