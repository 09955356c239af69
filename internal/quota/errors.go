package quota

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// ErrQuotaExceeded matches every *ExceededError under errors.Is.
var ErrQuotaExceeded = eris.New("quota exceeded")

// ExceededError reports which limit denied an admission and when it resets.
// ResetAt is nil for the concurrent limit, which frees on release.
type ExceededError struct {
	TenantID string          `json:"tenant_id"`
	Limit    model.LimitKind `json:"limit"`
	Used     int             `json:"used"`
	Max      int             `json:"max"`
	ResetAt  *time.Time      `json:"reset_at,omitempty"`
}

func (e *ExceededError) Error() string {
	msg := fmt.Sprintf("quota: tenant %s reached %s limit (%d/%d)", e.TenantID, e.Limit, e.Used, e.Max)
	if e.ResetAt != nil {
		msg += ", resets at " + e.ResetAt.UTC().Format(time.RFC3339)
	}
	return msg
}

// Is reports whether target is ErrQuotaExceeded.
func (e *ExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// ErrorClass marks quota denials as never retried.
func (e *ExceededError) ErrorClass() resilience.ErrorClass { return resilience.ClassQuota }
