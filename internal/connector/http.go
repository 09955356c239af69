package connector

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/cost-pipeline/internal/fetcher"
	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// Format is the payload encoding of a provider export.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// HTTPConfig describes one provider's export endpoint.
type HTTPConfig struct {
	Provider string `mapstructure:"provider"`
	BaseURL  string `mapstructure:"base_url"`
	Format   Format `mapstructure:"format"`
	// RecordsKey is the top-level field holding the record array in a JSON
	// export. Empty means the body is the array.
	RecordsKey string `mapstructure:"records_key"`
	// StartParam and EndParam carry the inclusive range as YYYY-MM-DD.
	StartParam string `mapstructure:"start_param"`
	EndParam   string `mapstructure:"end_param"`
	// AccountParam, when set, is filled from the credential's account_id.
	AccountParam string `mapstructure:"account_param"`
	// AuthHeader and AuthScheme build the auth header from the credential's
	// TokenField. An empty scheme sends the raw token.
	AuthHeader string  `mapstructure:"auth_header"`
	AuthScheme string  `mapstructure:"auth_scheme"`
	TokenField string  `mapstructure:"token_field"`
	RatePerSec float64 `mapstructure:"rate_per_sec"`
	Burst      int     `mapstructure:"burst"`
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if c.StartParam == "" {
		c.StartParam = "start_date"
	}
	if c.EndParam == "" {
		c.EndParam = "end_date"
	}
	if c.AuthHeader == "" {
		c.AuthHeader = "Authorization"
		if c.AuthScheme == "" {
			c.AuthScheme = "Bearer"
		}
	}
	if c.TokenField == "" {
		c.TokenField = "api_key"
	}
	return c
}

// HTTPConnector pulls a JSON or CSV billing export over HTTP.
type HTTPConnector struct {
	cfg HTTPConfig
	f   fetcher.Fetcher
	log *zap.Logger
}

// NewHTTPConnector validates cfg and binds it to f.
func NewHTTPConnector(cfg HTTPConfig, f fetcher.Fetcher) (*HTTPConnector, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, eris.Errorf("connector: %s: invalid base_url %q", cfg.Provider, cfg.BaseURL)
	}
	if cfg.Format != FormatJSON && cfg.Format != FormatCSV {
		return nil, eris.Errorf("connector: %s: unknown format %q", cfg.Provider, cfg.Format)
	}
	return &HTTPConnector{
		cfg: cfg,
		f:   f,
		log: zap.L().With(zap.String("component", "connector.http"), zap.String("provider", cfg.Provider)),
	}, nil
}

// Fetch downloads the export for r and decodes it.
func (c *HTTPConnector) Fetch(ctx context.Context, cred *model.Credential, r model.DateRange) ([]model.RawRecord, error) {
	if cred == nil {
		return nil, resilience.NewConfigError("credential", eris.New("connector: no credential"))
	}
	token := cred.Secret[c.cfg.TokenField]
	if token == "" {
		return nil, resilience.NewConfigError("credential "+cred.Ref,
			eris.Errorf("connector: secret field %q is empty", c.cfg.TokenField))
	}

	req, err := c.request(cred, token, r)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := c.f.Fetch(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "connector: %s fetch", c.cfg.Provider)
	}
	defer body.Close() //nolint:errcheck

	var recs []model.RawRecord
	switch c.cfg.Format {
	case FormatCSV:
		recs, err = fetcher.DecodeCSVRecords(ctx, body, fetcher.CSVOptions{TrimSpace: true, LazyQuotes: true})
	default:
		recs, err = fetcher.DecodeRecords(ctx, body, c.cfg.RecordsKey)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "connector: %s decode", c.cfg.Provider)
	}

	c.log.Debug("export fetched",
		zap.String("credential_ref", cred.Ref),
		zap.String("range", r.String()),
		zap.Int("records", len(recs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return recs, nil
}

func (c *HTTPConnector) request(cred *model.Credential, token string, r model.DateRange) (fetcher.Request, error) {
	u, _ := url.Parse(c.cfg.BaseURL)
	q := u.Query()
	q.Set(c.cfg.StartParam, r.Start.Format(model.DateLayout))
	q.Set(c.cfg.EndParam, r.End.Format(model.DateLayout))
	if c.cfg.AccountParam != "" {
		account := cred.Secret["account_id"]
		if account == "" {
			return fetcher.Request{}, resilience.NewConfigError("credential "+cred.Ref,
				eris.New("connector: secret field \"account_id\" is empty"))
		}
		q.Set(c.cfg.AccountParam, account)
	}
	u.RawQuery = q.Encode()

	value := token
	if c.cfg.AuthScheme != "" {
		value = c.cfg.AuthScheme + " " + token
	}
	return fetcher.Request{
		URL:    u.String(),
		Header: http.Header{c.cfg.AuthHeader: []string{value}},
	}, nil
}

// host returns the hostname of the base URL, matching fetcher limiter keys.
func (c HTTPConfig) host() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// NewHTTPRegistry builds a registry with one HTTPConnector per config and
// installs each provider's rate limit on the shared fetcher.
func NewHTTPRegistry(f *fetcher.HTTPFetcher, cfgs []HTTPConfig) (*Registry, error) {
	reg := NewRegistry()
	for _, cfg := range cfgs {
		conn, err := NewHTTPConnector(cfg, f)
		if err != nil {
			return nil, err
		}
		if cfg.RatePerSec > 0 {
			f.SetLimiter(cfg.host(), fetcher.NewAdaptiveLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst))
		}
		if err := reg.Register(cfg.Provider, conn); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
