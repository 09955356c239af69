// Package archive keeps a copy of every raw provider payload a run fetched,
// so a partition can be rebuilt or audited without calling the provider again.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-pipeline/internal/model"
	"github.com/sells-group/cost-pipeline/internal/resilience"
)

// Archiver stores raw records under a key and returns the object location.
type Archiver interface {
	Archive(ctx context.Context, key string, records []model.RawRecord) (string, error)
}

// ObjectKey is tenant/template/start..end/run=<id>.ndjson.
func ObjectKey(run *model.PipelineRun) string {
	return strings.Join([]string{
		run.TenantID,
		run.TemplateID,
		run.Range.String(),
		"run=" + run.ID + ".ndjson",
	}, "/")
}

// Discard drops payloads. It is used when no object store is configured.
type Discard struct{}

// Archive returns an empty location.
func (Discard) Archive(context.Context, string, []model.RawRecord) (string, error) {
	return "", nil
}

// Config holds object store connection settings.
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Endpoint) != "" }

// Validate checks required fields.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return eris.New("archive: endpoint is required")
	case strings.Contains(c.Endpoint, "://"):
		return eris.Errorf("archive: endpoint must not include scheme: %q", c.Endpoint)
	case c.AccessKey == "" || c.SecretKey == "":
		return eris.New("archive: access and secret keys are required")
	case c.Bucket == "":
		return eris.New("archive: bucket is required")
	}
	return nil
}

// objectPutter is the subset of *minio.Client used for archiving.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIO archives payloads as NDJSON objects in an S3-compatible bucket.
type MinIO struct {
	client objectPutter
	bucket string
	log    *zap.Logger
}

// NewMinIO connects to the object store and makes sure the bucket exists.
func NewMinIO(ctx context.Context, cfg Config) (*MinIO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, eris.Wrap(err, "archive: create client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, eris.Wrapf(err, "archive: check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, eris.Wrapf(err, "archive: create bucket %s", cfg.Bucket)
		}
	}
	return newMinIO(client, cfg.Bucket), nil
}

func newMinIO(client objectPutter, bucket string) *MinIO {
	return &MinIO{
		client: client,
		bucket: bucket,
		log:    zap.L().With(zap.String("component", "archive.minio")),
	}
}

// Archive writes records as one JSON object per line.
func (m *MinIO) Archive(ctx context.Context, key string, records []model.RawRecord) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return "", eris.Wrap(err, "archive: encode record")
		}
	}

	info, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return "", classify(eris.Wrapf(err, "archive: put %s", key), err)
	}

	m.log.Debug("payload archived",
		zap.String("key", key),
		zap.Int("records", len(records)),
		zap.Int64("bytes", info.Size),
	)
	return m.bucket + "/" + key, nil
}

// classify marks throttling and server-side object store errors retryable.
func classify(wrapped, cause error) error {
	status := minio.ToErrorResponse(cause).StatusCode
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(wrapped, status)
	}
	if status == http.StatusForbidden || status == http.StatusUnauthorized {
		return resilience.NewAuthError(wrapped, status)
	}
	return wrapped
}
