// Package fetcher issues rate-limited HTTP requests against provider export
// endpoints and decodes their JSON and CSV payloads.
package fetcher

import (
	"context"
	"io"
	"net/http"
)

// Request describes one export download.
type Request struct {
	URL    string
	Header http.Header
}

// Fetcher downloads a single provider payload. Implementations make exactly
// one attempt and return classified errors; retry belongs to the caller.
type Fetcher interface {
	// Fetch returns the response body. The caller must close it.
	Fetch(ctx context.Context, req Request) (io.ReadCloser, error)
}
