package sourcemap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

const maxMapSize = 64 << 20

// ErrFileAccessDenied is returned for file: maps unless WithFileAccess is given.
var ErrFileAccessDenied = errors.New("file: source maps are not enabled")

type loadOptions struct {
	allowFile bool
}

type LoadOption func(*loadOptions)

// WithFileAccess lets file: map URLs be read from the local filesystem.
func WithFileAccess(allow bool) LoadOption {
	return func(o *loadOptions) { o.allowFile = allow }
}

// Load fetches and decodes the map at sourceMapURL. A relative
// sourceMapURL is resolved against compiledURL, and data: maps resolve
// their sources against compiledURL since they have no location of their own.
func Load(ctx context.Context, client *http.Client, sourceMapURL, compiledURL string, opts ...LoadOption) (*SourceMap, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	mapURL := completeURL(compiledURL, sourceMapURL)
	u, err := url.Parse(mapURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source map URL %q: %w", sourceMapURL, err)
	}

	var (
		data []byte
		base = mapURL
	)
	switch u.Scheme {
	case "data":
		data, err = decodeDataURL(mapURL)
		base = compiledURL
	case "file":
		if !o.allowFile {
			return nil, fmt.Errorf("failed to load source map %s: %w", truncateURL(mapURL), ErrFileAccessDenied)
		}
		data, err = os.ReadFile(u.Path)
	case "http", "https":
		data, err = fetch(ctx, client, mapURL)
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load source map %s: %w", truncateURL(mapURL), err)
	}

	return Parse(base, data)
}

func fetch(ctx context.Context, client *http.Client, mapURL string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mapURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("server responded with status code %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMapSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxMapSize {
		return nil, fmt.Errorf("source map larger than %d bytes", maxMapSize)
	}
	return data, nil
}

// decodeDataURL returns the payload of a data: URL, base64 or percent encoded.
func decodeDataURL(raw string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("data URL has no payload")
	}
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func truncateURL(s string) string {
	const limit = 80
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
