package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/pssdev/depotsync/internal/manifest"
)

// HTTPOptions configures the CDN chunk fetcher.
type HTTPOptions struct {
	// BaseURL is the content server root, e.g. "https://cache.example.com".
	BaseURL string

	// MaxIdleConnsPerHost sets the connection pool size. Default 32.
	MaxIdleConnsPerHost int

	// Timeout bounds a single chunk request. Default 60s.
	Timeout time.Duration
}

// HTTPFetcher retrieves chunks from a content server over
// GET {base}/depot/{depotID}/chunk/{hash}. Chunk payloads may arrive
// zstd-compressed; the fetcher decompresses them transparently.
type HTTPFetcher struct {
	client  *http.Client
	baseURL string
	decoder *zstd.Decoder
}

// NewHTTPFetcher creates a chunk fetcher for the given content server.
func NewHTTPFetcher(opts HTTPOptions) (*HTTPFetcher, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if _, err := url.Parse(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid content server URL %q", opts.BaseURL)
	}

	idle := opts.MaxIdleConnsPerHost
	if idle <= 0 {
		idle = 32
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: idle,
		MaxIdleConns:        idle * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // chunk payloads carry their own compression
	}

	// Concurrent decoder; DecodeAll is safe across goroutines.
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	return &HTTPFetcher{
		client:  &http.Client{Transport: transport, Timeout: timeout},
		baseURL: base,
		decoder: dec,
	}, nil
}

// Fetch implements Fetcher.
func (h *HTTPFetcher) Fetch(ctx context.Context, depotID uint32, chunk manifest.ChunkInfo) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/depot/%d/chunk/%s", h.baseURL, depotID, chunk.Hash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, chunk.Length*2+1024))
	if err != nil {
		return nil, Transient(fmt.Errorf("read chunk body: %w", err))
	}

	data, err := h.decompress(payload)
	if err != nil {
		// A garbled payload is worth one more trip to the server.
		return nil, Transient(err)
	}

	if int64(len(data)) != chunk.Length {
		return nil, Transient(fmt.Errorf("chunk %s: got %d bytes, want %d", chunk.Hash, len(data), chunk.Length))
	}
	return data, nil
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func (h *HTTPFetcher) decompress(payload []byte) ([]byte, error) {
	if !bytes.HasPrefix(payload, zstdMagic) {
		return payload, nil
	}
	data, err := h.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk: %w", err)
	}
	return data, nil
}

// checkStatus maps HTTP status codes onto the fetch error taxonomy.
func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone:
		return ErrNotFound
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuth, code)
	case code == http.StatusTooManyRequests:
		return Transient(fmt.Errorf("status %d", code))
	case code >= 500:
		return Transient(fmt.Errorf("server error: status %d", code))
	default:
		return fmt.Errorf("unexpected status code %d", code)
	}
}
