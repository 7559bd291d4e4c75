package ingest

import (
	"context"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/renderforge/server/internal/domain"
	"github.com/renderforge/server/internal/safeurl"
	"github.com/renderforge/server/internal/storage"
)

const (
	// DefaultMaxBytes caps a single output download.
	DefaultMaxBytes = 250 * 1024 * 1024

	downloadTimeout  = 10 * time.Minute
	maxParallelPulls = 3
)

var allowedContentTypes = map[string]string{
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
}

const fallbackContentType = "video/mp4"

// Ingester streams external result assets into owned storage under a byte
// cap, without ever holding a full asset in memory. Result URLs come from an
// untrusted executor and go through the same SSRF validation as everything
// else the server dereferences.
type Ingester struct {
	resolver *safeurl.Resolver
	store    storage.ObjectStore
	logger   zerolog.Logger
	maxBytes int64

	fetch func(ctx context.Context, resolved *safeurl.Resolved) (*http.Response, error)
}

func New(resolver *safeurl.Resolver, store storage.ObjectStore, logger zerolog.Logger, maxBytes int64) *Ingester {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	in := &Ingester{resolver: resolver, store: store, logger: logger, maxBytes: maxBytes}
	in.fetch = in.defaultFetch
	return in
}

func (in *Ingester) defaultFetch(ctx context.Context, resolved *safeurl.Resolved) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	return resolved.Client(downloadTimeout).Do(req)
}

// Persist ingests every declared output and returns assets in declaration
// order. Any single failure aborts the batch.
func (in *Ingester) Persist(ctx context.Context, tenantID, jobID string, outputs []domain.DeclaredOutput) ([]domain.Asset, error) {
	results := make([]domain.Asset, len(outputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelPulls)
	for i, out := range outputs {
		g.Go(func() error {
			asset, err := in.ingestOne(gctx, tenantID, jobID, i, out)
			if err != nil {
				return fmt.Errorf("output %d: %w", i, err)
			}
			results[i] = *asset
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (in *Ingester) ingestOne(ctx context.Context, tenantID, jobID string, index int, out domain.DeclaredOutput) (*domain.Asset, error) {
	resolved, err := in.resolver.Resolve(ctx, out.URL)
	if err != nil {
		return nil, err
	}

	resp, err := in.fetch(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("result download returned status %d", resp.StatusCode)
	}
	if resp.ContentLength > in.maxBytes {
		return nil, fmt.Errorf("%w: declared %d bytes, cap %d", domain.ErrAssetTooLarge, resp.ContentLength, in.maxBytes)
	}

	contentType := normalizeContentType(resp.Header.Get("Content-Type"), out.Type)
	key := fmt.Sprintf("tenants/%s/jobs/%s/output-%02d%s", tenantID, jobID, index+1, allowedContentTypes[contentType])

	capped := newCappedReader(resp.Body, in.maxBytes)
	storedURL, err := in.store.PutStream(ctx, key, contentType, capped, resp.ContentLength)
	if err != nil {
		if capped.exceeded {
			return nil, fmt.Errorf("%w: cap %d bytes", domain.ErrAssetTooLarge, in.maxBytes)
		}
		return nil, fmt.Errorf("persist result: %w", err)
	}

	asset := &domain.Asset{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		JobID:        jobID,
		Type:         domain.AssetTypeOutput,
		URL:          storedURL,
		Bytes:        capped.count,
		SourceOrigin: redactOrigin(out.URL),
	}
	// Optional metadata is validated independently and dropped when
	// malformed rather than failing the ingestion.
	if thumb := validHTTPURL(out.ThumbnailURL); thumb != "" {
		asset.ThumbnailURL = thumb
	}
	if out.DurationSeconds > 0 && out.DurationSeconds < math.MaxInt32 {
		asset.DurationSeconds = int(math.Round(out.DurationSeconds))
	}

	in.logger.Info().
		Str("job_id", jobID).
		Str("tenant_id", tenantID).
		Str("content_type", contentType).
		Int64("bytes", capped.count).
		Msg("ingested output asset")

	return asset, nil
}

// cappedReader counts bytes flowing through it and fails the stream once the
// cap is exceeded. Exceeding the cap also closes the upstream source so the
// producing connection is torn down rather than left dangling. Backpressure
// is inherent: bytes are only pulled as the destination consumes them.
type cappedReader struct {
	src      io.ReadCloser
	max      int64
	count    int64
	exceeded bool
}

func newCappedReader(src io.ReadCloser, max int64) *cappedReader {
	return &cappedReader{src: src, max: max}
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.exceeded {
		return 0, domain.ErrAssetTooLarge
	}
	n, err := c.src.Read(p)
	c.count += int64(n)
	if c.count > c.max {
		c.exceeded = true
		c.src.Close()
		return 0, domain.ErrAssetTooLarge
	}
	return n, err
}

// normalizeContentType maps the response content type onto the allow-list,
// falling back to the executor-declared type and finally to mp4.
func normalizeContentType(header, declared string) string {
	for _, candidate := range []string{header, declared} {
		if candidate == "" {
			continue
		}
		mediaType, _, err := mime.ParseMediaType(candidate)
		if err != nil {
			continue
		}
		mediaType = strings.ToLower(mediaType)
		if _, ok := allowedContentTypes[mediaType]; ok {
			return mediaType
		}
	}
	return fallbackContentType
}

// redactOrigin keeps scheme+host+path of the source URL for audit trails,
// stripping query, fragment, and userinfo.
func redactOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	redacted := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	return redacted.String()
}

func validHTTPURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return raw
}
