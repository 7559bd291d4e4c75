package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/renderforge/server/internal/domain"
	"github.com/renderforge/server/internal/safeurl"
)

const (
	FormatJSON      = "json"
	FormatMultipart = "multipart"

	minOutputs = 1
	maxOutputs = 5

	maxSyncResponseBytes = 1 << 20
)

// Config describes the operator-configured executor endpoint.
type Config struct {
	URL     string
	Format  string
	Sync    bool
	Timeout time.Duration
}

// Request is one dispatch to the executor. Secrets are decrypted
// just-in-time by the caller and must never be logged.
type Request struct {
	JobID         string
	TenantID      string
	Params        domain.GenerationParams
	CallbackURL   string
	CallbackToken string
	Secrets       map[string]string
	InputName     string
	Input         io.Reader
}

// Result carries what the executor answered. Outputs is non-nil only when
// the executor completed the job inline and the outputs validated.
type Result struct {
	Outputs []domain.DeclaredOutput
}

// Dispatcher sends generation work to the external executor over a pinned
// connection, with a bounded timeout and no redirect following.
type Dispatcher struct {
	cfg      Config
	resolver *safeurl.Resolver
	logger   zerolog.Logger

	newClient func(r *safeurl.Resolved, timeout time.Duration) *http.Client
}

func New(cfg Config, resolver *safeurl.Resolver, logger zerolog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Dispatcher{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		newClient: func(r *safeurl.Resolved, timeout time.Duration) *http.Client {
			return r.Client(timeout)
		},
	}
}

// Trigger builds and sends the dispatch request. When the executor is
// configured for inline replies and answers with a valid outputs array, the
// caller must run the same terminal-transition path a callback would use.
func (d *Dispatcher) Trigger(ctx context.Context, req Request) (*Result, error) {
	if d.cfg.URL == "" {
		return nil, fmt.Errorf("%w: executor url not configured", domain.ErrWorkflowConfig)
	}

	resolved, err := d.resolver.Resolve(ctx, d.cfg.URL)
	if err != nil {
		return nil, err
	}

	body, contentType, err := d.encodeBody(req)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, resolved.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	d.logger.Info().
		Str("job_id", req.JobID).
		Str("tenant_id", req.TenantID).
		Str("executor_host", resolved.Host).
		Msg("dispatching job to executor")

	resp, err := d.newClient(resolved, d.cfg.Timeout).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("executor returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if !d.cfg.Sync {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxSyncResponseBytes))
		return &Result{}, nil
	}

	var reply struct {
		Outputs []domain.DeclaredOutput `json:"outputs"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSyncResponseBytes)).Decode(&reply); err != nil {
		// A bare acknowledgment is a valid answer even in sync mode.
		if err == io.EOF {
			return &Result{}, nil
		}
		return nil, fmt.Errorf("decode executor reply: %w", err)
	}
	if len(reply.Outputs) == 0 {
		return &Result{}, nil
	}
	outputs, err := ValidateOutputs(reply.Outputs)
	if err != nil {
		return nil, fmt.Errorf("executor reply invalid: %w", err)
	}
	return &Result{Outputs: outputs}, nil
}

func (d *Dispatcher) encodeBody(req Request) (io.Reader, string, error) {
	if d.cfg.Format == FormatMultipart {
		return d.encodeMultipart(req)
	}

	payload := map[string]any{
		"job_id":         req.JobID,
		"tenant_id":      req.TenantID,
		"params":         req.Params,
		"callback_url":   req.CallbackURL,
		"callback_token": req.CallbackToken,
	}
	if len(req.Secrets) > 0 {
		payload["secrets"] = req.Secrets
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(raw), "application/json", nil
}

func (d *Dispatcher) encodeMultipart(req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"job_id":         req.JobID,
		"tenant_id":      req.TenantID,
		"callback_url":   req.CallbackURL,
		"callback_token": req.CallbackToken,
	}
	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return nil, "", err
	}
	fields["params"] = string(paramsJSON)
	if len(req.Secrets) > 0 {
		secretsJSON, err := json.Marshal(req.Secrets)
		if err != nil {
			return nil, "", err
		}
		fields["secrets"] = string(secretsJSON)
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}

	if req.Input != nil {
		name := req.InputName
		if name == "" {
			name = "input"
		}
		part, err := w.CreateFormFile("input", name)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, req.Input); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// ValidateOutputs enforces the sync-completion contract: 1-5 entries, each a
// well-formed http(s) URL. Malformed optional numeric fields are dropped
// rather than failing the batch.
func ValidateOutputs(raw []domain.DeclaredOutput) ([]domain.DeclaredOutput, error) {
	if len(raw) < minOutputs || len(raw) > maxOutputs {
		return nil, fmt.Errorf("outputs must contain %d-%d entries, got %d", minOutputs, maxOutputs, len(raw))
	}
	out := make([]domain.DeclaredOutput, 0, len(raw))
	for i, o := range raw {
		u, err := url.Parse(o.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("output %d: url %q is not a valid http(s) url", i, o.URL)
		}
		if o.Size < 0 {
			o.Size = 0
		}
		if o.DurationSeconds < 0 {
			o.DurationSeconds = 0
		}
		if o.ThumbnailURL != "" {
			if tu, err := url.Parse(o.ThumbnailURL); err != nil || tu.Host == "" || (tu.Scheme != "http" && tu.Scheme != "https") {
				o.ThumbnailURL = ""
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// ParseCallbackOutputs validates the outputs array of an asynchronous
// callback body, reusing the sync-completion rules.
func ParseCallbackOutputs(raw json.RawMessage) ([]domain.DeclaredOutput, error) {
	var outputs []domain.DeclaredOutput
	if err := json.Unmarshal(raw, &outputs); err != nil {
		return nil, fmt.Errorf("parse outputs: %w", err)
	}
	return ValidateOutputs(outputs)
}

// TruncateError bounds an executor-reported error message before storage.
// The cut lands on a rune boundary so the stored text stays valid UTF-8; a
// multibyte rune straddling the limit is dropped whole.
func TruncateError(msg string, limit int) string {
	if limit <= 0 {
		limit = 500
	}
	if len(msg) <= limit {
		return msg
	}
	for limit > 0 && !utf8.RuneStart(msg[limit]) {
		limit--
	}
	return msg[:limit]
}

// FormatCallbackURL derives the per-job callback URL handed to the executor.
func FormatCallbackURL(base, jobID string) string {
	return fmt.Sprintf("%s/v1/jobs/%s/callback", base, url.PathEscape(jobID))
}
