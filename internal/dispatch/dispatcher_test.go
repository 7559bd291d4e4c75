package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/renderforge/server/internal/domain"
	"github.com/renderforge/server/internal/safeurl"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func testResolver() *safeurl.Resolver {
	r := safeurl.New(false, nil, nil)
	r.Lookup = func(ctx context.Context, host string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
	}
	return r
}

func newTestDispatcher(cfg Config, rt roundTripFunc) *Dispatcher {
	d := New(cfg, testResolver(), zerolog.Nop())
	d.newClient = func(r *safeurl.Resolved, timeout time.Duration) *http.Client {
		return &http.Client{Transport: rt}
	}
	return d
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
}

func TestTriggerJSONPayload(t *testing.T) {
	var captured *http.Request
	var body []byte
	d := newTestDispatcher(Config{URL: "https://executor.example.com/run", Format: FormatJSON}, func(req *http.Request) (*http.Response, error) {
		captured = req
		body, _ = io.ReadAll(req.Body)
		return textResponse(http.StatusAccepted, ""), nil
	})

	res, err := d.Trigger(context.Background(), Request{
		JobID:         "job-1",
		TenantID:      "tenant-1",
		Params:        domain.GenerationParams{Prompt: "a fox", AspectRatio: "16:9"},
		CallbackURL:   "https://api.example.com/v1/jobs/job-1/callback",
		CallbackToken: "tok",
		Secrets:       map[string]string{"api_key": "k1"},
	})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if res.Outputs != nil {
		t.Fatalf("async dispatch returned outputs: %v", res.Outputs)
	}
	if captured.Method != http.MethodPost {
		t.Fatalf("method = %s", captured.Method)
	}
	if ct := captured.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	for _, key := range []string{"job_id", "tenant_id", "params", "callback_url", "callback_token", "secrets"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing %q", key)
		}
	}
	if payload["callback_token"] != "tok" {
		t.Fatalf("callback_token = %v", payload["callback_token"])
	}
}

func TestTriggerMultipartPayload(t *testing.T) {
	var captured *http.Request
	var body []byte
	d := newTestDispatcher(Config{URL: "https://executor.example.com/run", Format: FormatMultipart}, func(req *http.Request) (*http.Response, error) {
		captured = req
		body, _ = io.ReadAll(req.Body)
		return textResponse(http.StatusOK, ""), nil
	})

	_, err := d.Trigger(context.Background(), Request{
		JobID:     "job-1",
		TenantID:  "tenant-1",
		Params:    domain.GenerationParams{Prompt: "a fox"},
		InputName: "ref.mp4",
		Input:     bytes.NewReader([]byte("fake-video-bytes")),
	})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if ct := captured.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/form-data") {
		t.Fatalf("content type = %q", ct)
	}
	for _, fragment := range []string{`name="job_id"`, `name="params"`, `filename="ref.mp4"`, "fake-video-bytes"} {
		if !bytes.Contains(body, []byte(fragment)) {
			t.Errorf("multipart body missing %q", fragment)
		}
	}
}

func TestTriggerSyncOutputs(t *testing.T) {
	d := newTestDispatcher(Config{URL: "https://executor.example.com/run", Sync: true}, func(req *http.Request) (*http.Response, error) {
		return textResponse(http.StatusOK, `{"outputs":[{"url":"https://cdn.example.com/out.mp4","type":"video/mp4","size":1024}]}`), nil
	})

	res, err := d.Trigger(context.Background(), Request{JobID: "job-1", TenantID: "tenant-1"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if len(res.Outputs) != 1 || res.Outputs[0].URL != "https://cdn.example.com/out.mp4" {
		t.Fatalf("outputs = %+v", res.Outputs)
	}
}

func TestTriggerSyncBareAck(t *testing.T) {
	d := newTestDispatcher(Config{URL: "https://executor.example.com/run", Sync: true}, func(req *http.Request) (*http.Response, error) {
		return textResponse(http.StatusOK, ""), nil
	})
	res, err := d.Trigger(context.Background(), Request{JobID: "job-1"})
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if res.Outputs != nil {
		t.Fatalf("outputs = %+v, want none", res.Outputs)
	}
}

func TestTriggerExecutorError(t *testing.T) {
	d := newTestDispatcher(Config{URL: "https://executor.example.com/run"}, func(req *http.Request) (*http.Response, error) {
		return textResponse(http.StatusServiceUnavailable, "executor overloaded"), nil
	})
	_, err := d.Trigger(context.Background(), Request{JobID: "job-1"})
	if err == nil || !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "executor overloaded") {
		t.Fatalf("error = %v", err)
	}
}

func TestTriggerMissingURL(t *testing.T) {
	d := New(Config{}, testResolver(), zerolog.Nop())
	_, err := d.Trigger(context.Background(), Request{JobID: "job-1"})
	if !errors.Is(err, domain.ErrWorkflowConfig) {
		t.Fatalf("error = %v, want ErrWorkflowConfig", err)
	}
}

func TestTriggerUnsafeExecutorURL(t *testing.T) {
	d := New(Config{URL: "https://127.0.0.1/run"}, testResolver(), zerolog.Nop())
	_, err := d.Trigger(context.Background(), Request{JobID: "job-1"})
	var unsafeErr *safeurl.UnsafeURLError
	if !errors.As(err, &unsafeErr) {
		t.Fatalf("error = %v, want *safeurl.UnsafeURLError", err)
	}
}

func TestValidateOutputs(t *testing.T) {
	good := domain.DeclaredOutput{URL: "https://cdn.example.com/a.mp4", Type: "video/mp4"}

	t.Run("empty rejected", func(t *testing.T) {
		if _, err := ValidateOutputs(nil); err == nil {
			t.Fatal("accepted empty outputs")
		}
	})
	t.Run("too many rejected", func(t *testing.T) {
		six := make([]domain.DeclaredOutput, 6)
		for i := range six {
			six[i] = good
		}
		if _, err := ValidateOutputs(six); err == nil {
			t.Fatal("accepted six outputs")
		}
	})
	t.Run("bad url rejected", func(t *testing.T) {
		if _, err := ValidateOutputs([]domain.DeclaredOutput{{URL: "ftp://x/a.mp4"}}); err == nil {
			t.Fatal("accepted ftp url")
		}
		if _, err := ValidateOutputs([]domain.DeclaredOutput{{URL: "not a url"}}); err == nil {
			t.Fatal("accepted malformed url")
		}
	})
	t.Run("negative numbers zeroed", func(t *testing.T) {
		in := good
		in.Size = -5
		in.DurationSeconds = -1
		out, err := ValidateOutputs([]domain.DeclaredOutput{in})
		if err != nil {
			t.Fatal(err)
		}
		if out[0].Size != 0 || out[0].DurationSeconds != 0 {
			t.Fatalf("out = %+v", out[0])
		}
	})
	t.Run("invalid thumbnail dropped", func(t *testing.T) {
		in := good
		in.ThumbnailURL = "javascript:alert(1)"
		out, err := ValidateOutputs([]domain.DeclaredOutput{in})
		if err != nil {
			t.Fatal(err)
		}
		if out[0].ThumbnailURL != "" {
			t.Fatalf("thumbnail = %q", out[0].ThumbnailURL)
		}
	})
}

func TestParseCallbackOutputs(t *testing.T) {
	outputs, err := ParseCallbackOutputs(json.RawMessage(`[{"url":"https://cdn.example.com/a.mp4"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 1 {
		t.Fatalf("outputs = %+v", outputs)
	}
	if _, err := ParseCallbackOutputs(json.RawMessage(`{"not":"an array"}`)); err == nil {
		t.Fatal("accepted non-array outputs")
	}
}

func TestTruncateError(t *testing.T) {
	long := strings.Repeat("e", 600)
	if got := TruncateError(long, 0); len(got) != 500 {
		t.Fatalf("default limit gave %d chars", len(got))
	}
	if got := TruncateError("short", 500); got != "short" {
		t.Fatalf("got %q", got)
	}
}

func TestTruncateErrorKeepsValidUTF8(t *testing.T) {
	// The two-byte rune straddles the limit; a byte-level cut would leave
	// a dangling lead byte behind.
	msg := strings.Repeat("x", 499) + "é"
	got := TruncateError(msg, 500)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated message is not valid utf-8: %x", got[len(got)-4:])
	}
	if len(got) != 499 {
		t.Fatalf("len = %d, want 499", len(got))
	}

	// A rune ending exactly at the limit survives intact.
	msg = strings.Repeat("x", 498) + "é"
	if got := TruncateError(msg+"tail", 500); got != msg {
		t.Fatalf("got %q, want the full 500-byte prefix", got)
	}

	// Degenerate input of nothing but continuation bytes empties out
	// rather than panicking.
	if got := TruncateError(strings.Repeat("\x80", 10), 5); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestFormatCallbackURL(t *testing.T) {
	got := FormatCallbackURL("https://api.example.com", "job-1")
	if got != "https://api.example.com/v1/jobs/job-1/callback" {
		t.Fatalf("got %q", got)
	}
}
