package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/renderforge/server/internal/callback"
	"github.com/renderforge/server/internal/dispatch"
	"github.com/renderforge/server/internal/domain"
	"github.com/renderforge/server/internal/infra"
	"github.com/renderforge/server/internal/lifecycle"
	"github.com/renderforge/server/internal/middleware"
	"github.com/renderforge/server/internal/quota"
	"github.com/renderforge/server/internal/safeurl"
	"github.com/renderforge/server/internal/secrets"
	"github.com/renderforge/server/internal/sqlinline"
	"github.com/renderforge/server/internal/sqltest"
)

const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type jobRow struct {
	id         string
	tenantID   string
	status     string
	options    []byte
	errMsg     string
	createdAt  time.Time
	updatedAt  time.Time
	finishedAt *time.Time
}

type assetRow struct {
	id        string
	jobID     string
	tenantID  string
	url       string
	createdAt time.Time
}

// fakeDB backs the handler tests with in-memory tenants, jobs, and assets,
// honoring the conditional-update guards of the real queries.
type fakeDB struct {
	mu      sync.Mutex
	seq     int
	tenants map[string]*domain.Tenant
	jobs    map[string]*jobRow
	assets  []assetRow
}

func newFakeDB() *fakeDB {
	return &fakeDB{tenants: map[string]*domain.Tenant{}, jobs: map[string]*jobRow{}}
}

func (f *fakeDB) now() time.Time {
	f.seq++
	return time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.seq) * time.Second)
}

func nonTerminal(rec *jobRow) bool {
	if rec.finishedAt != nil {
		return false
	}
	switch rec.status {
	case "pending", "running", "processing":
		return true
	}
	return false
}

func (f *fakeDB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch query {
	case sqlinline.QReserveUsageLimited:
		t := f.tenants[args[0].(string)]
		n := args[1].(int)
		if t != nil && t.UsedThisCycle <= t.MonthlyLimit+t.BonusCredits-n {
			t.UsedThisCycle += n
			return sqltest.Tag("UPDATE", 1), nil
		}
		return sqltest.Tag("UPDATE", 0), nil
	case sqlinline.QIncrementUsage:
		if t := f.tenants[args[0].(string)]; t != nil {
			t.UsedThisCycle += args[1].(int)
			return sqltest.Tag("UPDATE", 1), nil
		}
		return sqltest.Tag("UPDATE", 0), nil
	case sqlinline.QReleaseUsage:
		t := f.tenants[args[0].(string)]
		n := args[1].(int)
		if t != nil && t.UsedThisCycle >= n {
			t.UsedThisCycle -= n
			return sqltest.Tag("UPDATE", 1), nil
		}
		return sqltest.Tag("UPDATE", 0), nil
	case sqlinline.QResetUsageCycle:
		if t := f.tenants[args[0].(string)]; t != nil {
			t.UsedThisCycle = 0
			t.BillingCycleStart = args[1].(time.Time)
			t.NextBillingDate = args[2].(time.Time)
			return sqltest.Tag("UPDATE", 1), nil
		}
		return sqltest.Tag("UPDATE", 0), nil
	case sqlinline.QActivateTenant:
		if t := f.tenants[args[0].(string)]; t != nil {
			t.Status = domain.TenantStatusActive
			t.SubscriptionPeriodEnd = args[1].(time.Time)
			return sqltest.Tag("UPDATE", 1), nil
		}
		return sqltest.Tag("UPDATE", 0), nil
	case sqlinline.QInsertJob:
		now := f.now()
		id := args[0].(string)
		f.jobs[id] = &jobRow{
			id:        id,
			tenantID:  args[1].(string),
			status:    "pending",
			options:   append([]byte(nil), args[2].([]byte)...),
			createdAt: now,
			updatedAt: now,
		}
		return sqltest.Tag("INSERT", 1), nil
	case sqlinline.QMarkJobDispatched:
		rec := f.jobs[args[0].(string)]
		if rec == nil || rec.status != "pending" {
			return sqltest.Tag("UPDATE", 0), nil
		}
		rec.status = string(args[1].(domain.JobStatus))
		rec.updatedAt = f.now()
		return sqltest.Tag("UPDATE", 1), nil
	case sqlinline.QFinalizeJobSuccess:
		rec := f.jobs[args[0].(string)]
		if rec == nil || !nonTerminal(rec) {
			return sqltest.Tag("UPDATE", 0), nil
		}
		now := f.now()
		rec.status = "completed"
		rec.options = append([]byte(nil), args[1].([]byte)...)
		rec.updatedAt = now
		rec.finishedAt = &now
		return sqltest.Tag("UPDATE", 1), nil
	case sqlinline.QFinalizeJobFailure:
		rec := f.jobs[args[0].(string)]
		if rec == nil || !nonTerminal(rec) {
			return sqltest.Tag("UPDATE", 0), nil
		}
		now := f.now()
		rec.status = "failed"
		rec.errMsg = args[1].(string)
		rec.updatedAt = now
		rec.finishedAt = &now
		return sqltest.Tag("UPDATE", 1), nil
	case sqlinline.QInsertAsset:
		f.assets = append(f.assets, assetRow{
			id:        args[0].(string),
			tenantID:  args[1].(string),
			jobID:     args[2].(string),
			url:       args[4].(string),
			createdAt: f.now(),
		})
		return sqltest.Tag("INSERT", 1), nil
	case sqlinline.QDeleteAssetsByJobs:
		ids := args[0].([]string)
		kept := f.assets[:0]
		for _, a := range f.assets {
			keep := true
			for _, id := range ids {
				if a.jobID == id {
					keep = false
				}
			}
			if keep {
				kept = append(kept, a)
			}
		}
		f.assets = kept
		return sqltest.Tag("DELETE", 1), nil
	case sqlinline.QDeleteJobs:
		for _, id := range args[0].([]string) {
			delete(f.jobs, id)
		}
		return sqltest.Tag("DELETE", 1), nil
	}
	return pgconn.CommandTag{}, errors.New("fakeDB: unsupported exec")
}

func (f *fakeDB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch query {
	case sqlinline.QSelectJobByID:
		rec := f.jobs[args[0].(string)]
		if rec == nil {
			return sqltest.Row{}
		}
		return sqltest.ValuesRow(rec.id, rec.tenantID, rec.status, append([]byte(nil), rec.options...), rec.errMsg, rec.createdAt, rec.updatedAt, rec.finishedAt)
	case sqlinline.QSelectTenantByID:
		return tenantRow(f.tenants[args[0].(string)])
	case sqlinline.QSelectTenantByAPIToken:
		for _, t := range f.tenants {
			if "token-"+t.ID == args[0].(string) {
				return tenantRow(t)
			}
		}
		return sqltest.Row{}
	}
	return sqltest.Row{}
}

func tenantRow(t *domain.Tenant) pgx.Row {
	if t == nil {
		return sqltest.Row{}
	}
	return sqltest.ValuesRow(
		t.ID, t.Name, t.Plan, t.MonthlyLimit, t.BonusCredits, t.UsedThisCycle,
		t.BillingCycleStart, t.NextBillingDate, t.SubscriptionPeriodEnd,
		string(t.Status), string(t.PaymentStatus), t.ExecutorSecrets, t.CreatedAt, t.UpdatedAt,
	)
}

func (f *fakeDB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch query {
	case sqlinline.QSelectPrunableJobs:
		tenantID := args[0].(string)
		offset := args[1].(int)
		var recs []*jobRow
		for _, rec := range f.jobs {
			if rec.tenantID == tenantID {
				recs = append(recs, rec)
			}
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].createdAt.After(recs[j].createdAt) })
		var data [][]any
		for i, rec := range recs {
			if i >= offset {
				data = append(data, []any{rec.id})
			}
		}
		return sqltest.NewRows(data), nil
	case sqlinline.QSelectAssetsByJob:
		var data [][]any
		for _, a := range f.assets {
			if a.jobID == args[0].(string) {
				data = append(data, []any{a.id, a.tenantID, a.jobID, "output", a.url, "", 0, int64(0), "", a.createdAt})
			}
		}
		return sqltest.NewRows(data), nil
	}
	return nil, errors.New("fakeDB: unsupported query")
}

func (f *fakeDB) WithinTx(ctx context.Context, fn func(q infra.SQLExecutor) error) error {
	f.mu.Lock()
	jobsCopy := make(map[string]*jobRow, len(f.jobs))
	for id, rec := range f.jobs {
		cp := *rec
		jobsCopy[id] = &cp
	}
	tenantsCopy := make(map[string]*domain.Tenant, len(f.tenants))
	for id, t := range f.tenants {
		cp := *t
		tenantsCopy[id] = &cp
	}
	assetsCopy := append([]assetRow(nil), f.assets...)
	f.mu.Unlock()

	if err := fn(f); err != nil {
		f.mu.Lock()
		f.jobs = jobsCopy
		f.tenants = tenantsCopy
		f.assets = assetsCopy
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeDB) addTenant(t *domain.Tenant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants[t.ID] = t
}

func (f *fakeDB) seedJob(t *testing.T, id, tenantID string, status domain.JobStatus, opts domain.JobOptions) {
	t.Helper()
	raw, err := json.Marshal(opts)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	f.jobs[id] = &jobRow{id: id, tenantID: tenantID, status: string(status), options: raw, createdAt: now, updatedAt: now}
}

func (f *fakeDB) job(t *testing.T, id string) jobRow {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.jobs[id]
	if !ok {
		t.Fatalf("job %s not in fake db", id)
	}
	return *rec
}

func (f *fakeDB) tenantUsage(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tenants[id].UsedThisCycle
}

type stubIngester struct {
	err error
}

func (s *stubIngester) Persist(ctx context.Context, tenantID, jobID string, outputs []domain.DeclaredOutput) ([]domain.Asset, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.Asset, len(outputs))
	for i := range outputs {
		out[i] = domain.Asset{
			ID:       fmt.Sprintf("%s-asset-%d", jobID, i),
			TenantID: tenantID,
			JobID:    jobID,
			Type:     domain.AssetTypeOutput,
			URL:      "https://assets.example.com/" + jobID,
		}
	}
	return out, nil
}

type testEnv struct {
	db     *fakeDB
	app    *App
	router http.Handler
	vault  *secrets.Vault
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newFakeDB()
	vault, err := secrets.NewVault(testVaultKey)
	if err != nil {
		t.Fatal(err)
	}
	ledger := quota.NewLedger(zerolog.Nop())
	manager := lifecycle.NewManager(db, db, ledger, &stubIngester{}, zerolog.Nop(), 0)
	resolver := safeurl.New(false, nil, nil)

	app := &App{
		SQL:             db,
		Manager:         manager,
		Ledger:          ledger,
		Dispatcher:      dispatch.New(dispatch.Config{}, resolver, zerolog.Nop()),
		Auth:            callback.NewAuthenticator(vault, ""),
		Vault:           vault,
		Logger:          zerolog.Nop(),
		CallbackBaseURL: "https://api.example.com",
	}

	r := chi.NewRouter()
	r.Post("/v1/jobs/{job_id}/callback", app.JobCallback)
	r.Post("/v1/tenants/{tenant_id}/activate", app.ActivateTenant)
	r.Group(func(r chi.Router) {
		r.Use(middleware.TenantAuth(app.TenantByToken))
		r.Post("/v1/videos/generate", app.GenerateVideo)
		r.Get("/v1/jobs/{job_id}", app.JobStatus)
		r.Get("/v1/jobs/{job_id}/assets", app.JobAssets)
	})

	return &testEnv{db: db, app: app, router: r, vault: vault}
}

func (e *testEnv) do(t *testing.T, method, path, bearer, body string, extraHeaders map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:54321"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response not json: %v (%s)", err, rec.Body.String())
	}
	return out
}

func newManagerWithIngester(env *testEnv, ing lifecycle.OutputIngester) *lifecycle.Manager {
	return lifecycle.NewManager(env.db, env.db, env.app.Ledger, ing, zerolog.Nop(), 0)
}

func newLegacyAuthenticator(env *testEnv, encryptedSecret string) *callback.Authenticator {
	return callback.NewAuthenticator(env.vault, encryptedSecret)
}

func testTenant(id string, limit, used int) *domain.Tenant {
	return &domain.Tenant{
		ID:                    id,
		Name:                  "Acme",
		Plan:                  "pro",
		MonthlyLimit:          limit,
		UsedThisCycle:         used,
		Status:                domain.TenantStatusActive,
		PaymentStatus:         domain.PaymentStatusCurrent,
		SubscriptionPeriodEnd: time.Now().Add(30 * 24 * time.Hour),
	}
}
