package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rapidalle/rapidalle/internal/cache"
	"github.com/rapidalle/rapidalle/internal/config"
	"github.com/rapidalle/rapidalle/internal/credits"
	internaldb "github.com/rapidalle/rapidalle/internal/db"
	"github.com/rapidalle/rapidalle/internal/ratelimit"
	"github.com/rapidalle/rapidalle/internal/runs"
	internalsettings "github.com/rapidalle/rapidalle/internal/settings"
	"github.com/rapidalle/rapidalle/internal/usage"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

type fakeEnqueuer struct {
	payloads []runs.Payload
	canceled []string
	err      error
}

func (f *fakeEnqueuer) Cancel(id string) error {
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, payload runs.Payload) (runs.Run, error) {
	if f.err != nil {
		return runs.Run{}, f.err
	}
	f.payloads = append(f.payloads, payload)
	return runs.Run{ID: fmt.Sprintf("run-%d", len(f.payloads)), UserID: payload.UserID, Status: runs.StatusQueued}, nil
}

type fakeGallery struct{ invalidated []string }

func (f *fakeGallery) Invalidate(_ context.Context, userID string) {
	f.invalidated = append(f.invalidated, userID)
}

type fakeUsage struct{ events []usage.Event }

func (f *fakeUsage) Record(_ context.Context, ev usage.Event) error {
	f.events = append(f.events, ev)
	return nil
}

type gateFixture struct {
	gate     *Gate
	ledger   *credits.Ledger
	cache    cache.Store
	enqueuer *fakeEnqueuer
	gallery  *fakeGallery
	usage    *fakeUsage
}

func newGateFixture(t *testing.T, initialCredits int64, maxRequests int) *gateFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:gate_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if errMigrate := internaldb.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	store, errCache := cache.NewFileStore(filepath.Join(t.TempDir(), "cache.json"))
	if errCache != nil {
		t.Fatalf("cache: %v", errCache)
	}

	f := &gateFixture{
		ledger:   credits.NewLedger(conn, initialCredits),
		cache:    store,
		enqueuer: &fakeEnqueuer{},
		gallery:  &fakeGallery{},
		usage:    &fakeUsage{},
	}
	f.gate = NewGate(Deps{
		Ledger:   f.ledger,
		Limiter:  ratelimit.NewLimiter(store, time.Hour, maxRequests),
		Gallery:  f.gallery,
		Enqueuer: f.enqueuer,
		Usage:    f.usage,
		Tokens: func(runID, userID string) (string, error) {
			return "token-" + runID + "-" + userID, nil
		},
	}, config.Default().Generation)
	return f
}

func (f *gateFixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func validRequest() Request {
	return Request{UserID: "u1", Theme: "Kitchen", Description: "Scandinavian, oak", Size: "512x512"}
}

func TestSubmitTriggersRun(t *testing.T) {
	f := newGateFixture(t, 3, 10)

	handle, gerr := f.gate.Submit(context.Background(), validRequest())
	if gerr != nil {
		t.Fatalf("submit: %v", gerr)
	}
	if handle.RunID != "run-1" || handle.AccessToken != "token-run-1-u1" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if handle.RateLimit.Remaining != 9 {
		t.Fatalf("expected remaining 9, got %d", handle.RateLimit.Remaining)
	}
	if got := f.balance(t, "u1"); got != 2 {
		t.Fatalf("expected balance 2 after one charge, got %d", got)
	}
	if len(f.enqueuer.payloads) != 1 || f.enqueuer.payloads[0].Size != "512x512" || f.enqueuer.payloads[0].Theme != "Kitchen" {
		t.Fatalf("unexpected enqueued payloads: %+v", f.enqueuer.payloads)
	}
	if len(f.gallery.invalidated) != 1 || f.gallery.invalidated[0] != "u1" {
		t.Fatalf("expected library invalidated, got %v", f.gallery.invalidated)
	}
	if len(f.usage.events) != 1 || f.usage.events[0].Credits != 1 || f.usage.events[0].Metadata["run_id"] != "run-1" {
		t.Fatalf("unexpected usage events: %+v", f.usage.events)
	}
}

func TestSubmitNoCreditsLeavesBalanceAndLimiter(t *testing.T) {
	f := newGateFixture(t, 0, 1)

	_, gerr := f.gate.Submit(context.Background(), validRequest())
	var noCredits *InsufficientCreditsError
	if !errors.As(gerr, &noCredits) {
		t.Fatalf("expected InsufficientCreditsError, got %v", gerr)
	}
	if gerr.Code() != "NO_CREDITS" || gerr.HTTPStatus() != http.StatusPaymentRequired {
		t.Fatalf("unexpected code/status: %s %d", gerr.Code(), gerr.HTTPStatus())
	}
	if noCredits.CurrentCredits != 0 || noCredits.RequiredCredits != 1 {
		t.Fatalf("unexpected credit detail: %+v", noCredits)
	}
	if got := f.balance(t, "u1"); got != 0 {
		t.Fatalf("expected balance unchanged at 0, got %d", got)
	}
	if _, ok, _ := f.cache.Get(context.Background(), "ratelimit:u1"); ok {
		t.Fatalf("expected no rate limit slot consumed")
	}
	if len(f.enqueuer.payloads) != 0 {
		t.Fatalf("expected nothing enqueued")
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newGateFixture(t, 5, 10)
	cases := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing theme", Request{UserID: "u1", Description: "D", Size: "512x512"}, "theme"},
		{"missing description", Request{UserID: "u1", Theme: "T", Size: "512x512"}, "description"},
		{"unsupported size", Request{UserID: "u1", Theme: "T", Description: "D", Size: "999x999"}, "size"},
		{"missing user", Request{Theme: "T", Description: "D", Size: "512x512"}, "userId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, gerr := f.gate.Submit(context.Background(), tc.req)
			var verr *ValidationError
			if !errors.As(gerr, &verr) {
				t.Fatalf("expected ValidationError, got %v", gerr)
			}
			if _, ok := verr.Fields[tc.field]; !ok {
				t.Fatalf("expected field %s flagged, got %v", tc.field, verr.Fields)
			}
		})
	}
	if got := f.balance(t, "u1"); got != 5 {
		t.Fatalf("expected no debit on validation failures, got %d", got)
	}
}

func TestSubmitDefaultsSize(t *testing.T) {
	f := newGateFixture(t, 5, 10)
	req := validRequest()
	req.Size = ""
	if _, gerr := f.gate.Submit(context.Background(), req); gerr != nil {
		t.Fatalf("submit: %v", gerr)
	}
	if f.enqueuer.payloads[0].Size != "1024x1024" {
		t.Fatalf("expected default size, got %s", f.enqueuer.payloads[0].Size)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	f := newGateFixture(t, 5, 1)

	if _, gerr := f.gate.Submit(context.Background(), validRequest()); gerr != nil {
		t.Fatalf("first submit: %v", gerr)
	}
	_, gerr := f.gate.Submit(context.Background(), validRequest())
	var limited *RateLimitExceededError
	if !errors.As(gerr, &limited) {
		t.Fatalf("expected RateLimitExceededError, got %v", gerr)
	}
	if gerr.HTTPStatus() != http.StatusTooManyRequests || !limited.ResetTime.After(time.Now()) {
		t.Fatalf("unexpected rate limit rejection: %+v", limited)
	}
	if got := f.balance(t, "u1"); got != 4 {
		t.Fatalf("expected only one charge, got balance %d", got)
	}
}

func TestSubmitTriggerFailureKeepsDebit(t *testing.T) {
	f := newGateFixture(t, 2, 10)
	f.enqueuer.err = runs.ErrQueueFull

	_, gerr := f.gate.Submit(context.Background(), validRequest())
	if gerr == nil || gerr.Code() != CodeTriggerError || gerr.HTTPStatus() != http.StatusInternalServerError {
		t.Fatalf("expected TRIGGER_ERROR, got %v", gerr)
	}
	if got := f.balance(t, "u1"); got != 1 {
		t.Fatalf("expected debit kept without refund, got %d", got)
	}
}

func TestSubmitTokenFailureCancelsRun(t *testing.T) {
	f := newGateFixture(t, 2, 10)
	f.gate.deps.Tokens = func(string, string) (string, error) {
		return "", errors.New("empty signing secret")
	}

	_, gerr := f.gate.Submit(context.Background(), validRequest())
	if gerr == nil || gerr.Code() != CodeTriggerError {
		t.Fatalf("expected TRIGGER_ERROR, got %v", gerr)
	}
	if len(f.enqueuer.payloads) != 1 || len(f.enqueuer.canceled) != 1 || f.enqueuer.canceled[0] != "run-1" {
		t.Fatalf("expected the enqueued run to be cancelled, got enqueued=%d canceled=%v", len(f.enqueuer.payloads), f.enqueuer.canceled)
	}
	if got := f.balance(t, "u1"); got != 1 {
		t.Fatalf("expected charge kept without refund, got %d", got)
	}
}

func TestSubmitCostSetting(t *testing.T) {
	internalsettings.StoreDBConfig(time.Now(), map[string]json.RawMessage{
		internalsettings.GenerationCostCreditsKey: json.RawMessage(`"3"`),
	})
	t.Cleanup(func() { internalsettings.StoreDBConfig(time.Time{}, nil) })

	f := newGateFixture(t, 2, 10)
	_, gerr := f.gate.Submit(context.Background(), validRequest())
	var noCredits *InsufficientCreditsError
	if !errors.As(gerr, &noCredits) || noCredits.RequiredCredits != 3 {
		t.Fatalf("expected 3 required credits, got %v", gerr)
	}
}

func TestGateErrorPayloads(t *testing.T) {
	reset := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	payload := (&RateLimitExceededError{Limit: 10, ResetTime: reset}).Payload()
	if payload["code"] != "RATE_LIMIT_EXCEEDED" || payload["resetTime"] != "2026-01-01T01:00:00Z" {
		t.Fatalf("unexpected rate limit payload: %v", payload)
	}
	payload = (&InsufficientCreditsError{CurrentCredits: 0, RequiredCredits: 1}).Payload()
	if payload["code"] != "NO_CREDITS" || payload["requiredCredits"] != int64(1) {
		t.Fatalf("unexpected credits payload: %v", payload)
	}
	if (&InternalError{Message: "x"}).Code() != CodeInternalError {
		t.Fatalf("expected default internal code")
	}
}
