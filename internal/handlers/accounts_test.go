package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Kyuzan0/account-manager-sub000/internal/accounts"
	"github.com/Kyuzan0/account-manager-sub000/internal/activity"
	"github.com/Kyuzan0/account-manager-sub000/internal/middleware"
	"github.com/Kyuzan0/account-manager-sub000/internal/store"
)

type accountTestEnv struct {
	app         *fiber.App
	recordStore *store.MemoryStore
	interceptor *activity.Interceptor
}

// newAccountTestEnv wires the account routes the way the application does:
// tracking middleware in front, handlers feeding it through locals.
func newAccountTestEnv(t *testing.T) *accountTestEnv {
	t.Helper()

	recordStore := store.NewMemoryStore()
	interceptor := activity.NewInterceptor(activity.Config{BufferSize: 64}, recordStore, nil, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = interceptor.Shutdown(ctx)
	})

	handler := NewAccountHandler(accounts.NewStore())
	track := middleware.Track(middleware.TrackConfig{
		Interceptor: interceptor,
		KindMapper:  middleware.AccountKindMapper,
	})

	app := fiber.New()
	group := app.Group("/api/v1/accounts", identityStub("op-1", []string{"admin"}), track)
	group.Post("/", handler.Create)
	group.Get("/", handler.List)
	group.Delete("/", handler.BulkDelete)
	group.Get("/:id", handler.Get)
	group.Put("/:id", handler.Update)
	group.Delete("/:id", handler.Delete)

	return &accountTestEnv{app: app, recordStore: recordStore, interceptor: interceptor}
}

func (e *accountTestEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// drainRecords shuts the interceptor down so every queued finalization has
// been applied, then returns all records.
func (e *accountTestEnv) drainRecords(t *testing.T) []activity.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.interceptor.Shutdown(ctx); err != nil {
		t.Fatalf("interceptor shutdown: %v", err)
	}
	records, err := e.recordStore.Scan(context.Background(), time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("scan records: %v", err)
	}
	return records
}

func findRecord(records []activity.Record, kind activity.Kind) *activity.Record {
	for i := range records {
		if records[i].Kind == kind {
			return &records[i]
		}
	}
	return nil
}

func TestCreateAccountRecordsActivity(t *testing.T) {
	env := newAccountTestEnv(t)

	resp := env.request(t, fiber.MethodPost, "/api/v1/accounts/", AccountRequest{
		Username: "kyu",
		Platform: "github",
		Password: "hunter2",
	})
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	created := decodeBody[accounts.Account](t, resp)
	if created.ID == "" {
		t.Fatal("response carries no account id")
	}
	if created.Password != "" {
		t.Error("password leaked into the API response")
	}

	records := env.drainRecords(t)
	rec := findRecord(records, activity.KindAccountCreate)
	if rec == nil {
		t.Fatal("no account-create record written")
	}
	if rec.Status != activity.StatusSuccess {
		t.Errorf("record status = %q, want SUCCESS", rec.Status)
	}
	if rec.ActorID != "op-1" {
		t.Errorf("record actor = %q, want the authenticated identity op-1", rec.ActorID)
	}
	if rec.Target == nil || rec.Target.EntityID != created.ID {
		t.Errorf("record target = %+v, want entity %s", rec.Target, created.ID)
	}
	if rec.Details.AfterState["password"] != "[REDACTED]" {
		t.Errorf("after state not sanitized: %v", rec.Details.AfterState)
	}
	if rec.Request.Method != fiber.MethodPost {
		t.Errorf("request method = %q", rec.Request.Method)
	}
}

func TestCreateAccountFailureRecorded(t *testing.T) {
	env := newAccountTestEnv(t)

	env.request(t, fiber.MethodPost, "/api/v1/accounts/", AccountRequest{Username: "kyu", Platform: "github"})
	resp := env.request(t, fiber.MethodPost, "/api/v1/accounts/", AccountRequest{Username: "kyu", Platform: "github"})
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}

	records := env.drainRecords(t)
	var failed *activity.Record
	for i := range records {
		if records[i].Status == activity.StatusFailure {
			failed = &records[i]
		}
	}
	if failed == nil {
		t.Fatal("rejected create produced no FAILURE record")
	}
	if failed.Error == nil || failed.Error.Message == "" {
		t.Errorf("failure record error = %+v", failed.Error)
	}
}

func TestUpdateAccountRecordsDiff(t *testing.T) {
	env := newAccountTestEnv(t)

	resp := env.request(t, fiber.MethodPost, "/api/v1/accounts/", AccountRequest{Username: "kyu", Platform: "github"})
	created := decodeBody[accounts.Account](t, resp)

	resp = env.request(t, fiber.MethodPut, "/api/v1/accounts/"+created.ID, AccountRequest{Username: "kyu2"})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}

	records := env.drainRecords(t)
	rec := findRecord(records, activity.KindAccountUpdate)
	if rec == nil {
		t.Fatal("no account-update record written")
	}
	if len(rec.Details.Changes) != 1 {
		t.Fatalf("changes = %+v, want one", rec.Details.Changes)
	}
	change := rec.Details.Changes[0]
	if change.Field != "username" || change.OldValue != "kyu" || change.NewValue != "kyu2" {
		t.Errorf("change = %+v", change)
	}
	if rec.Details.BeforeState["username"] != "kyu" {
		t.Errorf("before state = %v", rec.Details.BeforeState)
	}
	if rec.Details.AfterState["username"] != "kyu2" {
		t.Errorf("after state = %v", rec.Details.AfterState)
	}
}

func TestDeleteAccountRecordsBeforeState(t *testing.T) {
	env := newAccountTestEnv(t)

	resp := env.request(t, fiber.MethodPost, "/api/v1/accounts/", AccountRequest{Username: "kyu", Platform: "github"})
	created := decodeBody[accounts.Account](t, resp)

	resp = env.request(t, fiber.MethodDelete, "/api/v1/accounts/"+created.ID, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}

	records := env.drainRecords(t)
	rec := findRecord(records, activity.KindAccountDelete)
	if rec == nil {
		t.Fatal("no account-delete record written")
	}
	if rec.Details.BeforeState["username"] != "kyu" {
		t.Errorf("before state = %v", rec.Details.BeforeState)
	}
}

func TestBulkDeleteRecordsCount(t *testing.T) {
	env := newAccountTestEnv(t)

	env.request(t, fiber.MethodPost, "/api/v1/accounts/", AccountRequest{Username: "a", Platform: "github"})
	env.request(t, fiber.MethodPost, "/api/v1/accounts/", AccountRequest{Username: "b", Platform: "github"})

	resp := env.request(t, fiber.MethodDelete, "/api/v1/accounts/?platform=github", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("bulk delete status = %d, want 200", resp.StatusCode)
	}

	records := env.drainRecords(t)
	rec := findRecord(records, activity.KindBulkDelete)
	if rec == nil {
		t.Fatal("no bulk-delete record written")
	}
	meta := rec.Details.Metadata
	if meta == nil || meta.BulkDelete == nil || meta.BulkDelete.DeletedCount != 2 {
		t.Errorf("metadata = %+v, want deletedCount 2", meta)
	}
}

func TestListIsNotTracked(t *testing.T) {
	env := newAccountTestEnv(t)

	env.request(t, fiber.MethodPost, "/api/v1/accounts/", AccountRequest{Username: "kyu", Platform: "github"})
	resp := env.request(t, fiber.MethodGet, "/api/v1/accounts/", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}

	records := env.drainRecords(t)
	if len(records) != 1 {
		t.Errorf("records = %d, want only the create (listing untracked)", len(records))
	}
}

func TestGetAccountRecordsView(t *testing.T) {
	env := newAccountTestEnv(t)

	resp := env.request(t, fiber.MethodPost, "/api/v1/accounts/", AccountRequest{Username: "kyu", Platform: "github"})
	created := decodeBody[accounts.Account](t, resp)

	env.request(t, fiber.MethodGet, "/api/v1/accounts/"+created.ID, nil)

	records := env.drainRecords(t)
	rec := findRecord(records, activity.KindAccountView)
	if rec == nil {
		t.Fatal("no account-view record written")
	}
	if rec.Status != activity.StatusSuccess {
		t.Errorf("view status = %q, want SUCCESS", rec.Status)
	}
}
