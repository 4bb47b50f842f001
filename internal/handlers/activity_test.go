package handlers

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Kyuzan0/account-manager-sub000/internal/activity"
	"github.com/Kyuzan0/account-manager-sub000/internal/service"
	"github.com/Kyuzan0/account-manager-sub000/internal/store"
)

// identityStub plants the identity locals the JWT middleware would set.
func identityStub(userID string, roles []string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("user_id", userID)
		c.Locals("roles", roles)
		return c.Next()
	}
}

func newActivityApp(t *testing.T, recordStore store.RecordStore, userID string, roles []string) *fiber.App {
	t.Helper()
	handler := NewActivityHandler(service.NewQueryService(recordStore, 0))

	app := fiber.New()
	group := app.Group("/api/v1/activity", identityStub(userID, roles))
	group.Get("/users/:id", handler.UserTimeline)
	group.Get("/accounts/:id", handler.TargetTimeline)
	group.Get("/stats", handler.Stats)
	group.Get("/security", handler.Security)
	group.Get("/export", handler.Export)
	return app
}

func seedActivity(t *testing.T, s store.RecordStore, n int) {
	t.Helper()
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < n; i++ {
		status := activity.StatusSuccess
		if i%3 == 0 {
			status = activity.StatusFailure
		}
		rec := &activity.Record{
			ID:      fmt.Sprintf("rec-%d", i),
			Kind:    activity.KindAccountUpdate,
			Status:  status,
			ActorID: "actor-1",
			Target:  &activity.Target{EntityType: "account", EntityID: "acct-1"},
			Request: activity.RequestContext{
				SourceAddress: "10.0.0.1",
				OccurredAt:    base.Add(-time.Duration(i) * time.Minute),
			},
			Retention: activity.Retention{ExpiresAt: base.Add(90 * 24 * time.Hour)},
		}
		if err := s.CreateRecord(t.Context(), rec); err != nil {
			t.Fatalf("seed record: %v", err)
		}
	}
}

func getJSON(t *testing.T, app *fiber.App, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil), -1)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "json") {
		return resp, nil
	}
	return resp, decodeBody[map[string]any](t, resp)
}

func TestUserTimelineEndpoint(t *testing.T) {
	s := store.NewMemoryStore()
	seedActivity(t, s, 5)
	app := newActivityApp(t, s, "viewer-1", []string{"user"})

	resp, body := getJSON(t, app, "/api/v1/activity/users/actor-1")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["total"].(float64) != 5 {
		t.Errorf("total = %v, want 5", body["total"])
	}

	resp, body = getJSON(t, app, "/api/v1/activity/users/actor-1?status=FAILURE")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("filtered status = %d, want 200", resp.StatusCode)
	}
	if body["total"].(float64) != 2 {
		t.Errorf("failure total = %v, want 2", body["total"])
	}
}

func TestUserTimelineBadTimestamp(t *testing.T) {
	app := newActivityApp(t, store.NewMemoryStore(), "viewer-1", []string{"user"})

	resp, _ := getJSON(t, app, "/api/v1/activity/users/actor-1?from=yesterday")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTargetTimelineEndpoint(t *testing.T) {
	s := store.NewMemoryStore()
	seedActivity(t, s, 3)
	app := newActivityApp(t, s, "viewer-1", []string{"user"})

	resp, body := getJSON(t, app, "/api/v1/activity/accounts/acct-1")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["total"].(float64) != 3 {
		t.Errorf("total = %v, want 3", body["total"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := store.NewMemoryStore()
	seedActivity(t, s, 6)
	app := newActivityApp(t, s, "viewer-1", []string{"user"})

	resp, body := getJSON(t, app, "/api/v1/activity/stats?window=1d")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["window"] != "1d" {
		t.Errorf("window = %v", body["window"])
	}
	buckets := body["buckets"].([]any)
	if len(buckets) != 2 {
		t.Errorf("buckets = %d, want SUCCESS and FAILURE groups", len(buckets))
	}

	resp, _ = getJSON(t, app, "/api/v1/activity/stats?window=banana")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("bad window status = %d, want 400", resp.StatusCode)
	}
}

func TestSecurityEndpointRequiresPrivilege(t *testing.T) {
	s := store.NewMemoryStore()
	seedActivity(t, s, 2)
	_ = s.MergeSecurity(t.Context(), "rec-0", activity.SecurityUpdate{
		RiskScore: 70, Reasons: []string{"RAPID_CREATION"}, Flagged: true, Permanent: true,
	})

	plain := newActivityApp(t, s, "viewer-1", []string{"user"})
	resp, _ := getJSON(t, plain, "/api/v1/activity/security")
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("plain caller status = %d, want 403", resp.StatusCode)
	}

	admin := newActivityApp(t, s, "admin-1", []string{"admin"})
	resp, body := getJSON(t, admin, "/api/v1/activity/security")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("admin status = %d, want 200", resp.StatusCode)
	}
	if body["total"].(float64) != 1 {
		t.Errorf("total = %v, want the flagged record only", body["total"])
	}
}

func TestExportEndpointJSON(t *testing.T) {
	s := store.NewMemoryStore()
	seedActivity(t, s, 4)
	app := newActivityApp(t, s, "sec-1", []string{"security"})

	resp, body := getJSON(t, app, "/api/v1/activity/export")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["total"].(float64) != 4 {
		t.Errorf("total = %v, want 4", body["total"])
	}
}

func TestExportEndpointCSV(t *testing.T) {
	s := store.NewMemoryStore()
	seedActivity(t, s, 2)
	app := newActivityApp(t, s, "sec-1", []string{"security"})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/api/v1/activity/export?format=csv", nil), -1)
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get(fiber.HeaderContentType); !strings.Contains(got, "text/csv") {
		t.Errorf("content type = %q", got)
	}
	if got := resp.Header.Get(fiber.HeaderContentDisposition); !strings.Contains(got, "attachment") {
		t.Errorf("content disposition = %q", got)
	}

	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header plus 2", len(rows))
	}
	if rows[0][0] != "id" {
		t.Errorf("header = %v", rows[0])
	}
}

func TestExportEndpointForbidden(t *testing.T) {
	app := newActivityApp(t, store.NewMemoryStore(), "viewer-1", []string{"user"})

	resp, _ := getJSON(t, app, "/api/v1/activity/export")
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestExportEndpointBadFormat(t *testing.T) {
	app := newActivityApp(t, store.NewMemoryStore(), "admin-1", []string{"admin"})

	resp, _ := getJSON(t, app, "/api/v1/activity/export?format=xml")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
