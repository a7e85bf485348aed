package repo_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"caterline/internal/config"
	"caterline/internal/db"
	"caterline/internal/domain"
	"caterline/internal/migrate"
	"caterline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func insertOrderAt(t *testing.T, r repo.Repo, status, deliveryTime string, withDeliveryID bool) domain.Order {
	t.Helper()
	id := uuid.New().String()
	nowStr := time.Now().UTC().Format(time.RFC3339)
	o := domain.Order{
		ID:                  id,
		OrderNumber:         fmt.Sprintf("ORD-%s", id[:8]),
		SourceSystem:        "ezcater",
		DeliveryTime:        deliveryTime,
		DeliveryStatus:      status,
		AutoTrackingEnabled: true,
		CreatedAt:           nowStr,
		UpdatedAt:           nowStr,
	}
	if withDeliveryID {
		deliveryID := "del-" + id[:8]
		o.ExternalDeliveryID = &deliveryID
	}
	if err := r.InsertOrder(context.Background(), o); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return o
}

func TestEligibilityWindow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	ts := func(d time.Duration) string { return dayStart.Add(d).UTC().Format(time.RFC3339) }
	inWindow := insertOrderAt(t, r, domain.StatusPending, ts(10*time.Hour), true)
	atStart := insertOrderAt(t, r, domain.StatusAssigned, ts(0), true)
	beforeWindow := insertOrderAt(t, r, domain.StatusPending, ts(-time.Minute), true)
	atEnd := insertOrderAt(t, r, domain.StatusPending, ts(48*time.Hour), true)
	terminal := insertOrderAt(t, r, domain.StatusDelivered, ts(10*time.Hour), true)
	cancelled := insertOrderAt(t, r, domain.StatusCancelled, ts(10*time.Hour), true)
	noDeliveryID := insertOrderAt(t, r, domain.StatusPending, ts(10*time.Hour), false)

	got, err := r.FindEligibleForAutoTracking(ctx, now, "ezcater", loc)
	if err != nil {
		t.Fatalf("find eligible: %v", err)
	}
	want := map[string]bool{inWindow.ID: true, atStart.ID: true}
	excluded := []string{beforeWindow.ID, atEnd.ID, terminal.ID, cancelled.ID, noDeliveryID.ID}
	if len(got) != len(want) {
		t.Fatalf("eligible = %d orders, want %d: %+v", len(got), len(want), got)
	}
	for _, o := range got {
		if !want[o.ID] {
			t.Errorf("unexpected eligible order %s (%s at %s)", o.ID, o.DeliveryStatus, o.DeliveryTime)
		}
		for _, ex := range excluded {
			if o.ID == ex {
				t.Errorf("excluded order %s selected", ex)
			}
		}
	}
}

func TestEligibilityWindowHonorsOffsetTimestamps(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)

	// 2026-03-12T03:00:00+05:00 is 2026-03-11T22:00:00Z, inside the window,
	// even though the raw string sorts after the UTC window end.
	offset := insertOrderAt(t, r, domain.StatusPending, "2026-03-12T03:00:00+05:00", true)
	// 2026-03-09T20:00:00-08:00 is 2026-03-10T04:00:00Z, before the window,
	// even though the raw date looks like yesterday either way.
	early := insertOrderAt(t, r, domain.StatusPending, "2026-03-09T20:00:00-08:00", true)

	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.FindEligibleForAutoTracking(ctx, now, "ezcater", loc)
	if err != nil {
		t.Fatalf("find eligible: %v", err)
	}
	if len(got) != 1 || got[0].ID != offset.ID {
		t.Fatalf("eligible = %+v, want only order %s (not %s)", got, offset.ID, early.ID)
	}
}

func TestListOrdersTimeFiltersHonorOffsets(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	// Same instant, 2026-03-11T22:00:00Z, written with an offset.
	o := insertOrderAt(t, r, domain.StatusPending, "2026-03-12T03:00:00+05:00", true)

	got, err := r.ListOrders(ctx, repo.OrderFilters{
		After:  "2026-03-11T00:00:00Z",
		Before: "2026-03-12T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != o.ID {
		t.Fatalf("filtered orders = %+v, want the offset order", got)
	}
	got, err = r.ListOrders(ctx, repo.OrderFilters{After: "2026-03-12T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("orders after 03-12 = %+v, want none", got)
	}
}

func TestEligibilityFiltersSource(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	o := insertOrderAt(t, r, domain.StatusPending, now.Add(2*time.Hour).Format(time.RFC3339), true)

	got, err := r.FindEligibleForAutoTracking(ctx, now, "other-system", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("orders from a different source selected: %+v", got)
	}
	got, err = r.FindEligibleForAutoTracking(ctx, now, "ezcater", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != o.ID {
		t.Fatalf("eligible = %+v, want the seeded order", got)
	}
}

func TestReconfirmedAtIsWriteOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	o := insertOrderAt(t, r, domain.StatusAssigned, now.Add(24*time.Hour).Format(time.RFC3339), true)

	set := func(ts string) {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer tx.Rollback()
		if err := r.SetReconfirmedTx(ctx, tx, o.ID, ts); err != nil {
			t.Fatalf("set reconfirmed: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	set("2026-03-09T18:00:00Z")
	set("2026-03-09T19:00:00Z")

	got, err := r.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReconfirmedAt == nil || *got.ReconfirmedAt != "2026-03-09T18:00:00Z" {
		t.Fatalf("reconfirmed_at = %v, want first write preserved", got.ReconfirmedAt)
	}
}

func TestDuplicateOrderNumberRejected(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	nowStr := time.Now().UTC().Format(time.RFC3339)
	o := domain.Order{
		ID: uuid.New().String(), OrderNumber: "CK-1", SourceSystem: "ezcater",
		DeliveryTime: nowStr, DeliveryStatus: domain.StatusPending,
		CreatedAt: nowStr, UpdatedAt: nowStr,
	}
	if err := r.InsertOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	o.ID = uuid.New().String()
	if err := r.InsertOrder(ctx, o); err == nil {
		t.Fatal("duplicate order_number accepted")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.GetSettings(ctx); err != repo.ErrNotFound {
		t.Fatalf("empty settings err = %v, want ErrNotFound", err)
	}
	cfg := config.Default("Settings Kitchen")
	cfg.Tracking.PickedUpLeadMinutes = 45
	if err := r.UpsertSettings(ctx, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := r.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Restaurant.Name != "Settings Kitchen" || got.Tracking.PickedUpLeadMinutes != 45 {
		t.Fatalf("settings = %+v", got)
	}
}

func TestAPIKeyLookupByHash(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	key := domain.APIKey{
		ID:      uuid.New().String(),
		ActorID: "tester",
		Name:    "ci",
		KeyHash: repo.HashAPIKey("secret-value"),
	}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret-value"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ActorID != "tester" {
		t.Fatalf("actor = %s", got.ActorID)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("wrong")); err != repo.ErrNotFound {
		t.Fatalf("wrong key err = %v, want ErrNotFound", err)
	}
}
