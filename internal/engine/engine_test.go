package engine_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"caterline/internal/config"
	"caterline/internal/db"
	"caterline/internal/domain"
	"caterline/internal/engine"
	"caterline/internal/migrate"
	"caterline/internal/platform"
)

type fakePlatform struct {
	calls         []string
	failEvents    bool
	failReconfirm bool
	failAssign    bool
}

func (f *fakePlatform) result(fail bool) platform.Result {
	if fail {
		return platform.Result{Success: false, Error: "upstream says no"}
	}
	return platform.Result{Success: true, Data: map[string]any{}}
}

func (f *fakePlatform) AssignCourier(ctx context.Context, deliveryID string, courier domain.Courier) (platform.Result, error) {
	f.calls = append(f.calls, "assign:"+deliveryID)
	return f.result(f.failAssign), nil
}

func (f *fakePlatform) UnassignCourier(ctx context.Context, deliveryID string) (platform.Result, error) {
	f.calls = append(f.calls, "unassign:"+deliveryID)
	return f.result(false), nil
}

func (f *fakePlatform) CourierEvent(ctx context.Context, deliveryID string, in platform.EventInput) (platform.Result, error) {
	f.calls = append(f.calls, "event:"+in.EventType)
	return f.result(f.failEvents), nil
}

func (f *fakePlatform) TrackingEvent(ctx context.Context, deliveryID string, in platform.GeoInput) (platform.Result, error) {
	f.calls = append(f.calls, "geo")
	return f.result(false), nil
}

func (f *fakePlatform) UploadImage(ctx context.Context, deliveryID, imageBase64 string) (platform.Result, error) {
	f.calls = append(f.calls, "image")
	return f.result(false), nil
}

func (f *fakePlatform) Reconfirm(ctx context.Context, deliveryID string) (platform.Result, error) {
	f.calls = append(f.calls, "reconfirm:"+deliveryID)
	return f.result(f.failReconfirm), nil
}

type testEnv struct {
	Engine   engine.Engine
	Platform *fakePlatform
	Ctx      context.Context
	Now      time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fake := &fakePlatform{}
	cfg := config.Default("Test Kitchen")
	eng := engine.New(conn, cfg, fake)
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	return testEnv{Engine: eng, Platform: fake, Ctx: context.Background(), Now: now}
}

type orderSpec struct {
	status        string
	minutesUntil  int
	noDeliveryID  bool
	noAutoTrack   bool
	courier       string
	reconfirmedAt string
	deliveryTime  string
}

func (env testEnv) insertOrder(t *testing.T, spec orderSpec) domain.Order {
	t.Helper()
	nowStr := env.Now.Format(time.RFC3339)
	deliveryTime := spec.deliveryTime
	if deliveryTime == "" {
		deliveryTime = env.Now.Add(time.Duration(spec.minutesUntil) * time.Minute).Format(time.RFC3339)
	}
	o := domain.Order{
		ID:                  uuid.New().String(),
		OrderNumber:         fmt.Sprintf("ORD-%s", uuid.New().String()[:8]),
		SourceSystem:        env.Engine.Config.Platform.Source,
		CustomerName:        "Test Customer",
		DeliveryAddress:     "1 Main St",
		DeliveryTime:        deliveryTime,
		DeliveryStatus:      spec.status,
		AutoTrackingEnabled: !spec.noAutoTrack,
		CreatedAt:           nowStr,
		UpdatedAt:           nowStr,
	}
	if !spec.noDeliveryID {
		id := "del-" + o.ID[:8]
		o.ExternalDeliveryID = &id
	}
	if spec.courier != "" {
		o.CourierName = &spec.courier
	}
	if spec.reconfirmedAt != "" {
		o.ReconfirmedAt = &spec.reconfirmedAt
	}
	if err := env.Engine.Repo.InsertOrder(env.Ctx, o); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return o
}

func TestDecide(t *testing.T) {
	leads := engine.Leads{PickedUpMinutes: 30, InTransitMinutes: 15}
	cases := []struct {
		current   string
		minutes   int
		want      string
		wantEvent string
		ok        bool
	}{
		{domain.StatusPending, 120, domain.StatusAssigned, "", true},
		{domain.StatusAssigned, 120, "", "", false},
		{domain.StatusAssigned, 30, domain.StatusPickedUp, domain.EventPickedUp, true},
		{domain.StatusPickedUp, 25, "", "", false},
		{domain.StatusPickedUp, 15, domain.StatusInTransit, domain.EventInTransit, true},
		{domain.StatusInTransit, 10, "", "", false},
		{domain.StatusInTransit, 0, domain.StatusDelivered, domain.EventDelivered, true},
		{domain.StatusAssigned, -5, domain.StatusDelivered, domain.EventDelivered, true},
		{domain.StatusDelivered, -60, "", "", false},
		// an order that missed polls jumps to the furthest applicable status
		{domain.StatusPending, 10, domain.StatusInTransit, domain.EventInTransit, true},
		{domain.StatusPending, 20, domain.StatusPickedUp, domain.EventPickedUp, true},
		{domain.StatusPending, -1, domain.StatusDelivered, domain.EventDelivered, true},
	}
	for _, c := range cases {
		d, ok := engine.Decide(leads, c.current, c.minutes)
		if ok != c.ok || d.NewStatus != c.want || d.EventType != c.wantEvent {
			t.Errorf("Decide(%s, %d) = (%q, %q, %v), want (%q, %q, %v)",
				c.current, c.minutes, d.NewStatus, d.EventType, ok, c.want, c.wantEvent, c.ok)
		}
	}
}

func TestPendingOrderGetsDefaultCourier(t *testing.T) {
	env := newTestEnv(t)
	o := env.insertOrder(t, orderSpec{status: domain.StatusPending, minutesUntil: 120})

	sum, err := env.Engine.RunAutoTracking(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Updated != 1 {
		t.Fatalf("updated = %d, want 1", sum.Updated)
	}
	got, err := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryStatus != domain.StatusAssigned {
		t.Fatalf("status = %s, want assigned", got.DeliveryStatus)
	}
	if got.CourierName == nil || *got.CourierName != env.Engine.Config.DefaultCourier.Name {
		t.Fatalf("courier = %v, want default courier", got.CourierName)
	}
	if got.LastAutoUpdateAt == nil {
		t.Fatal("last_auto_update_at not set")
	}
	// assignment is not a courier lifecycle event upstream
	for _, call := range env.Platform.calls {
		if call == "event:"+domain.EventPickedUp {
			t.Fatalf("unexpected courier event: %v", env.Platform.calls)
		}
	}
}

func TestExistingCourierIsPreserved(t *testing.T) {
	env := newTestEnv(t)
	o := env.insertOrder(t, orderSpec{status: domain.StatusPending, minutesUntil: 120, courier: "Maria"})

	if _, err := env.Engine.RunAutoTracking(env.Ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CourierName == nil || *got.CourierName != "Maria" {
		t.Fatalf("courier = %v, want Maria", got.CourierName)
	}
	for _, call := range env.Platform.calls {
		if call == "assign:"+*o.ExternalDeliveryID {
			t.Fatal("courier reassigned over an existing assignment")
		}
	}
}

func TestMissedPollsJumpToFurthestStatus(t *testing.T) {
	env := newTestEnv(t)
	o := env.insertOrder(t, orderSpec{status: domain.StatusPending, minutesUntil: 10})

	sum, err := env.Engine.RunAutoTracking(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Updated != 1 {
		t.Fatalf("updated = %d, want 1", sum.Updated)
	}
	got, _ := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if got.DeliveryStatus != domain.StatusInTransit {
		t.Fatalf("status = %s, want in_transit", got.DeliveryStatus)
	}
	events, err := env.Engine.Repo.ListTrackingEvents(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 (one step per pass)", len(events))
	}
	if events[0].Status == nil || *events[0].Status != domain.StatusInTransit || !events[0].Auto {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestDeliveredIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	o := env.insertOrder(t, orderSpec{status: domain.StatusDelivered, minutesUntil: -30})

	sum, err := env.Engine.RunAutoTracking(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Updated != 0 {
		t.Fatalf("updated = %d, want 0", sum.Updated)
	}
	events, _ := env.Engine.Repo.ListTrackingEvents(env.Ctx, o.ID)
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
}

func TestPastDueOrderMarkedDelivered(t *testing.T) {
	env := newTestEnv(t)
	o := env.insertOrder(t, orderSpec{status: domain.StatusInTransit, minutesUntil: -5})

	if _, err := env.Engine.RunAutoTracking(env.Ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if got.DeliveryStatus != domain.StatusDelivered {
		t.Fatalf("status = %s, want delivered", got.DeliveryStatus)
	}
}

func TestReconfirmFiresOncePerOrder(t *testing.T) {
	env := newTestEnv(t)
	o := env.insertOrder(t, orderSpec{status: domain.StatusAssigned, minutesUntil: 1440, courier: "Maria"})

	if _, err := env.Engine.RunAutoTracking(env.Ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if got.ReconfirmedAt == nil {
		t.Fatal("reconfirmed_at not set")
	}
	if got.DeliveryStatus != domain.StatusAssigned {
		t.Fatalf("status = %s, want assigned (reconfirm must not move status)", got.DeliveryStatus)
	}

	reconfirms := 0
	for _, call := range env.Platform.calls {
		if call == "reconfirm:"+*o.ExternalDeliveryID {
			reconfirms++
		}
	}
	if reconfirms != 1 {
		t.Fatalf("reconfirm calls = %d, want 1", reconfirms)
	}

	// second pass while still inside the window: no repeat
	if _, err := env.Engine.RunAutoTracking(env.Ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	reconfirms = 0
	for _, call := range env.Platform.calls {
		if call == "reconfirm:"+*o.ExternalDeliveryID {
			reconfirms++
		}
	}
	if reconfirms != 1 {
		t.Fatalf("reconfirm calls after second pass = %d, want 1", reconfirms)
	}
	events, _ := env.Engine.Repo.ListTrackingEvents(env.Ctx, o.ID)
	if len(events) != 1 || events[0].Operation == nil || *events[0].Operation != "reconfirm" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestReconfirmSkippedOutsideWindow(t *testing.T) {
	env := newTestEnv(t)
	win := env.Engine.Config.Tracking.Reconfirm
	env.insertOrder(t, orderSpec{status: domain.StatusAssigned, minutesUntil: win.MaxMinutes + 60, courier: "Maria"})

	if _, err := env.Engine.RunAutoTracking(env.Ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, call := range env.Platform.calls {
		if strings.HasPrefix(call, "reconfirm") {
			t.Fatalf("reconfirm fired outside the window: %v", env.Platform.calls)
		}
	}
}

func TestUpstreamFailureStillCommitsLocally(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.failEvents = true
	o := env.insertOrder(t, orderSpec{status: domain.StatusAssigned, minutesUntil: 20})

	sum, err := env.Engine.RunAutoTracking(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Updated != 1 {
		t.Fatalf("updated = %d, want 1 despite upstream failure", sum.Updated)
	}
	if len(sum.Errors) == 0 {
		t.Fatal("upstream failure not surfaced in run summary")
	}
	got, _ := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if got.DeliveryStatus != domain.StatusPickedUp {
		t.Fatalf("status = %s, want picked_up", got.DeliveryStatus)
	}
	events, _ := env.Engine.Repo.ListTrackingEvents(env.Ctx, o.ID)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
}

func TestMalformedDeliveryTimeIsolated(t *testing.T) {
	env := newTestEnv(t)
	bad := env.insertOrder(t, orderSpec{status: domain.StatusPending, deliveryTime: "tomorrow-ish"})
	good := env.insertOrder(t, orderSpec{status: domain.StatusPending, minutesUntil: 120})

	sum, err := env.Engine.RunAutoTracking(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Updated != 1 {
		t.Fatalf("updated = %d, want 1", sum.Updated)
	}
	if len(sum.Errors) != 1 || sum.Errors[0].OrderID != bad.ID {
		t.Fatalf("errors = %+v, want one entry for the malformed order", sum.Errors)
	}
	got, _ := env.Engine.Repo.GetOrder(env.Ctx, good.ID)
	if got.DeliveryStatus != domain.StatusAssigned {
		t.Fatalf("good order status = %s, want assigned", got.DeliveryStatus)
	}
}

func TestEligibilityFilters(t *testing.T) {
	env := newTestEnv(t)
	noTrack := env.insertOrder(t, orderSpec{status: domain.StatusPending, minutesUntil: 120, noAutoTrack: true})
	noDelivery := env.insertOrder(t, orderSpec{status: domain.StatusPending, minutesUntil: 120, noDeliveryID: true})

	sum, err := env.Engine.RunAutoTracking(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Updated != 0 {
		t.Fatalf("updated = %d, want 0", sum.Updated)
	}
	for _, id := range []string{noTrack.ID, noDelivery.ID} {
		got, _ := env.Engine.Repo.GetOrder(env.Ctx, id)
		if got.DeliveryStatus != domain.StatusPending {
			t.Fatalf("order %s status = %s, want untouched pending", id, got.DeliveryStatus)
		}
	}
}

func TestApplyOperationAssignCourier(t *testing.T) {
	env := newTestEnv(t)
	o := env.insertOrder(t, orderSpec{status: domain.StatusPending, minutesUntil: 120})

	out, err := env.Engine.ApplyOperation(env.Ctx, engine.OperationOptions{
		Operation:  engine.OpAssignCourier,
		DeliveryID: *o.ExternalDeliveryID,
		Data:       engine.OperationData{Name: "Maria", Phone: "555-0101"},
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Order.DeliveryStatus != domain.StatusAssigned {
		t.Fatalf("status = %s, want assigned", out.Order.DeliveryStatus)
	}
	if out.Order.CourierName == nil || *out.Order.CourierName != "Maria" {
		t.Fatalf("courier = %v, want Maria", out.Order.CourierName)
	}
	events, _ := env.Engine.Repo.ListTrackingEvents(env.Ctx, o.ID)
	if len(events) != 1 || events[0].Auto {
		t.Fatalf("want one manual event, got %+v", events)
	}
	if events[0].Operation == nil || *events[0].Operation != engine.OpAssignCourier {
		t.Fatalf("event operation = %v", events[0].Operation)
	}
}

func TestApplyOperationUnassignResetsToPending(t *testing.T) {
	env := newTestEnv(t)
	o := env.insertOrder(t, orderSpec{status: domain.StatusAssigned, minutesUntil: 120, courier: "Maria"})

	out, err := env.Engine.ApplyOperation(env.Ctx, engine.OperationOptions{
		Operation:  engine.OpUnassignCourier,
		DeliveryID: *o.ExternalDeliveryID,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Order.DeliveryStatus != domain.StatusPending {
		t.Fatalf("status = %s, want pending", out.Order.DeliveryStatus)
	}
	if out.Order.CourierName != nil {
		t.Fatalf("courier = %v, want cleared", out.Order.CourierName)
	}
}

func TestApplyOperationUnknownDelivery(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ApplyOperation(env.Ctx, engine.OperationOptions{
		Operation:  engine.OpAssignCourier,
		DeliveryID: "nope",
		Data:       engine.OperationData{Name: "Maria"},
	})
	if err == nil {
		t.Fatal("expected not found error")
	}
}

func TestApplyOperationUpstreamFailureDoesNotCommit(t *testing.T) {
	env := newTestEnv(t)
	env.Platform.failAssign = true
	o := env.insertOrder(t, orderSpec{status: domain.StatusPending, minutesUntil: 120})

	_, err := env.Engine.ApplyOperation(env.Ctx, engine.OperationOptions{
		Operation:  engine.OpAssignCourier,
		DeliveryID: *o.ExternalDeliveryID,
		Data:       engine.OperationData{Name: "Maria"},
	})
	if err == nil {
		t.Fatal("expected upstream error")
	}
	got, _ := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if got.DeliveryStatus != domain.StatusPending || got.CourierName != nil {
		t.Fatalf("order mutated despite upstream failure: %+v", got)
	}
	events, _ := env.Engine.Repo.ListTrackingEvents(env.Ctx, o.ID)
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
}
