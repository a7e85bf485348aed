package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"caterline/internal/config"
	"caterline/internal/domain"
	"caterline/internal/events"
	"caterline/internal/platform"
	"caterline/internal/repo"
)

// PlatformClient is the outbound surface of the delivery platform. The
// concrete implementation lives in internal/platform; tests substitute a
// fake.
type PlatformClient interface {
	AssignCourier(ctx context.Context, deliveryID string, courier domain.Courier) (platform.Result, error)
	UnassignCourier(ctx context.Context, deliveryID string) (platform.Result, error)
	CourierEvent(ctx context.Context, deliveryID string, in platform.EventInput) (platform.Result, error)
	TrackingEvent(ctx context.Context, deliveryID string, in platform.GeoInput) (platform.Result, error)
	UploadImage(ctx context.Context, deliveryID, imageBase64 string) (platform.Result, error)
	Reconfirm(ctx context.Context, deliveryID string) (platform.Result, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Platform PlatformClient
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, pc PlatformClient) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Platform: pc,
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Leads are the time-before-delivery thresholds driving transitions.
type Leads struct {
	PickedUpMinutes  int
	InTransitMinutes int
}

func (e Engine) leads() Leads {
	return Leads{
		PickedUpMinutes:  e.Config.Tracking.PickedUpLeadMinutes,
		InTransitMinutes: e.Config.Tracking.InTransitLeadMinutes,
	}
}

// Decision is the outcome of the per-order rule table. EventType is the
// lifecycle event to emit upstream; it is empty for the pending->assigned
// step, which is an assignment rather than a courier event.
type Decision struct {
	NewStatus string
	EventType string
}

// Decide evaluates the ordered transition rules for one order. The first
// matching rule wins, most-advanced first, so an order that missed
// intermediate polls lands directly on the furthest applicable status.
func Decide(l Leads, current string, minutesUntil int) (Decision, bool) {
	switch {
	case current == domain.StatusDelivered:
		return Decision{}, false
	case minutesUntil <= 0:
		return Decision{NewStatus: domain.StatusDelivered, EventType: domain.EventDelivered}, true
	case minutesUntil <= l.InTransitMinutes && current != domain.StatusInTransit:
		return Decision{NewStatus: domain.StatusInTransit, EventType: domain.EventInTransit}, true
	case minutesUntil <= l.PickedUpMinutes && current != domain.StatusPickedUp && current != domain.StatusInTransit:
		return Decision{NewStatus: domain.StatusPickedUp, EventType: domain.EventPickedUp}, true
	case current == domain.StatusPending:
		return Decision{NewStatus: domain.StatusAssigned}, true
	default:
		return Decision{}, false
	}
}

// DeliveryUpdate is one order's delta from a tracking pass.
type DeliveryUpdate struct {
	OrderID              string `json:"order_id"`
	OrderNumber          string `json:"order_number"`
	OldStatus            string `json:"old_status"`
	NewStatus            string `json:"new_status"`
	MinutesUntilDelivery int    `json:"minutes_until_delivery"`
}

// OrderError records a per-order failure that did not abort the pass.
type OrderError struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error"`
}

type RunSummary struct {
	Updated int              `json:"updated"`
	Updates []DeliveryUpdate `json:"updates"`
	Errors  []OrderError     `json:"errors,omitempty"`
}

// RunAutoTracking performs one tracking pass over all eligible orders.
// Each order is processed and committed independently; a failure on one
// order is recorded and the pass continues. Only a store-level failure
// loading the batch aborts the invocation.
func (e Engine) RunAutoTracking(ctx context.Context) (RunSummary, error) {
	if e.Config == nil {
		return RunSummary{}, errors.New("config not loaded")
	}
	now := e.now().UTC()
	orders, err := e.Repo.FindEligibleForAutoTracking(ctx, now, e.Config.Platform.Source, e.Config.Location())
	if err != nil {
		return RunSummary{}, fmt.Errorf("load eligible orders: %w", err)
	}
	var sum RunSummary
	for _, o := range orders {
		upd, upstreamErrs, err := e.processOrder(ctx, o, now)
		if err != nil {
			log.Printf("tracking: order %s (%s) skipped: %v", o.ID, o.OrderNumber, err)
			sum.Errors = append(sum.Errors, OrderError{OrderID: o.ID, Error: err.Error()})
			continue
		}
		for _, msg := range upstreamErrs {
			log.Printf("tracking: order %s (%s): %s", o.ID, o.OrderNumber, msg)
			sum.Errors = append(sum.Errors, OrderError{OrderID: o.ID, Error: msg})
		}
		if upd != nil {
			sum.Updates = append(sum.Updates, *upd)
			sum.Updated++
		}
	}
	return sum, nil
}

// processOrder advances a single order at most one step. Upstream call
// failures are returned as messages, not errors: the local write commits
// regardless and the divergence is reported for reconciliation.
func (e Engine) processOrder(ctx context.Context, o domain.Order, now time.Time) (*DeliveryUpdate, []string, error) {
	dt, err := time.Parse(time.RFC3339, o.DeliveryTime)
	if err != nil {
		return nil, nil, fmt.Errorf("parse delivery_time %q: %w", o.DeliveryTime, err)
	}
	minutes := int(dt.Sub(now).Minutes())
	var upstreamErrs []string

	if msg, err := e.maybeReconfirm(ctx, o, minutes); err != nil {
		return nil, upstreamErrs, err
	} else if msg != "" {
		upstreamErrs = append(upstreamErrs, msg)
	}

	d, ok := Decide(e.leads(), o.DeliveryStatus, minutes)
	if !ok {
		return nil, upstreamErrs, nil
	}
	// The rule table never regresses, but guard anyway: a manual change
	// racing this pass must not be walked backwards.
	if !domain.StatusAdvances(o.DeliveryStatus, d.NewStatus) {
		return nil, upstreamErrs, nil
	}

	deliveryID := ""
	if o.ExternalDeliveryID != nil {
		deliveryID = *o.ExternalDeliveryID
	}

	note := "auto status update"
	if d.EventType != "" {
		res, err := e.Platform.CourierEvent(ctx, deliveryID, platform.EventInput{
			EventType: d.EventType,
			Timestamp: now,
			Note:      note,
		})
		if err != nil {
			return nil, upstreamErrs, fmt.Errorf("courier event: %w", err)
		}
		if !res.Success {
			msg := fmt.Sprintf("upstream %s event failed: %s", d.EventType, res.Error)
			upstreamErrs = append(upstreamErrs, msg)
			note = note + "; " + msg
		}
	}

	assignCourier := false
	courier := domain.Courier{}
	if o.DeliveryStatus == domain.StatusPending && d.NewStatus == domain.StatusAssigned &&
		(o.CourierName == nil || *o.CourierName == "") {
		assignCourier = true
		courier = domain.Courier{Name: e.Config.DefaultCourier.Name, Phone: e.Config.DefaultCourier.Phone}
		res, err := e.Platform.AssignCourier(ctx, deliveryID, courier)
		if err != nil {
			return nil, upstreamErrs, fmt.Errorf("assign courier: %w", err)
		}
		if !res.Success {
			upstreamErrs = append(upstreamErrs, fmt.Sprintf("upstream courier assignment failed: %s", res.Error))
		}
	}

	nowStr := now.Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, upstreamErrs, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateStatusTx(ctx, tx, o.ID, d.NewStatus, nowStr); err != nil {
		return nil, upstreamErrs, fmt.Errorf("update status: %w", err)
	}
	if assignCourier {
		if err := e.Repo.SetCourierTx(ctx, tx, o.ID, courier.Name, courier.Phone, nowStr); err != nil {
			return nil, upstreamErrs, fmt.Errorf("set courier: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, o.ID, events.Record{
		Status:    d.NewStatus,
		EventType: d.EventType,
		Auto:      true,
		Note:      note,
	}); err != nil {
		return nil, upstreamErrs, fmt.Errorf("append event: %w", err)
	}
	if err := e.Repo.SetLastAutoUpdateTx(ctx, tx, o.ID, nowStr); err != nil {
		return nil, upstreamErrs, err
	}
	if err := tx.Commit(); err != nil {
		return nil, upstreamErrs, err
	}
	return &DeliveryUpdate{
		OrderID:              o.ID,
		OrderNumber:          o.OrderNumber,
		OldStatus:            o.DeliveryStatus,
		NewStatus:            d.NewStatus,
		MinutesUntilDelivery: minutes,
	}, upstreamErrs, nil
}

// maybeReconfirm issues the one-shot day-ahead reconfirmation when the
// order falls inside the configured window and has not been reconfirmed
// yet. The timestamp is written whether or not the upstream call succeeds;
// a failed call is reported but not retried outside the window.
func (e Engine) maybeReconfirm(ctx context.Context, o domain.Order, minutesUntil int) (string, error) {
	if o.ReconfirmedAt != nil {
		return "", nil
	}
	win := e.Config.Tracking.Reconfirm
	if minutesUntil < win.MinMinutes || minutesUntil > win.MaxMinutes {
		return "", nil
	}
	deliveryID := ""
	if o.ExternalDeliveryID != nil {
		deliveryID = *o.ExternalDeliveryID
	}
	res, err := e.Platform.Reconfirm(ctx, deliveryID)
	if err != nil {
		return "", fmt.Errorf("reconfirm: %w", err)
	}
	msg := ""
	note := "day-ahead reconfirmation"
	if !res.Success {
		msg = fmt.Sprintf("upstream reconfirmation failed: %s", res.Error)
		note = note + "; " + msg
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return msg, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetReconfirmedTx(ctx, tx, o.ID, nowStr); err != nil {
		return msg, fmt.Errorf("set reconfirmed: %w", err)
	}
	if err := e.Events.Append(ctx, tx, o.ID, events.Record{
		Operation: "reconfirm",
		Auto:      true,
		Note:      note,
	}); err != nil {
		return msg, fmt.Errorf("append event: %w", err)
	}
	return msg, tx.Commit()
}
