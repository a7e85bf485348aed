package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"caterline/internal/domain"
	"caterline/internal/events"
	"caterline/internal/platform"
)

// Pass-through operations accepted by ApplyOperation and the HTTP proxy.
const (
	OpAssignCourier   = "assignCourier"
	OpUnassignCourier = "unassignCourier"
	OpCourierEvent    = "courierEvent"
	OpTrackingEvent   = "trackingEvent"
	OpUploadImage     = "uploadImage"
)

var ErrUnknownOperation = errors.New("unknown operation")

// UpstreamError marks a platform call that reached the third party and
// failed there, as opposed to a local validation problem.
type UpstreamError struct {
	Operation string
	Message   string
}

func (e UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream call failed: %s", e.Operation, e.Message)
}

// OperationData carries operation-specific parameters; unused fields are
// ignored per operation.
type OperationData struct {
	Name        string  `json:"name,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	EventType   string  `json:"eventType,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
	Note        string  `json:"note,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	ImageBase64 string  `json:"imageBase64,omitempty"`
}

type OperationOptions struct {
	Operation  string
	DeliveryID string
	Data       OperationData
	ActorID    string
}

// OperationOutcome is returned to the proxy caller on success.
type OperationOutcome struct {
	Operation  string         `json:"operation"`
	DeliveryID string         `json:"deliveryId"`
	Order      domain.Order   `json:"order"`
	Data       map[string]any `json:"data,omitempty"`
}

// ApplyOperation dispatches one pass-through operation: validate, make
// exactly one upstream call, and on success mirror the platform's view into
// local state with an event tagged auto:false. Manual interventions are the
// only sanctioned way to move a status backwards (unassignCourier resets to
// pending).
func (e Engine) ApplyOperation(ctx context.Context, opts OperationOptions) (OperationOutcome, error) {
	if e.Config == nil {
		return OperationOutcome{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.DeliveryID) == "" {
		return OperationOutcome{}, platform.ErrMissingDeliveryID
	}
	o, err := e.Repo.GetOrderByDeliveryID(ctx, opts.DeliveryID)
	if err != nil {
		return OperationOutcome{}, err
	}
	now := e.now().UTC()

	var res platform.Result
	rec := events.Record{Operation: opts.Operation, Note: opts.Data.Note}
	newStatus := ""
	courier := domain.Courier{}
	setCourier, clearCourier := false, false
	proofURL := ""

	switch opts.Operation {
	case OpAssignCourier:
		courier = domain.Courier{Name: opts.Data.Name, Phone: opts.Data.Phone}
		if courier.Name == "" {
			return OperationOutcome{}, errors.New("courier name required")
		}
		res, err = e.Platform.AssignCourier(ctx, opts.DeliveryID, courier)
		newStatus = domain.StatusAssigned
		setCourier = true
	case OpUnassignCourier:
		res, err = e.Platform.UnassignCourier(ctx, opts.DeliveryID)
		newStatus = domain.StatusPending
		clearCourier = true
	case OpCourierEvent:
		ts := now
		if opts.Data.Timestamp != "" {
			ts, err = time.Parse(time.RFC3339, opts.Data.Timestamp)
			if err != nil {
				return OperationOutcome{}, fmt.Errorf("parse timestamp: %w", err)
			}
		}
		res, err = e.Platform.CourierEvent(ctx, opts.DeliveryID, platform.EventInput{
			EventType: opts.Data.EventType,
			Timestamp: ts,
			Note:      opts.Data.Note,
		})
		newStatus = opts.Data.EventType
		rec.EventType = opts.Data.EventType
	case OpTrackingEvent:
		ts := now
		if opts.Data.Timestamp != "" {
			ts, err = time.Parse(time.RFC3339, opts.Data.Timestamp)
			if err != nil {
				return OperationOutcome{}, fmt.Errorf("parse timestamp: %w", err)
			}
		}
		res, err = e.Platform.TrackingEvent(ctx, opts.DeliveryID, platform.GeoInput{
			Latitude:  opts.Data.Latitude,
			Longitude: opts.Data.Longitude,
			Timestamp: ts,
		})
		if rec.Note == "" {
			rec.Note = fmt.Sprintf("location %.5f,%.5f", opts.Data.Latitude, opts.Data.Longitude)
		}
	case OpUploadImage:
		res, err = e.Platform.UploadImage(ctx, opts.DeliveryID, opts.Data.ImageBase64)
		if res.Success {
			proofURL = imageURLFromResult(res)
		}
	default:
		return OperationOutcome{}, fmt.Errorf("%w: %s", ErrUnknownOperation, opts.Operation)
	}
	if err != nil {
		return OperationOutcome{}, err
	}
	if !res.Success {
		return OperationOutcome{}, UpstreamError{Operation: opts.Operation, Message: res.Error}
	}

	nowStr := now.Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return OperationOutcome{}, err
	}
	defer tx.Rollback()

	if newStatus != "" && newStatus != o.DeliveryStatus {
		if err := e.Repo.UpdateStatusTx(ctx, tx, o.ID, newStatus, nowStr); err != nil {
			return OperationOutcome{}, err
		}
		rec.Status = newStatus
		o.DeliveryStatus = newStatus
	}
	if setCourier {
		if err := e.Repo.SetCourierTx(ctx, tx, o.ID, courier.Name, courier.Phone, nowStr); err != nil {
			return OperationOutcome{}, err
		}
		o.CourierName = &courier.Name
		o.CourierPhone = &courier.Phone
	}
	if clearCourier {
		if err := e.Repo.ClearCourierTx(ctx, tx, o.ID, nowStr); err != nil {
			return OperationOutcome{}, err
		}
		o.CourierName = nil
		o.CourierPhone = nil
	}
	if proofURL != "" {
		if err := e.Repo.SetProofOfDeliveryTx(ctx, tx, o.ID, proofURL, nowStr); err != nil {
			return OperationOutcome{}, err
		}
		o.ProofOfDeliveryURL = &proofURL
	}
	if err := e.Events.Append(ctx, tx, o.ID, rec); err != nil {
		return OperationOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return OperationOutcome{}, err
	}
	o.UpdatedAt = nowStr
	return OperationOutcome{
		Operation:  opts.Operation,
		DeliveryID: opts.DeliveryID,
		Order:      o,
		Data:       res.Data,
	}, nil
}

func ValidOperation(op string) bool {
	switch op {
	case OpAssignCourier, OpUnassignCourier, OpCourierEvent, OpTrackingEvent, OpUploadImage:
		return true
	}
	return false
}

func imageURLFromResult(res platform.Result) string {
	upload, ok := res.Data["uploadDeliveryImage"].(map[string]any)
	if !ok {
		return ""
	}
	url, _ := upload["url"].(string)
	return url
}
