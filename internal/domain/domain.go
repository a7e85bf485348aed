package domain

import "time"

// Delivery statuses, in lifecycle order. The automated tracker only ever
// moves an order forward through this sequence; cancelled is set manually
// and excludes the order from tracking.
const (
	StatusPending   = "pending"
	StatusAssigned  = "assigned"
	StatusPickedUp  = "picked_up"
	StatusInTransit = "in_transit"
	StatusDelivered = "delivered"
	StatusCancelled = "cancelled"
)

var statusRank = map[string]int{
	StatusPending:   0,
	StatusAssigned:  1,
	StatusPickedUp:  2,
	StatusInTransit: 3,
	StatusDelivered: 4,
}

// StatusRank returns the lifecycle rank of a status and whether the status
// participates in the automated lifecycle at all.
func StatusRank(status string) (int, bool) {
	r, ok := statusRank[status]
	return r, ok
}

// StatusAdvances reports whether moving from old to new is a forward step.
func StatusAdvances(oldStatus, newStatus string) bool {
	or, ok := statusRank[oldStatus]
	if !ok {
		return false
	}
	nr, ok := statusRank[newStatus]
	if !ok {
		return false
	}
	return nr > or
}

// Courier lifecycle event types accepted by the delivery platform.
const (
	EventPickedUp  = "picked_up"
	EventInTransit = "in_transit"
	EventDelivered = "delivered"
)

// NormalizeTime parses an RFC3339 timestamp and rewrites it in UTC, so
// stored values sort chronologically regardless of the offset the caller
// supplied.
func NormalizeTime(s string) (string, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return "", err
	}
	return t.UTC().Format(time.RFC3339), nil
}

func ValidEventType(t string) bool {
	switch t {
	case EventPickedUp, EventInTransit, EventDelivered:
		return true
	}
	return false
}

type Order struct {
	ID                  string  `json:"id"`
	OrderNumber         string  `json:"order_number"`
	ExternalDeliveryID  *string `json:"external_delivery_id,omitempty"`
	SourceSystem        string  `json:"source_system"`
	CustomerName        string  `json:"customer_name,omitempty"`
	DeliveryAddress     string  `json:"delivery_address,omitempty"`
	DeliveryTime        string  `json:"delivery_time" format:"date-time"`
	DeliveryStatus      string  `json:"delivery_status" enum:"pending,assigned,picked_up,in_transit,delivered,cancelled"`
	CourierName         *string `json:"courier_name,omitempty"`
	CourierPhone        *string `json:"courier_phone,omitempty"`
	AutoTrackingEnabled bool    `json:"auto_tracking_enabled"`
	ReconfirmedAt       *string `json:"reconfirmed_at,omitempty" format:"date-time"`
	LastAutoUpdateAt    *string `json:"last_auto_update_at,omitempty" format:"date-time"`
	ProofOfDeliveryURL  *string `json:"proof_of_delivery_url,omitempty"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

// TrackingEvent is one entry of an order's append-only tracking log.
// Status is set for lifecycle status changes, Operation for pass-through
// platform operations; either may be empty but never both.
type TrackingEvent struct {
	ID        int64   `json:"id"`
	OrderID   string  `json:"order_id"`
	TS        string  `json:"ts" format:"date-time"`
	Status    *string `json:"status,omitempty"`
	Operation *string `json:"operation,omitempty"`
	EventType *string `json:"event_type,omitempty"`
	Auto      bool    `json:"auto"`
	Note      string  `json:"note"`
}

// Kind is the value webhook filters and the event log CLI key on:
// the operation name when present, otherwise "status."+status.
func (e TrackingEvent) Kind() string {
	if e.Operation != nil && *e.Operation != "" {
		return *e.Operation
	}
	if e.Status != nil && *e.Status != "" {
		return "status." + *e.Status
	}
	return "unknown"
}

type Courier struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
