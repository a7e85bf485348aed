package events

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Writer appends tracking-event records inside the caller's transaction so
// a status write and its event land atomically. The log is append-only;
// there is no update or delete path.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Record is one tracking log entry. Status is set for lifecycle status
// changes, Operation for platform pass-through operations.
type Record struct {
	Status    string
	Operation string
	EventType string
	Auto      bool
	Note      string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, orderID string, rec Record) error {
	if orderID == "" {
		return errors.New("order id required")
	}
	if rec.Status == "" && rec.Operation == "" {
		return errors.New("tracking event needs a status or an operation")
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO tracking_events(order_id,ts,status,operation,event_type,auto,note) VALUES (?,?,?,?,?,?,?)`,
		orderID, ts, nullable(rec.Status), nullable(rec.Operation), nullable(rec.EventType), boolInt(rec.Auto), rec.Note)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
