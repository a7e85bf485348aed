package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"caterline/internal/config"
	"caterline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const orderColumns = `id,order_number,external_delivery_id,source_system,
COALESCE(customer_name,'') AS customer_name,COALESCE(delivery_address,'') AS delivery_address,
delivery_time,delivery_status,courier_name,courier_phone,auto_tracking_enabled,
reconfirmed_at,last_auto_update_at,proof_of_delivery_url,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var (
		externalID, courierName, courierPhone   sql.NullString
		reconfirmedAt, lastAutoUpdate, proofURL sql.NullString
		autoTracking                            int
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &externalID, &o.SourceSystem,
		&o.CustomerName, &o.DeliveryAddress,
		&o.DeliveryTime, &o.DeliveryStatus, &courierName, &courierPhone, &autoTracking,
		&reconfirmedAt, &lastAutoUpdate, &proofURL, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.ExternalDeliveryID = nullStringPtr(externalID)
	o.CourierName = nullStringPtr(courierName)
	o.CourierPhone = nullStringPtr(courierPhone)
	o.ReconfirmedAt = nullStringPtr(reconfirmedAt)
	o.LastAutoUpdateAt = nullStringPtr(lastAutoUpdate)
	o.ProofOfDeliveryURL = nullStringPtr(proofURL)
	o.AutoTrackingEnabled = autoTracking != 0
	return o, nil
}

func (r Repo) InsertOrder(ctx context.Context, o domain.Order) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO orders(
id,order_number,external_delivery_id,source_system,customer_name,delivery_address,
delivery_time,delivery_status,courier_name,courier_phone,auto_tracking_enabled,
reconfirmed_at,last_auto_update_at,proof_of_delivery_url,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.OrderNumber, nullableStringPtr(o.ExternalDeliveryID), o.SourceSystem,
		nullable(o.CustomerName), nullable(o.DeliveryAddress),
		o.DeliveryTime, o.DeliveryStatus, nullableStringPtr(o.CourierName), nullableStringPtr(o.CourierPhone),
		boolInt(o.AutoTrackingEnabled), nullableStringPtr(o.ReconfirmedAt), nullableStringPtr(o.LastAutoUpdateAt),
		nullableStringPtr(o.ProofOfDeliveryURL), o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

func (r Repo) GetOrderByNumber(ctx context.Context, number string) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number=?`, number))
}

// GetOrderByDeliveryID resolves the local order addressed by a third-party
// delivery id.
func (r Repo) GetOrderByDeliveryID(ctx context.Context, deliveryID string) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_delivery_id=?`, deliveryID))
}

type OrderFilters struct {
	Status string
	Source string
	After  string
	Before string
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.Order, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "delivery_status=?")
		args = append(args, f.Status)
	}
	if f.Source != "" {
		clauses = append(clauses, "source_system=?")
		args = append(args, f.Source)
	}
	if f.After != "" {
		clauses = append(clauses, "datetime(delivery_time) >= datetime(?)")
		args = append(args, f.After)
	}
	if f.Before != "" {
		clauses = append(clauses, "datetime(delivery_time) < datetime(?)")
		args = append(args, f.Before)
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY datetime(delivery_time)`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// FindEligibleForAutoTracking selects orders the tracker may touch: sourced
// from the delivery platform, opted in, addressable upstream, due today or
// tomorrow in the reference timezone, and not in a terminal state.
func (r Repo) FindEligibleForAutoTracking(ctx context.Context, now time.Time, source string, loc *time.Location) ([]domain.Order, error) {
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	windowStart := dayStart.UTC().Format(time.RFC3339)
	windowEnd := dayStart.Add(48 * time.Hour).UTC().Format(time.RFC3339)
	// datetime() folds any stored offset into UTC before comparing, so an
	// order written with e.g. a +05:00 suffix still lands in the right day.
	rows, err := r.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
WHERE source_system=? AND auto_tracking_enabled=1 AND external_delivery_id IS NOT NULL
AND delivery_status IN (?,?,?,?)
AND datetime(delivery_time) >= datetime(?) AND datetime(delivery_time) < datetime(?)
ORDER BY datetime(delivery_time)`,
		source, domain.StatusPending, domain.StatusAssigned, domain.StatusPickedUp, domain.StatusInTransit,
		windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, orderID, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET delivery_status=?, updated_at=? WHERE id=?`, status, updatedAt, orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetCourierTx(ctx context.Context, tx *sql.Tx, orderID, name, phone, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE orders SET courier_name=?, courier_phone=?, updated_at=? WHERE id=?`,
		nullable(name), nullable(phone), updatedAt, orderID)
	return err
}

func (r Repo) ClearCourierTx(ctx context.Context, tx *sql.Tx, orderID, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE orders SET courier_name=NULL, courier_phone=NULL, updated_at=? WHERE id=?`, updatedAt, orderID)
	return err
}

// SetReconfirmedTx records the one-shot reconfirmation timestamp. The WHERE
// guard keeps it idempotent against a concurrent pass in the same window.
func (r Repo) SetReconfirmedTx(ctx context.Context, tx *sql.Tx, orderID, ts string) error {
	_, err := tx.ExecContext(ctx, `UPDATE orders SET reconfirmed_at=?, updated_at=? WHERE id=? AND reconfirmed_at IS NULL`, ts, ts, orderID)
	return err
}

func (r Repo) SetLastAutoUpdateTx(ctx context.Context, tx *sql.Tx, orderID, ts string) error {
	_, err := tx.ExecContext(ctx, `UPDATE orders SET last_auto_update_at=? WHERE id=?`, ts, orderID)
	return err
}

func (r Repo) SetProofOfDeliveryTx(ctx context.Context, tx *sql.Tx, orderID, url, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE orders SET proof_of_delivery_url=?, updated_at=? WHERE id=?`, url, updatedAt, orderID)
	return err
}

func (r Repo) CountOrdersByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT delivery_status, COUNT(*) FROM orders GROUP BY delivery_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanTrackingEvent(row rowScanner) (domain.TrackingEvent, error) {
	var e domain.TrackingEvent
	var status, operation, eventType sql.NullString
	var auto int
	err := row.Scan(&e.ID, &e.OrderID, &e.TS, &status, &operation, &eventType, &auto, &e.Note)
	if err != nil {
		return e, err
	}
	e.Status = nullStringPtr(status)
	e.Operation = nullStringPtr(operation)
	e.EventType = nullStringPtr(eventType)
	e.Auto = auto != 0
	return e, nil
}

// ListTrackingEvents returns an order's tracking log, oldest first.
func (r Repo) ListTrackingEvents(ctx context.Context, orderID string) ([]domain.TrackingEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,order_id,ts,status,operation,event_type,auto,COALESCE(note,'')
FROM tracking_events WHERE order_id=? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TrackingEvent
	for rows.Next() {
		e, err := scanTrackingEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit tracking events with id greater than after,
// across all orders, oldest first. Used by the webhook dispatcher cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64) ([]domain.TrackingEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,order_id,ts,status,operation,event_type,auto,COALESCE(note,'')
FROM tracking_events WHERE id > ? ORDER BY id LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TrackingEvent
	for rows.Next() {
		e, err := scanTrackingEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the n most recent tracking events, newest first.
func (r Repo) LatestEvents(ctx context.Context, n int) ([]domain.TrackingEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,order_id,ts,status,operation,event_type,auto,COALESCE(note,'')
FROM tracking_events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TrackingEvent
	for rows.Next() {
		e, err := scanTrackingEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM tracking_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

const settingsKey = "tracking"

func (r Repo) UpsertSettings(ctx context.Context, cfg *config.Config) error {
	return upsertSettings(ctx, r.DB, nil, cfg)
}

func (r Repo) UpsertSettingsTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertSettings(ctx, nil, tx, cfg)
}

func upsertSettings(ctx context.Context, db *sql.DB, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO settings(key,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`,
		settingsKey, string(payload), now, now)
	return err
}

func (r Repo) GetSettings(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM settings WHERE key=?`, settingsKey).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
