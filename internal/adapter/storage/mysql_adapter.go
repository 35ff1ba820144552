package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rl1809/offer-reservation/internal/core/domain"
	"github.com/shopspring/decimal"
)

const mysqlDuplicateEntry = 1062

const offerColumns = `id, business_id, title, price_per_unit, currency, quantity_total, quantity_remaining,
	pickup_start_time, pickup_end_time, state, version, created_at, updated_at`

const reservationColumns = `id, order_id, offer_id, customer_id, quantity, unit_price, total_price, currency,
	status, pickup_start_time, pickup_end_time, cancellation_reason, cancelled_at, created_at, updated_at`

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

func scanOffer(row rowScanner) (domain.Offer, error) {
	var o domain.Offer
	var state string
	err := row.Scan(&o.ID, &o.BusinessID, &o.Title, &o.PricePerUnit, &o.Currency, &o.QuantityTotal,
		&o.QuantityRemaining, &o.PickupStartTime, &o.PickupEndTime, &state, &o.Version,
		&o.CreatedAt, &o.UpdatedAt)
	o.State = domain.OfferState(state)
	return o, err
}

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var r domain.Reservation
	var status string
	var cancelledAt sql.NullTime
	err := row.Scan(&r.ID, &r.OrderID, &r.OfferID, &r.CustomerID, &r.Quantity, &r.UnitPrice,
		&r.TotalPrice, &r.Currency, &status, &r.PickupStartTime, &r.PickupEndTime,
		&r.CancellationReason, &cancelledAt, &r.CreatedAt, &r.UpdatedAt)
	r.Status = domain.ReservationStatus(status)
	if cancelledAt.Valid {
		t := cancelledAt.Time
		r.CancelledAt = &t
	}
	return r, err
}

func (m *MySQLAdapter) CreateOffer(ctx context.Context, o domain.Offer) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BusinessID, o.Title, o.PricePerUnit, o.Currency, o.QuantityTotal, o.QuantityRemaining,
		o.PickupStartTime, o.PickupEndTime, string(o.State), o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if isDuplicateEntry(err) {
		return fmt.Errorf("%w: offer %s already exists", domain.ErrInvalidOffer, o.ID)
	}
	if err != nil {
		return unavailable("insert offer", err)
	}
	return nil
}

func (m *MySQLAdapter) GetOffer(ctx context.Context, offerID string) (domain.Offer, error) {
	o, err := scanOffer(m.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = ?`, offerID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	if err != nil {
		return domain.Offer{}, unavailable("query offer", err)
	}
	return o, nil
}

func (m *MySQLAdapter) LoadForDecision(ctx context.Context, offerID string) (domain.OfferDecision, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.OfferDecision{}, unavailable("begin tx", err)
	}
	defer tx.Rollback()

	d := domain.OfferDecision{OfferID: offerID}
	var state string
	err = tx.QueryRowContext(ctx, `
		SELECT state, quantity_remaining, pickup_start_time, pickup_end_time, price_per_unit, currency
		FROM offers WHERE id = ? LOCK IN SHARE MODE`, offerID,
	).Scan(&state, &d.QuantityRemaining, &d.PickupStartTime, &d.PickupEndTime, &d.PricePerUnit, &d.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OfferDecision{}, domain.ErrOfferNotFound
	}
	if err != nil {
		return domain.OfferDecision{}, unavailable("query offer decision", err)
	}
	d.State = domain.OfferState(state)

	if err := tx.Commit(); err != nil {
		return domain.OfferDecision{}, unavailable("commit", err)
	}
	return d, nil
}

func (m *MySQLAdapter) lockOffer(ctx context.Context, tx *sql.Tx, offerID string) (domain.Offer, error) {
	o, err := scanOffer(tx.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = ? FOR UPDATE`, offerID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	if err != nil {
		return domain.Offer{}, unavailable("lock offer", err)
	}
	return o, nil
}

func (m *MySQLAdapter) ApplyReservation(ctx context.Context, r domain.Reservation, now time.Time) (domain.InventoryChange, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.InventoryChange{}, unavailable("begin tx", err)
	}
	defer tx.Rollback()

	o, err := m.lockOffer(ctx, tx, r.OfferID)
	if err != nil {
		return domain.InventoryChange{}, err
	}
	if err := domain.CheckReservable(o.Decision(), r.Quantity, now); err != nil {
		return domain.InventoryChange{}, err
	}

	change := domain.InventoryChange{
		OfferID:       o.ID,
		Delta:         -r.Quantity,
		Remaining:     o.QuantityRemaining - r.Quantity,
		PreviousState: o.State,
		State:         o.State,
	}
	if change.Remaining == 0 {
		next, err := domain.NextState(o.State, domain.TriggerSellOut)
		if err != nil {
			return domain.InventoryChange{}, err
		}
		change.State = next
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE offers
		SET quantity_remaining = quantity_remaining - ?, state = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND quantity_remaining >= ?`,
		r.Quantity, string(change.State), now, r.OfferID, r.Quantity,
	)
	if err != nil {
		return domain.InventoryChange{}, unavailable("update offer", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.InventoryChange{}, domain.ErrInsufficientInventory
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrderID, r.OfferID, r.CustomerID, r.Quantity, r.UnitPrice, r.TotalPrice, r.Currency,
		string(domain.ReservationStatusConfirmed), r.PickupStartTime, r.PickupEndTime,
		r.CancellationReason, nil, r.CreatedAt, r.UpdatedAt,
	)
	if isDuplicateEntry(err) {
		return domain.InventoryChange{}, domain.ErrDuplicateOrderID
	}
	if err != nil {
		return domain.InventoryChange{}, unavailable("insert reservation", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.InventoryChange{}, unavailable("commit", err)
	}
	return change, nil
}

func (m *MySQLAdapter) ApplyCancellation(ctx context.Context, reservationID, reason string, now time.Time) (domain.Reservation, domain.InventoryChange, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, domain.InventoryChange{}, unavailable("begin tx", err)
	}
	defer tx.Rollback()

	r, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ? FOR UPDATE`, reservationID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, domain.InventoryChange{}, domain.ErrReservationNotFound
	}
	if err != nil {
		return domain.Reservation{}, domain.InventoryChange{}, unavailable("lock reservation", err)
	}
	if err := r.Cancellable(now); err != nil {
		return domain.Reservation{}, domain.InventoryChange{}, err
	}

	o, err := m.lockOffer(ctx, tx, r.OfferID)
	if err != nil {
		return domain.Reservation{}, domain.InventoryChange{}, err
	}
	remaining := o.QuantityRemaining + r.Quantity
	if remaining > o.QuantityTotal {
		return domain.Reservation{}, domain.InventoryChange{}, fmt.Errorf("%w: offer %s would hold %d of %d units",
			domain.ErrInvariantViolation, o.ID, remaining, o.QuantityTotal)
	}

	change := domain.InventoryChange{
		OfferID:       o.ID,
		Delta:         r.Quantity,
		Remaining:     remaining,
		PreviousState: o.State,
		State:         domain.RestockState(o.State, o.PickupEndTime, now),
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE reservations
		SET status = ?, cancellation_reason = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.ReservationStatusCancelled), reason, now, now, r.ID, string(domain.ReservationStatusConfirmed),
	)
	if err != nil {
		return domain.Reservation{}, domain.InventoryChange{}, unavailable("update reservation", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE offers
		SET quantity_remaining = ?, state = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		remaining, string(change.State), now, o.ID,
	)
	if err != nil {
		return domain.Reservation{}, domain.InventoryChange{}, unavailable("update offer", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, domain.InventoryChange{}, unavailable("commit", err)
	}

	cancelledAt := now
	r.Status = domain.ReservationStatusCancelled
	r.CancellationReason = reason
	r.CancelledAt = &cancelledAt
	r.UpdatedAt = now
	return r, change, nil
}

func (m *MySQLAdapter) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	states := domain.SourceStates(domain.TriggerExpire)
	args := stateArgs(states)
	args = append(args, now, limit)
	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM offers
		WHERE state IN (`+placeholders(len(states))+`) AND pickup_end_time <= ?
		ORDER BY pickup_end_time
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, unavailable("query expirable offers", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan offer id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate offers", err)
	}
	return ids, nil
}

func (m *MySQLAdapter) ExpireOffer(ctx context.Context, offerID string, now time.Time) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("begin tx", err)
	}
	defer tx.Rollback()

	o, err := m.lockOffer(ctx, tx, offerID)
	if err != nil {
		return false, err
	}
	if !expirable(&o, now) {
		return false, nil
	}
	next, err := domain.NextState(o.State, domain.TriggerExpire)
	if err != nil {
		return false, nil
	}

	if err := m.writeOfferState(ctx, tx, o.ID, next, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable("commit", err)
	}
	return true, nil
}

func (m *MySQLAdapter) TransitionOffer(ctx context.Context, offerID string, trigger domain.Trigger, now time.Time) (domain.Offer, error) {
	return m.mutateOffer(ctx, offerID, now, func(tx *sql.Tx, o *domain.Offer) error {
		next, err := domain.NextState(o.State, trigger)
		if err != nil {
			return err
		}
		o.State = domain.Settle(next, o.QuantityRemaining)
		return m.writeOfferState(ctx, tx, o.ID, o.State, now)
	})
}

func (m *MySQLAdapter) AdjustQuantity(ctx context.Context, offerID string, newTotal int, now time.Time) (domain.Offer, error) {
	return m.mutateOffer(ctx, offerID, now, func(tx *sql.Tx, o *domain.Offer) error {
		state, remaining, err := adjustedInventory(*o, newTotal, now)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE offers
			SET quantity_total = ?, quantity_remaining = ?, state = ?, version = version + 1, updated_at = ?
			WHERE id = ?`,
			newTotal, remaining, string(state), now, o.ID,
		)
		if err != nil {
			return unavailable("update offer quantity", err)
		}
		o.QuantityTotal, o.QuantityRemaining, o.State = newTotal, remaining, state
		return nil
	})
}

func (m *MySQLAdapter) UpdatePrice(ctx context.Context, offerID string, price decimal.Decimal, now time.Time) (domain.Offer, error) {
	return m.mutateOffer(ctx, offerID, now, func(tx *sql.Tx, o *domain.Offer) error {
		if o.State.Terminal() {
			return fmt.Errorf("%w: offer is %s", domain.ErrInvalidTransition, o.State)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE offers SET price_per_unit = ?, version = version + 1, updated_at = ? WHERE id = ?`,
			price, now, o.ID,
		)
		if err != nil {
			return unavailable("update offer price", err)
		}
		o.PricePerUnit = price
		return nil
	})
}

func (m *MySQLAdapter) UpdatePickupWindow(ctx context.Context, offerID string, start, end, now time.Time) (domain.Offer, error) {
	return m.mutateOffer(ctx, offerID, now, func(tx *sql.Tx, o *domain.Offer) error {
		if err := o.WindowEditable(now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE offers
			SET pickup_start_time = ?, pickup_end_time = ?, version = version + 1, updated_at = ?
			WHERE id = ?`,
			start, end, now, o.ID,
		)
		if err != nil {
			return unavailable("update offer pickup window", err)
		}
		o.PickupStartTime, o.PickupEndTime = start, end
		return nil
	})
}

func (m *MySQLAdapter) ListOffersByBusiness(ctx context.Context, businessID string, limit int) ([]domain.Offer, error) {
	args := []any{businessID}
	args = append(args, stateArgs(domain.ListingOrder)...)
	query := `SELECT ` + offerColumns + ` FROM offers WHERE business_id = ?
		ORDER BY FIELD(state, ` + placeholders(len(domain.ListingOrder)) + `), created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return m.queryOffers(ctx, query, args...)
}

func (m *MySQLAdapter) ListActiveOffers(ctx context.Context, now time.Time, limit int) ([]domain.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers
		WHERE state = ? AND quantity_remaining > 0 AND pickup_end_time > ?
		ORDER BY created_at DESC, id DESC`
	args := []any{string(domain.OfferStateActive), now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return m.queryOffers(ctx, query, args...)
}

func (m *MySQLAdapter) queryOffers(ctx context.Context, query string, args ...any) ([]domain.Offer, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query offers", err)
	}
	defer rows.Close()

	var out []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, unavailable("scan offer", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate offers", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stateArgs(states []domain.OfferState) []any {
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	return args
}

// mutateOffer runs fn against the row-locked offer and commits when fn succeeds.
func (m *MySQLAdapter) mutateOffer(ctx context.Context, offerID string, now time.Time, fn func(*sql.Tx, *domain.Offer) error) (domain.Offer, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Offer{}, unavailable("begin tx", err)
	}
	defer tx.Rollback()

	o, err := m.lockOffer(ctx, tx, offerID)
	if err != nil {
		return domain.Offer{}, err
	}
	if err := fn(tx, &o); err != nil {
		return domain.Offer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Offer{}, unavailable("commit", err)
	}

	o.Version++
	o.UpdatedAt = now
	return o, nil
}

func (m *MySQLAdapter) writeOfferState(ctx context.Context, tx *sql.Tx, offerID string, state domain.OfferState, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE offers SET state = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		string(state), now, offerID,
	)
	if err != nil {
		return unavailable("update offer state", err)
	}
	return nil
}

func (m *MySQLAdapter) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	return m.getReservation(ctx, "id", reservationID)
}

func (m *MySQLAdapter) GetReservationByOrderID(ctx context.Context, orderID string) (domain.Reservation, error) {
	return m.getReservation(ctx, "order_id", strings.ToUpper(orderID))
}

func (m *MySQLAdapter) getReservation(ctx context.Context, column, value string) (domain.Reservation, error) {
	r, err := scanReservation(m.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE `+column+` = ?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if err != nil {
		return domain.Reservation{}, unavailable("query reservation", err)
	}
	return r, nil
}

func (m *MySQLAdapter) ListReservationsByCustomer(ctx context.Context, customerID string, activeOnly bool, limit int) ([]domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE customer_id = ?`
	args := []any{customerID}
	if activeOnly {
		query += ` AND status = ?`
		args = append(args, string(domain.ReservationStatusConfirmed))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return m.queryReservations(ctx, query, args...)
}

func (m *MySQLAdapter) ListReservationsByOffer(ctx context.Context, offerID string) ([]domain.Reservation, error) {
	return m.queryReservations(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE offer_id = ? ORDER BY created_at DESC, id DESC`, offerID)
}

func (m *MySQLAdapter) queryReservations(ctx context.Context, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query reservations", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, unavailable("scan reservation", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate reservations", err)
	}
	return out, nil
}
