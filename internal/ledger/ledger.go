// Copyright 2025 James Ross

// Package ledger implements the append-only credit ledger: reservations are
// held against a user's balance at submission time and later captured (job
// succeeded, for exactly the reserved cost) or released (job
// failed or was never dispatched). Every balance mutation is expressed as an
// immutable ledger_entries row; accounts.balance is a derived cache kept in
// sync inside the same transaction via SELECT ... FOR UPDATE.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/flowforge/mediaqueue/internal/obs"
	"github.com/flowforge/mediaqueue/internal/outbox"
)

const (
	EntryReservation  = "reservation"
	EntryDebitCapture = "debit_capture"
	EntryRefund       = "refund"
	EntryAddition     = "addition"
	EntryDeduction    = "deduction"
)

type Entry struct {
	ID           int64
	UserID       string
	OperationID  string
	EntryType    string
	Amount       int64
	BalanceAfter int64
	RequestID    string
}

type Store struct {
	db     *sql.DB
	outbox *outbox.Store
}

// New wires the ledger to the outbox store so every mutator can emit its
// billing.reservation.* event inside the same transaction as the balance
// change, instead of as a separate, non-atomic write.
func New(db *sql.DB, ob *outbox.Store) *Store {
	return &Store{db: db, outbox: ob}
}

// emit inserts the outbox event for a ledger mutation inside tx. Each
// operation_id produces at most one reserved/captured/released event,
// enforced by the outbox's idempotency key, so a retried mutator call never
// double-publishes.
func (s *Store) emit(ctx context.Context, tx *sql.Tx, userID, operationID, eventType string, extra map[string]any) error {
	body := map[string]any{"operation_id": operationID, "user_id": userID}
	for k, v := range extra {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return s.outbox.Insert(ctx, tx, outbox.Event{
		ID:             uuid.NewString(),
		OperationID:    operationID,
		EventType:      eventType,
		RoutingKey:     eventType,
		Payload:        payload,
		IdempotencyKey: "op:" + operationID + ":" + eventType,
	})
}

// EnsureAccount creates the account row with a zero balance if it does not
// already exist. Call this once per user before issuing credit, not on the
// hot reservation path.
func (s *Store) EnsureAccount(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`,
		userID)
	return err
}

// Balance returns the current cached balance for a user.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = $1`, userID).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, &Error{Op: "balance", UserID: userID, Err: ErrAccountNotFound}
	}
	if err != nil {
		return 0, &Error{Op: "balance", UserID: userID, Err: err}
	}
	return bal, nil
}

// Reserve holds `amount` credits against the user's balance for the given
// operation inside tx, so the caller can combine it with the operation
// insert and its own outbox write in one atomic commit. It must be called
// within an already-open transaction owned by the submission service.
//
// A second Reserve for an operation_id that already has a reservation row
// is idempotent: it changes nothing and returns nil, so a submission retry
// after a commit-but-no-ack never double-reserves.
func (s *Store) Reserve(ctx context.Context, tx *sql.Tx, userID, operationID string, amount int64) error {
	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM reservations WHERE operation_id = $1`, operationID).Scan(&exists); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return &Error{Op: "reserve", UserID: userID, OperationID: operationID, Err: err}
	}

	var bal int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&bal)
	if err == sql.ErrNoRows {
		return &Error{Op: "reserve", UserID: userID, OperationID: operationID, Err: ErrAccountNotFound}
	}
	if err != nil {
		return &Error{Op: "reserve", UserID: userID, OperationID: operationID, Err: err}
	}
	if bal < amount {
		return &Error{Op: "reserve", UserID: userID, OperationID: operationID, Err: ErrInsufficientBalance}
	}

	newBal := bal - amount
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = $1 WHERE user_id = $2`, newBal, userID); err != nil {
		return &Error{Op: "reserve", UserID: userID, OperationID: operationID, Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (user_id, operation_id, entry_type, amount, balance_after) VALUES ($1, $2, $3, $4, $5)`,
		userID, operationID, EntryReservation, -amount, newBal); err != nil {
		return &Error{Op: "reserve", UserID: userID, OperationID: operationID, Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (operation_id, user_id, amount, status) VALUES ($1, $2, $3, 'held')`,
		operationID, userID, amount); err != nil {
		return &Error{Op: "reserve", UserID: userID, OperationID: operationID, Err: err}
	}
	if err := s.emit(ctx, tx, userID, operationID, "billing.reservation.reserved", map[string]any{"amount": amount}); err != nil {
		return &Error{Op: "reserve", UserID: userID, OperationID: operationID, Err: err}
	}
	obs.LedgerReservations.Inc()
	return nil
}

// Capture marks a held reservation resolved in the job's favor. It never
// moves money: the credits were already debited at Reserve time, and the
// cost of a completed job is exactly what was reserved for it, so Capture
// posts a zero-amount debit_capture entry purely as the ledger's immutable
// record that this operation_id finished successfully. A second Capture (or
// a Capture racing a Release) on an already-resolved reservation is a
// no-op: idempotent success, not an error, so a finalizer retry after a
// commit-but-no-ack never fails spuriously.
func (s *Store) Capture(ctx context.Context, tx *sql.Tx, operationID string) error {
	var userID string
	var held int64
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT user_id, amount, status FROM reservations WHERE operation_id = $1 FOR UPDATE`,
		operationID).Scan(&userID, &held, &status)
	if err == sql.ErrNoRows {
		return &Error{Op: "capture", OperationID: operationID, Err: ErrReservationNotFound}
	}
	if err != nil {
		return &Error{Op: "capture", OperationID: operationID, Err: err}
	}
	if status != "held" {
		return nil
	}

	var bal int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&bal); err != nil {
		return &Error{Op: "capture", UserID: userID, OperationID: operationID, Err: err}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (user_id, operation_id, entry_type, amount, balance_after) VALUES ($1, $2, $3, 0, $4)`,
		userID, operationID, EntryDebitCapture, bal); err != nil {
		return &Error{Op: "capture", UserID: userID, OperationID: operationID, Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = 'captured', resolved_at = now() WHERE operation_id = $1`,
		operationID); err != nil {
		return &Error{Op: "capture", UserID: userID, OperationID: operationID, Err: err}
	}
	if err := s.emit(ctx, tx, userID, operationID, "billing.reservation.captured", nil); err != nil {
		return &Error{Op: "capture", UserID: userID, OperationID: operationID, Err: err}
	}
	obs.LedgerCaptures.Inc()
	return nil
}

// Release refunds the full held amount back to the user's balance. Used
// when a job fails terminally or a reservation is abandoned (janitor). Like
// Capture, a second Release on an already-resolved reservation is an
// idempotent no-op.
func (s *Store) Release(ctx context.Context, tx *sql.Tx, operationID string) error {
	var userID string
	var held int64
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT user_id, amount, status FROM reservations WHERE operation_id = $1 FOR UPDATE`,
		operationID).Scan(&userID, &held, &status)
	if err == sql.ErrNoRows {
		return &Error{Op: "release", OperationID: operationID, Err: ErrReservationNotFound}
	}
	if err != nil {
		return &Error{Op: "release", OperationID: operationID, Err: err}
	}
	if status != "held" {
		return nil
	}

	var newBal int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance + $1 WHERE user_id = $2 RETURNING balance`,
		held, userID).Scan(&newBal); err != nil {
		return &Error{Op: "release", UserID: userID, OperationID: operationID, Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (user_id, operation_id, entry_type, amount, balance_after) VALUES ($1, $2, $3, $4, $5)`,
		userID, operationID, EntryRefund, held, newBal); err != nil {
		return &Error{Op: "release", UserID: userID, OperationID: operationID, Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = 'released', resolved_at = now() WHERE operation_id = $1`,
		operationID); err != nil {
		return &Error{Op: "release", UserID: userID, OperationID: operationID, Err: err}
	}
	if err := s.emit(ctx, tx, userID, operationID, "billing.reservation.released", nil); err != nil {
		return &Error{Op: "release", UserID: userID, OperationID: operationID, Err: err}
	}
	obs.LedgerReleases.Inc()
	return nil
}

// Entries returns the full, time-ordered ledger for a user. Used by the
// reconciliation CLI's explain mode.
func (s *Store) Entries(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, operation_id, entry_type, amount, balance_after, COALESCE(request_id, '')
		 FROM ledger_entries WHERE user_id = $1 ORDER BY id ASC`,
		userID)
	if err != nil {
		return nil, &Error{Op: "entries", UserID: userID, Err: err}
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.OperationID, &e.EntryType, &e.Amount, &e.BalanceAfter, &e.RequestID); err != nil {
			return nil, &Error{Op: "entries", UserID: userID, Err: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Sum returns the sum of every ledger_entries amount posted for a user,
// i.e. what the balance should be if derived purely from the append-only
// log rather than read from the accounts cache.
func (s *Store) Sum(ctx context.Context, userID string) (int64, error) {
	var sum sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM ledger_entries WHERE user_id = $1`, userID).Scan(&sum); err != nil {
		return 0, &Error{Op: "sum", UserID: userID, Err: err}
	}
	return sum.Int64, nil
}

// AllUserIDs lists every account on file, for the reconciliation CLI's
// check mode to sweep the whole ledger.
func (s *Store) AllUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, &Error{Op: "all_user_ids", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &Error{Op: "all_user_ids", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Repair inserts a single compensating ledger entry that brings the user's
// ledger_entries sum into agreement with the cached accounts.balance,
// tagged with requestID so repeatedly repairing unchanged drift never
// inserts twice. The cached balance is treated as the value an operator has
// already corrected and is never itself mutated here; the ledger catches up
// to it, the reverse of Reserve/Capture/Release's balance-drives-ledger
// flow. Returns the zero Entry with no error if there is no drift to repair.
func (s *Store) Repair(ctx context.Context, userID, requestID string) (Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, &Error{Op: "repair", UserID: userID, Err: err}
	}
	defer tx.Rollback()

	var bal int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&bal); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, &Error{Op: "repair", UserID: userID, Err: ErrAccountNotFound}
		}
		return Entry{}, &Error{Op: "repair", UserID: userID, Err: err}
	}
	var sum sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM ledger_entries WHERE user_id = $1`, userID).Scan(&sum); err != nil {
		return Entry{}, &Error{Op: "repair", UserID: userID, Err: err}
	}

	drift := bal - sum.Int64
	if drift == 0 {
		return Entry{}, nil
	}
	entryType := EntryAddition
	if drift < 0 {
		entryType = EntryDeduction
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (user_id, operation_id, entry_type, amount, balance_after, request_id)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id
	`, userID, "reconcile:"+requestID, entryType, drift, bal, requestID).Scan(&id); err != nil {
		return Entry{}, &Error{Op: "repair", UserID: userID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, &Error{Op: "repair", UserID: userID, Err: err}
	}
	return Entry{ID: id, UserID: userID, OperationID: "reconcile:" + requestID, EntryType: entryType, Amount: drift, BalanceAfter: bal, RequestID: requestID}, nil
}

// CaptureStandalone captures a reservation in its own transaction, for
// callers (the janitor) reconciling an operation that is already terminal
// and so must not be re-finalized.
func (s *Store) CaptureStandalone(ctx context.Context, operationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: "capture_standalone", OperationID: operationID, Err: err}
	}
	defer tx.Rollback()
	if err := s.Capture(ctx, tx, operationID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseStandalone releases a reservation in its own transaction, for
// callers (the janitor) reconciling an operation that is already terminal,
// or whose operation row no longer exists to finalize at all.
func (s *Store) ReleaseStandalone(ctx context.Context, operationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: "release_standalone", OperationID: operationID, Err: err}
	}
	defer tx.Rollback()
	if err := s.Release(ctx, tx, operationID); err != nil {
		return err
	}
	return tx.Commit()
}

// StaleReservation pairs a reservation held past the janitor's TTL with its
// linked operation's current status. Status is empty if the operation row
// is gone (purged independently of its reservation).
type StaleReservation struct {
	OperationID string
	UserID      string
	Status      string
}

// StaleReservations returns reservations held longer than ttl without
// resolution, left-joined against their operation's status, for the janitor
// sweep to decide whether to reconcile a terminal operation's leftover
// credits or fail one still stuck mid-flight.
func (s *Store) StaleReservations(ctx context.Context, ttl string) ([]StaleReservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.operation_id, r.user_id, COALESCE(o.status, '')
		FROM reservations r
		LEFT JOIN operations o ON o.id = r.operation_id
		WHERE r.status = 'held' AND r.created_at < now() - $1::interval
	`, ttl)
	if err != nil {
		return nil, &Error{Op: "stale_reservations", Err: err}
	}
	defer rows.Close()

	var out []StaleReservation
	for rows.Next() {
		var sr StaleReservation
		if err := rows.Scan(&sr.OperationID, &sr.UserID, &sr.Status); err != nil {
			return nil, &Error{Op: "stale_reservations", Err: err}
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}
