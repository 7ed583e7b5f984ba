// Package contacts provides PostgreSQL-backed storage for the contact list
// and the pending friend-request ledger. Pending requests are recorded
// symmetrically (one row per party) and every dual-write happens inside a
// single transaction, so a request can never exist for only one side.
package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FriendRequestLimit is the default cap on a user's pending incoming
// requests.
const FriendRequestLimit = 50

// Direction of a pending request row relative to its owning user.
const (
	DirectionSender   = "sender"
	DirectionReceiver = "receiver"
)

// Ledger failure modes surfaced to the API layer as structured results.
var (
	ErrInvalidRequest   = errors.New("contacts: invalid request")
	ErrDuplicateRequest = errors.New("contacts: duplicate request")
	ErrLimitExceeded    = errors.New("contacts: request limit exceeded")
)

// PendingRequest is one outstanding friend request as seen from its owner's
// ledger.
type PendingRequest struct {
	CounterpartID string
	Direction     string
	CreatedAt     time.Time
}

// Store manages contact relationships in PostgreSQL.
type Store struct {
	db    *sql.DB
	limit int
}

// NewStore creates a contact store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, limit: FriendRequestLimit}
}

// NewStoreWithLimit creates a contact store with an explicit pending-request
// cap (used by tests).
func NewStoreWithLimit(db *sql.DB, limit int) *Store {
	return &Store{db: db, limit: limit}
}

// SendRequest records a friend request from fromID to toID. It writes both
// symmetric PendingRequest rows in one transaction. Fails with
// ErrInvalidRequest for self-targeted requests or existing contacts,
// ErrLimitExceeded when the recipient's pending count is at the cap, and
// ErrDuplicateRequest when a request between the two is already outstanding
// in either direction.
func (s *Store) SendRequest(ctx context.Context, fromID, toID string) error {
	if fromID == toID {
		return ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("contacts: begin send request: %w", err)
	}
	defer tx.Rollback()

	var already bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM contacts WHERE user_id = $1 AND contact_id = $2)`,
		fromID, toID).Scan(&already)
	if err != nil {
		return fmt.Errorf("contacts: check contact: %w", err)
	}
	if already {
		return ErrInvalidRequest
	}

	var pending int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM friend_requests WHERE user_id = $1 AND direction = $2`,
		toID, DirectionReceiver).Scan(&pending)
	if err != nil {
		return fmt.Errorf("contacts: count pending: %w", err)
	}
	if pending >= s.limit {
		return ErrLimitExceeded
	}

	var duplicate bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM friend_requests
			WHERE (user_id = $1 AND counterpart_id = $2)
			   OR (user_id = $2 AND counterpart_id = $1))`,
		fromID, toID).Scan(&duplicate)
	if err != nil {
		return fmt.Errorf("contacts: check duplicate: %w", err)
	}
	if duplicate {
		return ErrDuplicateRequest
	}

	// Both rows or neither; a partial write would desynchronise the ledgers.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO friend_requests (user_id, counterpart_id, direction)
		 VALUES ($1, $2, $3), ($2, $1, $4)`,
		fromID, toID, DirectionSender, DirectionReceiver)
	if err != nil {
		return fmt.Errorf("contacts: insert request pair: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("contacts: commit send request: %w", err)
	}
	return nil
}

// ResolveRequest accepts or denies a pending request. selfID must hold the
// receiver-direction row for counterpartID, otherwise ErrInvalidRequest. On
// accept, both users gain each other as contacts (idempotent) and the two
// pending rows are removed; on deny only the rows are removed. All of it is
// one transaction.
func (s *Store) ResolveRequest(ctx context.Context, selfID, counterpartID string, accept bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("contacts: begin resolve: %w", err)
	}
	defer tx.Rollback()

	var direction string
	err = tx.QueryRowContext(ctx,
		`SELECT direction FROM friend_requests WHERE user_id = $1 AND counterpart_id = $2`,
		selfID, counterpartID).Scan(&direction)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalidRequest
	}
	if err != nil {
		return fmt.Errorf("contacts: lookup request: %w", err)
	}
	if direction != DirectionReceiver {
		return ErrInvalidRequest
	}

	if accept {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO contacts (user_id, contact_id)
			 VALUES ($1, $2), ($2, $1)
			 ON CONFLICT DO NOTHING`,
			selfID, counterpartID)
		if err != nil {
			return fmt.Errorf("contacts: insert contact pair: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM friend_requests
		 WHERE (user_id = $1 AND counterpart_id = $2)
		    OR (user_id = $2 AND counterpart_id = $1)`,
		selfID, counterpartID)
	if err != nil {
		return fmt.Errorf("contacts: delete request pair: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("contacts: commit resolve: %w", err)
	}
	return nil
}

// RemoveContact removes the relationship on both sides. Removing a
// non-contact is a no-op, not an error.
func (s *Store) RemoveContact(ctx context.Context, selfID, counterpartID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM contacts
		 WHERE (user_id = $1 AND contact_id = $2)
		    OR (user_id = $2 AND contact_id = $1)`,
		selfID, counterpartID)
	if err != nil {
		return fmt.Errorf("contacts: remove contact: %w", err)
	}
	return nil
}

// Contacts returns the user's contact ids.
func (s *Store) Contacts(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT contact_id FROM contacts WHERE user_id = $1 ORDER BY contact_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("contacts: list contacts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("contacts: scan contact: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AreContacts reports whether a and b are established contacts.
func (s *Store) AreContacts(ctx context.Context, a, b string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM contacts WHERE user_id = $1 AND contact_id = $2)`,
		a, b).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("contacts: check pair: %w", err)
	}
	return exists, nil
}

// PendingRequests returns the user's outstanding requests, newest first.
func (s *Store) PendingRequests(ctx context.Context, userID string) ([]PendingRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT counterpart_id, direction, created_at
		 FROM friend_requests WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("contacts: list pending: %w", err)
	}
	defer rows.Close()

	var reqs []PendingRequest
	for rows.Next() {
		var r PendingRequest
		if err := rows.Scan(&r.CounterpartID, &r.Direction, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("contacts: scan pending: %w", err)
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}
