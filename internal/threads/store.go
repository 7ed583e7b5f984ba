// Package threads reads conversation membership from PostgreSQL. Threads are
// owned by the query/mutation API layer; the routing core only needs the
// member list for fan-out and the mute flag for notification suppression.
package threads

import (
	"context"
	"database/sql"
	"fmt"
)

// Store reads thread membership.
type Store struct {
	db *sql.DB
}

// NewStore creates a thread membership store backed by the given database
// handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Members returns the user ids of all members of threadID, muted or not.
// An unknown thread returns an empty list.
func (s *Store) Members(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM thread_members WHERE thread_id = $1 ORDER BY joined_at`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("threads: members of %s: %w", threadID, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("threads: scan member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// IsMember reports whether userID belongs to threadID.
func (s *Store) IsMember(ctx context.Context, threadID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM thread_members WHERE thread_id = $1 AND user_id = $2`,
		threadID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("threads: membership check: %w", err)
	}
	return true, nil
}

// AddMember enrolls userID in threadID. Re-adding an existing member is a
// no-op.
func (s *Store) AddMember(ctx context.Context, threadID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_members (thread_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (thread_id, user_id) DO NOTHING`,
		threadID, userID)
	if err != nil {
		return fmt.Errorf("threads: add member %s to %s: %w", userID, threadID, err)
	}
	return nil
}

// RemoveMember drops userID from threadID. Removing a non-member is a no-op.
func (s *Store) RemoveMember(ctx context.Context, threadID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_members WHERE thread_id = $1 AND user_id = $2`,
		threadID, userID)
	if err != nil {
		return fmt.Errorf("threads: remove member %s from %s: %w", userID, threadID, err)
	}
	return nil
}

// SetMuted flips the notification-suppression flag for one member.
func (s *Store) SetMuted(ctx context.Context, threadID, userID string, muted bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE thread_members SET muted = $3 WHERE thread_id = $1 AND user_id = $2`,
		threadID, userID, muted)
	if err != nil {
		return fmt.Errorf("threads: set muted for %s in %s: %w", userID, threadID, err)
	}
	return nil
}
