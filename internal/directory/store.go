// Package directory provides PostgreSQL-backed lookup of users and their
// registered devices. The gateway authenticates connections against it and
// the delivery router reads push credentials from it.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DeviceLimit is the default cap on registered devices per user.
const DeviceLimit = 5

// Authentication and registration failure modes.
var (
	ErrInvalidCredential = errors.New("directory: invalid credential")
	ErrDeviceLimit       = errors.New("directory: device limit reached")
)

// User is a minimal account record.
type User struct {
	ID        string
	Username  string
	FirstName string
	LastName  string
}

// Device is a registered client endpoint for one user. A device with
// FetchesSocket set is expected to be reachable over the socket gateway;
// the router fixes the flag when reality disagrees.
type Device struct {
	ID                string
	UserID            string
	Token             string
	Master            bool
	FetchesSocket     bool
	FCMRegistrationID string
	APNSToken         string
}

// Store resolves credentials and manages device registrations.
type Store struct {
	db    *sql.DB
	limit int
}

// NewStore creates a directory store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, limit: DeviceLimit}
}

// NewStoreWithLimit creates a directory store with an explicit device cap
// (used by tests).
func NewStoreWithLimit(db *sql.DB, limit int) *Store {
	return &Store{db: db, limit: limit}
}

// ResolveUserByToken returns the user owning an unexpired auth token, or
// ErrInvalidCredential when no such token exists.
func (s *Store) ResolveUserByToken(ctx context.Context, token string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.username, u.first_name, u.last_name
		 FROM auth_tokens t JOIN users u ON u.id = t.user_id
		 WHERE t.token = $1 AND (t.expires_at IS NULL OR t.expires_at > NOW())`,
		token).Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("directory: resolve user token: %w", err)
	}
	return &u, nil
}

// ResolveDevice returns the user's device matching the device token, or
// ErrInvalidCredential when the token is not registered for that user.
func (s *Store) ResolveDevice(ctx context.Context, userID, deviceToken string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token, is_master, fetches_socket, fcm_registration_id, apns_token
		 FROM devices WHERE user_id = $1 AND token = $2`,
		userID, deviceToken).Scan(
		&d.ID, &d.UserID, &d.Token, &d.Master, &d.FetchesSocket,
		&d.FCMRegistrationID, &d.APNSToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("directory: resolve device: %w", err)
	}
	return &d, nil
}

// Device returns a device by its id, or nil when it does not exist.
func (s *Store) Device(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token, is_master, fetches_socket, fcm_registration_id, apns_token
		 FROM devices WHERE id = $1`,
		deviceID).Scan(
		&d.ID, &d.UserID, &d.Token, &d.Master, &d.FetchesSocket,
		&d.FCMRegistrationID, &d.APNSToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory: load device: %w", err)
	}
	return &d, nil
}

// DevicesOf returns every device registered for the user, master first.
func (s *Store) DevicesOf(ctx context.Context, userID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, token, is_master, fetches_socket, fcm_registration_id, apns_token
		 FROM devices WHERE user_id = $1
		 ORDER BY is_master DESC, created_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("directory: list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(
			&d.ID, &d.UserID, &d.Token, &d.Master, &d.FetchesSocket,
			&d.FCMRegistrationID, &d.APNSToken); err != nil {
			return nil, fmt.Errorf("directory: scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// RegisterDevice registers (or refreshes) a device token for the user. The
// first device registered becomes the master. A re-registration of an
// existing token updates the push credentials in place and does not count
// against the device cap.
func (s *Store) RegisterDevice(ctx context.Context, userID, deviceToken, fcmID, apnsToken string) (*Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: begin register: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM devices WHERE user_id = $1 AND token = $2`,
		userID, deviceToken).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var count int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM devices WHERE user_id = $1`,
			userID).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("directory: count devices: %w", err)
		}
		if count >= s.limit {
			return nil, ErrDeviceLimit
		}
		existingID = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO devices (id, user_id, token, is_master, fcm_registration_id, apns_token)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			existingID, userID, deviceToken, count == 0, fcmID, apnsToken)
		if err != nil {
			return nil, fmt.Errorf("directory: insert device: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("directory: lookup device: %w", err)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE devices SET fcm_registration_id = $2, apns_token = $3 WHERE id = $1`,
			existingID, fcmID, apnsToken)
		if err != nil {
			return nil, fmt.Errorf("directory: refresh device: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("directory: commit register: %w", err)
	}

	var d Device
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token, is_master, fetches_socket, fcm_registration_id, apns_token
		 FROM devices WHERE id = $1`,
		existingID).Scan(
		&d.ID, &d.UserID, &d.Token, &d.Master, &d.FetchesSocket,
		&d.FCMRegistrationID, &d.APNSToken)
	if err != nil {
		return nil, fmt.Errorf("directory: reload device: %w", err)
	}
	return &d, nil
}

// SetFetchesSocket records whether the device is expected to be connected to
// the socket gateway. Unknown device ids are a no-op.
func (s *Store) SetFetchesSocket(ctx context.Context, deviceID string, fetches bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET fetches_socket = $2 WHERE id = $1`,
		deviceID, fetches)
	if err != nil {
		return fmt.Errorf("directory: set fetches_socket: %w", err)
	}
	return nil
}

// RemoveDevice deletes a device registration. When the master device is
// removed the oldest remaining device is promoted.
func (s *Store) RemoveDevice(ctx context.Context, deviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("directory: begin remove: %w", err)
	}
	defer tx.Rollback()

	var userID string
	var wasMaster bool
	err = tx.QueryRowContext(ctx,
		`DELETE FROM devices WHERE id = $1 RETURNING user_id, is_master`,
		deviceID).Scan(&userID, &wasMaster)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("directory: delete device: %w", err)
	}

	if wasMaster {
		_, err = tx.ExecContext(ctx,
			`UPDATE devices SET is_master = TRUE
			 WHERE id = (SELECT id FROM devices WHERE user_id = $1 ORDER BY created_at LIMIT 1)`,
			userID)
		if err != nil {
			return fmt.Errorf("directory: promote master: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("directory: commit remove: %w", err)
	}
	return nil
}

// CreateUser inserts a user with a fresh auth token. Intended for
// provisioning and tests.
func (s *Store) CreateUser(ctx context.Context, username, firstName, lastName string) (*User, string, error) {
	u := User{ID: uuid.NewString(), Username: username, FirstName: firstName, LastName: lastName}
	token := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("directory: begin create user: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, username, first_name, last_name) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Username, u.FirstName, u.LastName)
	if err != nil {
		return nil, "", fmt.Errorf("directory: insert user: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO auth_tokens (token, user_id) VALUES ($1, $2)`,
		token, u.ID)
	if err != nil {
		return nil, "", fmt.Errorf("directory: insert token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("directory: commit create user: %w", err)
	}
	return &u, token, nil
}
