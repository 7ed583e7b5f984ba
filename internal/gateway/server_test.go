package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cjinn/messenger/internal/directory"
)

// deniedDirectory rejects every token and counts lookups so tests can assert
// the limiter short-circuits before auth.
type deniedDirectory struct {
	lookups int
}

func (d *deniedDirectory) ResolveUserByToken(_ context.Context, _ string) (*directory.User, error) {
	d.lookups++
	return nil, errors.New("invalid token")
}

func (d *deniedDirectory) ResolveDevice(_ context.Context, _, _ string) (*directory.Device, error) {
	return nil, errors.New("invalid device token")
}

func (d *deniedDirectory) SetFetchesSocket(_ context.Context, _ string, _ bool) error {
	return nil
}

func TestHandleUpgrade_ThrottledBeforeAuth(t *testing.T) {
	dir := &deniedDirectory{}
	srv := NewServer(DefaultServerConfig(), Deps{
		Directory: dir,
		Limiter:   limitReply{allow: false},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws?token=tok", nil)
	req.RemoteAddr = "198.51.100.7:55311"
	rec := httptest.NewRecorder()

	srv.handleUpgrade(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if dir.lookups != 0 {
		t.Errorf("expected no token lookup when throttled, got %d", dir.lookups)
	}
}

func TestHandleUpgrade_AllowedReachesAuth(t *testing.T) {
	dir := &deniedDirectory{}
	srv := NewServer(DefaultServerConfig(), Deps{
		Directory: dir,
		Limiter:   limitReply{allow: true},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws?token=tok", nil)
	req.RemoteAddr = "198.51.100.7:55311"
	rec := httptest.NewRecorder()

	srv.handleUpgrade(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 from auth, got %d", rec.Code)
	}
	if dir.lookups != 1 {
		t.Errorf("expected one token lookup, got %d", dir.lookups)
	}
}
