package storage

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func TestAuthTokens_LoginSupersedesPriorToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nowMs := time.Now().UnixMilli()

	user := mustCreateUser(t, store, "alice")

	first, err := store.CreateAuthToken(ctx, user.ID, nowMs, nowMs+3600_000)
	if err != nil {
		t.Fatalf("CreateAuthToken error = %v", err)
	}

	second, err := store.CreateAuthToken(ctx, user.ID, nowMs, nowMs+3600_000)
	if err != nil {
		t.Fatalf("CreateAuthToken error = %v", err)
	}

	// Logging in elsewhere invalidates the previous session.
	if _, err := store.ValidateToken(ctx, first.Token, nowMs); err != ErrTokenInvalid {
		t.Fatalf("ValidateToken(old) error = %v, want ErrTokenInvalid", err)
	}
	row, err := store.ValidateToken(ctx, second.Token, nowMs)
	if err != nil {
		t.Fatalf("ValidateToken(new) error = %v", err)
	}
	if row.UserID != user.ID {
		t.Fatalf("UserID = %q, want %q", row.UserID, user.ID)
	}
}

func TestAuthTokens_LazyExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nowMs := time.Now().UnixMilli()

	user := mustCreateUser(t, store, "bob")

	token, err := store.CreateAuthToken(ctx, user.ID, nowMs, nowMs+1000)
	if err != nil {
		t.Fatalf("CreateAuthToken error = %v", err)
	}

	if _, err := store.ValidateToken(ctx, token.Token, nowMs); err != nil {
		t.Fatalf("ValidateToken before expiry error = %v", err)
	}
	if _, err := store.ValidateToken(ctx, token.Token, nowMs+2000); err != ErrTokenExpired {
		t.Fatalf("ValidateToken after expiry error = %v, want ErrTokenExpired", err)
	}
}

func TestAuthTokens_CleanExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nowMs := time.Now().UnixMilli()

	alice := mustCreateUser(t, store, "alice")
	bob := mustCreateUser(t, store, "bob")

	if _, err := store.CreateAuthToken(ctx, alice.ID, nowMs, nowMs-1); err != nil {
		t.Fatalf("CreateAuthToken error = %v", err)
	}
	live, err := store.CreateAuthToken(ctx, bob.ID, nowMs, nowMs+3600_000)
	if err != nil {
		t.Fatalf("CreateAuthToken error = %v", err)
	}

	removed, err := store.CleanExpiredTokens(ctx, nowMs)
	if err != nil {
		t.Fatalf("CleanExpiredTokens error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := store.ValidateToken(ctx, live.Token, nowMs); err != nil {
		t.Fatalf("ValidateToken(live) error = %v", err)
	}
}

func TestAuthTokens_Logout(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nowMs := time.Now().UnixMilli()

	user := mustCreateUser(t, store, "carol")

	token, err := store.CreateAuthToken(ctx, user.ID, nowMs, nowMs+3600_000)
	if err != nil {
		t.Fatalf("CreateAuthToken error = %v", err)
	}
	if err := store.DeleteToken(ctx, token.Token); err != nil {
		t.Fatalf("DeleteToken error = %v", err)
	}
	if _, err := store.ValidateToken(ctx, token.Token, nowMs); err != ErrTokenInvalid {
		t.Fatalf("ValidateToken after logout error = %v, want ErrTokenInvalid", err)
	}
}
