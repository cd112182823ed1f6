package session

import (
	"errors"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	i := NewTokenIssuer("test-secret", time.Hour)
	t.Cleanup(i.Stop)
	return i
}

func TestDeviceTokenRoundTrip(t *testing.T) {
	i := newTestIssuer(t)
	tok, err := i.MintDeviceToken("dev1")
	if err != nil {
		t.Fatalf("MintDeviceToken: %s", err)
	}
	if err := i.VerifyDeviceToken(tok, "dev1"); err != nil {
		t.Fatalf("VerifyDeviceToken: %s", err)
	}
	if err := i.VerifyDeviceToken(tok, "dev2"); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("token for another device: got %v want ErrTokenMismatch", err)
	}
	if err := i.VerifyDeviceToken("not-a-jwt", "dev1"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token: got %v want ErrInvalidToken", err)
	}
}

func TestDeviceTokenWrongSecret(t *testing.T) {
	i := newTestIssuer(t)
	other := NewTokenIssuer("different-secret", time.Hour)
	defer other.Stop()
	tok, err := other.MintDeviceToken("dev1")
	if err != nil {
		t.Fatalf("MintDeviceToken: %s", err)
	}
	if err := i.VerifyDeviceToken(tok, "dev1"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token signed with wrong secret accepted: %v", err)
	}
}

func TestSessionTokenLifecycle(t *testing.T) {
	i := newTestIssuer(t)
	now := time.Now()
	i.SetTimeFunc(func() time.Time { return now })

	tok, err := i.MintSessionToken("dev1")
	if err != nil {
		t.Fatalf("MintSessionToken: %s", err)
	}
	deviceID, err := i.VerifySessionToken(tok)
	if err != nil {
		t.Fatalf("VerifySessionToken: %s", err)
	}
	if deviceID != "dev1" {
		t.Fatalf("bound device: got %q want dev1", deviceID)
	}

	t.Log("A device token must not pass where a session token is required.")
	devTok, err := i.MintDeviceToken("dev1")
	if err != nil {
		t.Fatalf("MintDeviceToken: %s", err)
	}
	if _, err := i.VerifySessionToken(devTok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("device token accepted as session token: %v", err)
	}

	t.Log("Revocation must reject the token ahead of its natural expiry.")
	i.Revoke(tok)
	if _, err := i.VerifySessionToken(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("revoked token accepted: %v", err)
	}
}

func TestSessionTokenExpiry(t *testing.T) {
	i := newTestIssuer(t)
	now := time.Now()
	i.SetTimeFunc(func() time.Time { return now })

	tok, err := i.MintSessionToken("dev1")
	if err != nil {
		t.Fatalf("MintSessionToken: %s", err)
	}

	now = now.Add(time.Hour + time.Minute)
	if _, err := i.VerifySessionToken(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestSessionTokensAreUnique(t *testing.T) {
	i := newTestIssuer(t)
	now := time.Now()
	i.SetTimeFunc(func() time.Time { return now })

	a, err := i.MintSessionToken("dev1")
	if err != nil {
		t.Fatalf("MintSessionToken: %s", err)
	}
	b, err := i.MintSessionToken("dev1")
	if err != nil {
		t.Fatalf("MintSessionToken: %s", err)
	}
	if a == b {
		t.Fatalf("two tokens minted at the same instant collided")
	}
}
