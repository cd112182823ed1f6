package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrInvalidToken  = errors.New("invalid session token")
	ErrTokenMismatch = errors.New("token is bound to a different device")
)

// TokenIssuer mints and verifies the two token flavours the gateway deals in:
//
//   - device tokens: long-lived credentials handed out at registration, presented
//     by a device to prove its identity when opening a negotiation;
//   - session tokens: short-lived, minted fresh per negotiation attempt, doubling
//     as the session identifier on the wire.
//
// Both are HS256 JWTs binding a deviceId claim, so the binding can be verified
// without any store lookup. Session tokens of ended sessions are revoked: they sit
// in a TTL cache until their natural expiry, after which the exp claim rejects
// them anyway.
type TokenIssuer struct {
	secret     []byte
	sessionTTL time.Duration
	revoked    *ttlcache.Cache[string, struct{}]
	timeFunc   func() time.Time
}

func NewTokenIssuer(secret string, sessionTTL time.Duration) *TokenIssuer {
	i := &TokenIssuer{
		secret:     []byte(secret),
		sessionTTL: sessionTTL,
		revoked:    ttlcache.New[string, struct{}](),
		timeFunc:   time.Now,
	}
	go i.revoked.Start()
	return i
}

// SetTimeFunc overrides the clock used for claims and validation. Tests only.
func (i *TokenIssuer) SetTimeFunc(fn func() time.Time) {
	i.timeFunc = fn
}

func (i *TokenIssuer) Stop() {
	i.revoked.Stop()
}

// newSessionID returns a 24-char hex session identifier for the sid claim.
func newSessionID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("session: failed to read entropy: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// MintDeviceToken issues the long-lived device credential returned by a
// successful registration.
func (i *TokenIssuer) MintDeviceToken(deviceID string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"deviceId": deviceID,
		"iat":      i.timeFunc().Unix(),
	})
	return tok.SignedString(i.secret)
}

// MintSessionToken issues a fresh session token bound to deviceID, expiring
// after the configured session TTL.
func (i *TokenIssuer) MintSessionToken(deviceID string) (string, error) {
	now := i.timeFunc()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"deviceId": deviceID,
		"sid":      newSessionID(),
		"iat":      now.Unix(),
		"exp":      now.Add(i.sessionTTL).Unix(),
	})
	return tok.SignedString(i.secret)
}

func (i *TokenIssuer) parse(tokenStr string) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time {
		return i.timeFunc()
	}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyDeviceToken checks the signature and returns an error unless the token is
// bound to the claimed device.
func (i *TokenIssuer) VerifyDeviceToken(tokenStr, claimedDeviceID string) error {
	claims, err := i.parse(tokenStr)
	if err != nil {
		return err
	}
	deviceID, _ := claims["deviceId"].(string)
	if deviceID == "" {
		return ErrInvalidToken
	}
	if deviceID != claimedDeviceID {
		return fmt.Errorf("%w: token for %q, claimed %q", ErrTokenMismatch, deviceID, claimedDeviceID)
	}
	return nil
}

// VerifySessionToken checks signature, expiry and revocation, and returns the
// deviceID the token is bound to.
func (i *TokenIssuer) VerifySessionToken(tokenStr string) (string, error) {
	if i.revoked.Has(tokenStr) {
		return "", ErrInvalidToken
	}
	claims, err := i.parse(tokenStr)
	if err != nil {
		return "", err
	}
	if sid, _ := claims["sid"].(string); sid == "" {
		// a device token is not acceptable where a session token is required
		return "", ErrInvalidToken
	}
	deviceID, _ := claims["deviceId"].(string)
	if deviceID == "" {
		return "", ErrInvalidToken
	}
	return deviceID, nil
}

// Revoke invalidates a session token ahead of its natural expiry. The token is
// remembered only for as long as its exp claim keeps it plausible.
func (i *TokenIssuer) Revoke(tokenStr string) {
	ttl := i.sessionTTL
	if claims, err := i.parse(tokenStr); err == nil {
		if expiry, err := claims.GetExpirationTime(); err == nil && expiry != nil {
			if remaining := expiry.Time.Sub(i.timeFunc()); remaining > 0 {
				ttl = remaining
			}
		}
	}
	i.revoked.Set(tokenStr, struct{}{}, ttl)
}
