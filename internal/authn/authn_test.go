package authn

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret []byte, subject, orgID string, expiry time.Duration) string {
	t.Helper()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
		OrgID: orgID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

func TestJWTVerifierAcceptsValidToken(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTVerifier(secret)
	token := signToken(t, secret, "user-1", "org-1", time.Hour)

	id, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-1" || id.OrgID != "org-1" {
		t.Errorf("Identity = %+v, want user-1/org-1", id)
	}
}

func TestJWTVerifierRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTVerifier(secret)
	token := signToken(t, secret, "user-1", "", -time.Hour)

	if _, err := v.Verify(context.Background(), token); err == nil {
		t.Fatal("expected an expired token to be rejected")
	}
}

func TestJWTVerifierRejectsWrongSecret(t *testing.T) {
	token := signToken(t, []byte("secret-a"), "user-1", "", time.Hour)
	v := NewJWTVerifier([]byte("secret-b"))

	if _, err := v.Verify(context.Background(), token); err == nil {
		t.Fatal("expected a token signed with a different secret to be rejected")
	}
}

func TestJWTVerifierRejectsEmptyToken(t *testing.T) {
	v := NewJWTVerifier([]byte("secret"))
	if _, err := v.Verify(context.Background(), ""); err != ErrMissingToken {
		t.Errorf("err = %v, want ErrMissingToken", err)
	}
}

func TestChainTriesEachVerifierInOrder(t *testing.T) {
	secret := []byte("test-secret")
	good := NewJWTVerifier(secret)
	bad := NewJWTVerifier([]byte("other"))
	chain := Chain{bad, good}

	token := signToken(t, secret, "user-1", "", time.Hour)
	id, err := chain.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", id.UserID)
	}
}
