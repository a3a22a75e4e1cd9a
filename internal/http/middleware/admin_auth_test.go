package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func serveAdmin(t *testing.T, secret, header string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	called := false
	AdminJWT(secret, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		claims, ok := AdminClaimsFromContext(r.Context())
		if !ok || claims.Subject != "ops" {
			t.Fatalf("expected admin claims in context, got %+v", claims)
		}
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)
	return rec, called
}

func TestAdminJWT(t *testing.T) {
	future := time.Now().Add(5 * time.Minute)
	cases := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"disabled without secret", "", "Bearer " + signedAdminToken(t, "secret", "", future), http.StatusUnauthorized},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"not a bearer", "secret", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "secret", "Bearer " + signedAdminToken(t, "wrong", "", future), http.StatusUnauthorized},
		{"expired", "secret", "Bearer " + signedAdminToken(t, "secret", "", time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"foreign issuer", "secret", "Bearer " + signedAdminToken(t, "secret", "someone-else", future), http.StatusUnauthorized},
		{"valid", "secret", "Bearer " + signedAdminToken(t, "secret", AdminIssuer, future), http.StatusOK},
		{"valid without issuer", "secret", "Bearer " + signedAdminToken(t, "secret", "", future), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, called := serveAdmin(t, tc.secret, tc.header)
			if rec.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rec.Code)
			}
			if called != (tc.want == http.StatusOK) {
				t.Fatalf("handler called = %v", called)
			}
		})
	}
}

func TestAdminJWTRequiresExpiry(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec, _ := serveAdmin(t, "secret", "Bearer "+signed)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func signedAdminToken(t *testing.T, secret, issuer string, expires time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "ops",
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
