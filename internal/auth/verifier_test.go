package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/lokabook/bookings-api/internal/common"
)

const testSecret = "operator-secret"

func signToken(t *testing.T, secret string, mutate func(b *jwt.Builder)) string {
	t.Helper()
	now := time.Now()
	b := jwt.NewBuilder().
		Subject("op-1").
		Issuer("lokabook").
		Audience([]string{"lokabook-ops"}).
		IssuedAt(now).
		Expiration(now.Add(time.Hour))
	if mutate != nil {
		mutate(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}

func testVerifier() Verifier {
	return Verifier{
		Secret:   []byte(testSecret),
		Issuer:   "lokabook",
		Audience: "lokabook-ops",
	}
}

func TestParseOperatorToken(t *testing.T) {
	subject, err := testVerifier().ParseOperatorToken(signToken(t, testSecret, nil))
	require.NoError(t, err)
	require.Equal(t, "op-1", subject)
}

func TestParseOperatorTokenRejectsWrongSecret(t *testing.T) {
	_, err := testVerifier().ParseOperatorToken(signToken(t, "other-secret", nil))
	require.Error(t, err)
	require.True(t, common.IsAppError(err))
}

func TestParseOperatorTokenRejectsExpired(t *testing.T) {
	token := signToken(t, testSecret, func(b *jwt.Builder) {
		b.Expiration(time.Now().Add(-time.Hour))
	})
	_, err := testVerifier().ParseOperatorToken(token)
	require.Error(t, err)
}

func TestParseOperatorTokenRejectsWrongAudience(t *testing.T) {
	token := signToken(t, testSecret, func(b *jwt.Builder) {
		b.Audience([]string{"someone-else"})
	})
	_, err := testVerifier().ParseOperatorToken(token)
	require.Error(t, err)
}

func TestParseOperatorTokenRejectsEmpty(t *testing.T) {
	_, err := testVerifier().ParseOperatorToken("  ")
	require.Error(t, err)
}

func TestRequireOperatorMiddleware(t *testing.T) {
	m := Middleware{Verifier: testVerifier()}

	var gotOperator string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOperator, _ = common.OperatorID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	protected := m.RequireOperator(next)

	req := httptest.NewRequest(http.MethodGet, "/admin/webhook-events", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, nil))
	rr := httptest.NewRecorder()
	protected.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "op-1", gotOperator)

	rr = httptest.NewRecorder()
	protected.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/webhook-events", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/webhook-events", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr = httptest.NewRecorder()
	protected.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}
