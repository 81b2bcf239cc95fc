package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mintToken creates a decodable JWT expiring at exp. The signature is not
// verified by the inspector, so any key works.
func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Subject:   "did:plc:test",
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return raw
}

func TestDecode_ValidToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	c, err := Decode(mintToken(t, exp))
	require.NoError(t, err)
	assert.WithinDuration(t, exp, c.ExpiresAt, time.Second)
	assert.False(t, c.IssuedAt.IsZero())
}

func TestDecode_Malformed(t *testing.T) {
	for _, raw := range []string{"", "not-a-jwt", "a.b", "a.b.c"} {
		_, err := Decode(raw)
		assert.Error(t, err, "token %q should not decode", raw)
	}
}

func TestIsExpired_FailClosed(t *testing.T) {
	// Every malformed or unparseable token reads as already expired.
	for _, raw := range []string{"", "garbage", "x.y.z"} {
		assert.True(t, IsExpired(raw, 0))
		assert.EqualValues(t, 0, RemainingSeconds(raw))
	}
}

func TestIsExpired_Buffer(t *testing.T) {
	tok := mintToken(t, time.Now().Add(200*time.Second))
	assert.False(t, IsExpired(tok, 0))
	assert.False(t, IsExpired(tok, 100*time.Second))
	// Expiry falls inside the 300s buffer.
	assert.True(t, IsExpired(tok, 300*time.Second))
}

func TestRemainingSeconds(t *testing.T) {
	tok := mintToken(t, time.Now().Add(time.Hour))
	rem := RemainingSeconds(tok)
	assert.InDelta(t, 3600, rem, 2)

	past := mintToken(t, time.Now().Add(-time.Minute))
	assert.EqualValues(t, 0, RemainingSeconds(past))
}

func TestInspect_NeedsRefreshInsideBuffer(t *testing.T) {
	// Scenario: access token expiring in 200s with a 300s buffer must need
	// refresh immediately while not yet being expired.
	tok := mintToken(t, time.Now().Add(200*time.Second))
	info := Inspect("did:plc:test", KindAccess, tok, 300*time.Second)
	assert.True(t, info.NeedsRefresh)
	assert.False(t, info.IsExpired)
	assert.InDelta(t, 200, info.Remaining, 2)
}

func TestInspect_Malformed(t *testing.T) {
	info := Inspect("did:plc:test", KindRefresh, "garbage", time.Hour)
	assert.True(t, info.IsExpired)
	assert.True(t, info.NeedsRefresh)
	assert.EqualValues(t, 0, info.Remaining)
	assert.True(t, info.ExpiresAt.IsZero())
}
