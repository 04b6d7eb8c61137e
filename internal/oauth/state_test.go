package oauth

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStateKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestStateCodec_RoundTrip(t *testing.T) {
	c, err := NewStateCodec(testStateKey(1), 10*time.Minute)
	require.NoError(t, err)

	in := CompositeState{
		TxnID:       "txn-123",
		CallerState: "caller-state",
		RedirectURI: "https://app.example.com/cb",
		SessionID:   "sid-1",
	}
	token, err := c.Encode(in)
	require.NoError(t, err)

	out, err := c.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestStateCodec_Rejects(t *testing.T) {
	c, err := NewStateCodec(testStateKey(1), 10*time.Minute)
	require.NoError(t, err)

	valid, err := c.Encode(CompositeState{TxnID: "txn", RedirectURI: "https://app.example.com/cb"})
	require.NoError(t, err)

	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(valid, ".")
		require.Len(t, parts, 3)
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
			Txn: "other-txn",
			Ru:  "https://evil.example.com/cb",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    stateIssuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		}).SignedString(testStateKey(2))
		require.NoError(t, err)
		forgedParts := strings.Split(forged, ".")

		_, err = c.Decode(parts[0] + "." + forgedParts[1] + "." + parts[2])
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewStateCodec(testStateKey(2), 10*time.Minute)
		require.NoError(t, err)
		_, err = other.Decode(valid)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("expired", func(t *testing.T) {
		later, err := NewStateCodec(testStateKey(1), 10*time.Minute)
		require.NoError(t, err)
		later.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
		_, err = later.Decode(valid)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("unsigned", func(t *testing.T) {
		none, err := jwt.NewWithClaims(jwt.SigningMethodNone, stateClaims{
			Txn: "txn",
			Ru:  "https://app.example.com/cb",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    stateIssuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = c.Decode(none)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := c.Decode("not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestNewStateCodec_Validation(t *testing.T) {
	_, err := NewStateCodec([]byte("short"), time.Minute)
	assert.Error(t, err)
	_, err = NewStateCodec(testStateKey(1), 0)
	assert.Error(t, err)
}

func TestResolveStateKey(t *testing.T) {
	explicit, err := ResolveStateKey("state-secret", "enc-key")
	require.NoError(t, err)
	assert.Len(t, explicit, 32)

	again, err := ResolveStateKey("state-secret", "other")
	require.NoError(t, err)
	assert.Equal(t, explicit, again)

	derived, err := ResolveStateKey("", "enc-key")
	require.NoError(t, err)
	assert.Len(t, derived, 32)
	assert.NotEqual(t, explicit, derived)

	r1, err := ResolveStateKey("", "")
	require.NoError(t, err)
	r2, err := ResolveStateKey("", "")
	require.NoError(t, err)
	assert.Len(t, r1, 32)
	assert.NotEqual(t, r1, r2)
}
