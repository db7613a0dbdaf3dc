package dispatch

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkkaiser/otp-bridge/internal/crypto"
	"github.com/darkkaiser/otp-bridge/internal/message"
)

func newTestEnvelope(t *testing.T) *crypto.Envelope {
	t.Helper()

	var key fernet.Key
	require.NoError(t, key.Generate())

	env, err := crypto.NewEnvelope(key.Encode())
	require.NoError(t, err)
	return env
}

func TestResolveBody(t *testing.T) {
	t.Parallel()

	env := newTestEnvelope(t)

	t.Run("성공: 평문 레코드는 그대로 반환", func(t *testing.T) {
		t.Parallel()

		body, err := ResolveBody(env, &message.Record{Body: "plain body", Encrypted: false})

		require.NoError(t, err)
		assert.Equal(t, "plain body", body)
	})

	t.Run("성공: Fernet 토큰 복호화", func(t *testing.T) {
		t.Parallel()

		token, err := env.Encrypt("Your OTP is 123456")
		require.NoError(t, err)

		body, err := ResolveBody(env, &message.Record{Body: token, Encrypted: true})

		require.NoError(t, err)
		assert.Equal(t, "Your OTP is 123456", body)
	})

	t.Run("성공: 단순 base64 페이로드는 디코딩 후 평문으로 취급", func(t *testing.T) {
		t.Parallel()

		encoded := base64.StdEncoding.EncodeToString([]byte("legacy firmware body"))

		body, err := ResolveBody(env, &message.Record{Body: encoded, Encrypted: true})

		require.NoError(t, err)
		assert.Equal(t, "legacy firmware body", body)
	})

	t.Run("실패: 해석 불가능한 본문", func(t *testing.T) {
		t.Parallel()

		_, err := ResolveBody(env, &message.Record{Body: "\xff\xfe-garbage", Encrypted: true})

		assert.True(t, errors.Is(err, crypto.ErrInvalidToken))
	})
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "delivered", StatusDelivered.String())
	assert.Equal(t, "rate_limited", StatusRateLimited.String())
	assert.Equal(t, "transient_error", StatusTransient.String())
	assert.Equal(t, "terminal_error", StatusTerminal.String())
}
