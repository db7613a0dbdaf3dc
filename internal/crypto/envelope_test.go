package crypto

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) string {
	t.Helper()

	var key fernet.Key
	require.NoError(t, key.Generate())
	return key.Encode()
}

func TestNewEnvelope(t *testing.T) {
	t.Parallel()

	t.Run("성공: 유효한 키로 생성", func(t *testing.T) {
		t.Parallel()

		env, err := NewEnvelope(generateKey(t))
		require.NoError(t, err)
		assert.NotNil(t, env)
	})

	t.Run("실패: base64가 아닌 키", func(t *testing.T) {
		t.Parallel()

		_, err := NewEnvelope("not-a-key!!!")
		require.Error(t, err)
	})
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(generateKey(t))
	require.NoError(t, err)

	// Given
	plaintext := "Your OTP is 482913"

	// When
	token, err := env.Encrypt(plaintext)
	require.NoError(t, err)

	decrypted, err := env.Decrypt(token)
	require.NoError(t, err)

	// Then
	assert.Equal(t, plaintext, decrypted)
	assert.NotContains(t, token, "482913")
}

func TestEnvelopeDecryptFailures(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(generateKey(t))
	require.NoError(t, err)

	t.Run("실패: 형식이 잘못된 토큰", func(t *testing.T) {
		t.Parallel()

		_, err := env.Decrypt("garbage-token")
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("실패: 다른 키로 암호화된 토큰", func(t *testing.T) {
		t.Parallel()

		other, err := NewEnvelope(generateKey(t))
		require.NoError(t, err)

		token, err := other.Encrypt("secret")
		require.NoError(t, err)

		_, err = env.Decrypt(token)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})
}

func TestIsBase64Only(t *testing.T) {
	t.Parallel()

	t.Run("성공: 단순 base64 페이로드 판별", func(t *testing.T) {
		t.Parallel()

		encoded := base64.StdEncoding.EncodeToString([]byte("plain sms body"))
		decoded, ok := IsBase64Only(encoded)

		assert.True(t, ok)
		assert.Equal(t, "plain sms body", decoded)
	})

	t.Run("실패: base64가 아닌 문자열", func(t *testing.T) {
		t.Parallel()

		_, ok := IsBase64Only("definitely not base64 !!!")
		assert.False(t, ok)
	})
}
