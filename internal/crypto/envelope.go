// Package crypto 메시지 본문의 대칭 인증 암호화(Fernet)를 제공합니다.
//
// 엣지 노드가 Fernet으로 암호화한 본문을 발송 직전에만 복호화하여,
// 평문 OTP가 직렬화 구조나 로그에 남지 않도록 합니다.
package crypto

import (
	"encoding/base64"
	"unicode/utf8"

	"github.com/fernet/fernet-go"

	apperrors "github.com/darkkaiser/otp-bridge/internal/pkg/errors"
)

// ErrInvalidToken 토큰 형식이 잘못되었거나 키가 일치하지 않을 때 반환하는 에러입니다.
var ErrInvalidToken = apperrors.New(apperrors.InvalidInput, "invalid_token")

// Envelope 사전 공유된 256비트 키로 동작하는 순수 암복호화기입니다.
// 키 외의 상태를 가지지 않으며, 모든 메서드는 동시 호출에 안전합니다.
type Envelope struct {
	keys []*fernet.Key
}

// NewEnvelope base64 인코딩된 32바이트 키로 Envelope를 생성합니다.
func NewEnvelope(encodedKey string) (*Envelope, error) {
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.InvalidInput, "Fernet 키를 해석할 수 없습니다")
	}

	return &Envelope{keys: []*fernet.Key{key}}, nil
}

// Encrypt 평문을 Fernet 토큰으로 암호화합니다.
func (e *Envelope) Encrypt(plaintext string) (string, error) {
	token, err := fernet.EncryptAndSign([]byte(plaintext), e.keys[0])
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Internal, "본문 암호화에 실패했습니다")
	}
	return string(token), nil
}

// Decrypt Fernet 토큰을 평문으로 복호화합니다.
// 토큰이 위조되었거나 키가 다르면 ErrInvalidToken을 반환합니다.
// TTL은 검사하지 않습니다 — 만료 정책은 DLO가 담당합니다.
func (e *Envelope) Decrypt(token string) (string, error) {
	plaintext := fernet.VerifyAndDecrypt([]byte(token), 0, e.keys)
	if plaintext == nil {
		return "", ErrInvalidToken
	}
	return string(plaintext), nil
}

// IsBase64Only 토큰이 Fernet 형식이 아닌 단순 base64 문자열인지 판별합니다.
//
// 일부 엣지 펌웨어는 본문을 base64로만 인코딩하고 encrypted=true로 표기합니다.
// 이 경우 디코딩 결과를 평문으로 취급하되, 호출부에서 설정 경고를 남겨야 합니다.
func IsBase64Only(s string) (string, bool) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if decoded, err = base64.URLEncoding.DecodeString(s); err != nil {
			return "", false
		}
	}

	// Fernet 토큰도 base64이므로, 디코딩 결과가 텍스트일 때만 평문으로 인정합니다.
	// (Fernet 토큰의 첫 바이트는 버전 0x80이라 유효한 UTF-8이 아닙니다)
	if !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}
