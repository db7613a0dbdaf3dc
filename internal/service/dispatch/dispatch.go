// Package dispatch 발송 채널(텔레그램, 이메일)의 공통 계약을 정의합니다.
//
// 큐 워커는 이 패키지의 Dispatcher 인터페이스만 바라보며,
// 발송 결과의 분류(Result.Status)에 따라 재시도/폴백/DLO 이관을 결정합니다.
package dispatch

import (
	"context"
	"time"

	"github.com/darkkaiser/otp-bridge/internal/crypto"
	"github.com/darkkaiser/otp-bridge/internal/message"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

// Status 발송 시도 결과의 분류입니다.
type Status int

const (
	// StatusDelivered 발송 성공
	StatusDelivered Status = iota

	// StatusRateLimited 채널의 속도 제한에 걸림. 재시도 횟수를 소모하지 않고
	// RetryAfter 경과 후 큐의 선두로 복귀합니다.
	StatusRateLimited

	// StatusTransient 일시적 실패 (5xx, 네트워크 오류, 타임아웃). 재시도 대상입니다.
	StatusTransient

	// StatusTerminal 영구적 실패 (4xx 등). 같은 채널로의 재시도는 무의미합니다.
	StatusTerminal
)

// String Status의 문자열 표현을 반환합니다.
func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRateLimited:
		return "rate_limited"
	case StatusTransient:
		return "transient_error"
	default:
		return "terminal_error"
	}
}

// Result 단일 발송 시도의 결과입니다.
type Result struct {
	// Status 결과 분류
	Status Status

	// RetryAfter StatusRateLimited일 때 다음 시도까지 대기할 시간
	RetryAfter time.Duration

	// Err 실패 사유 (성공 시 nil)
	Err error
}

// Delivered 발송 성공 결과를 생성합니다.
func Delivered() Result {
	return Result{Status: StatusDelivered}
}

// RateLimited 속도 제한 결과를 생성합니다.
func RateLimited(retryAfter time.Duration, err error) Result {
	return Result{Status: StatusRateLimited, RetryAfter: retryAfter, Err: err}
}

// Transient 일시적 실패 결과를 생성합니다.
func Transient(err error) Result {
	return Result{Status: StatusTransient, Err: err}
}

// Terminal 영구적 실패 결과를 생성합니다.
func Terminal(err error) Result {
	return Result{Status: StatusTerminal, Err: err}
}

// Stats 발송 채널의 누적 통계입니다. /api/metrics 응답에 그대로 직렬화됩니다.
type Stats struct {
	TotalSent        int64 `json:"total_sent"`
	TotalRateLimited int64 `json:"total_rate_limited"`
	TotalErrors      int64 `json:"total_errors"`
	Connected        bool  `json:"connected"`
	RateLimited      bool  `json:"rate_limited"`
}

// Dispatcher 단일 발송 채널의 계약입니다.
// Dispatch는 동시 호출에 안전해야 하며, 패닉 대신 항상 Result를 반환해야 합니다.
type Dispatcher interface {
	// Name 채널 식별자 ("telegram", "email")
	Name() string

	// Dispatch 레코드 한 건을 발송합니다. 본문 복호화는 이 안에서,
	// 네트워크 호출 직전에만 수행됩니다 (Zero-Log 정책).
	Dispatch(ctx context.Context, rec *message.Record) Result

	// Stats 누적 통계의 스냅샷을 반환합니다.
	Stats() Stats
}

// ResolveBody 레코드의 본문을 발송 가능한 평문으로 해석합니다.
//
// Encrypted=false면 본문을 그대로 반환합니다.
// Encrypted=true면 Fernet 복호화를 시도하고, 실패 시 단순 base64 페이로드인지
// 확인합니다. 일부 엣지 펌웨어가 base64 인코딩만 하고 encrypted=true로
// 표기하는 경우가 있어, 이때는 경고를 남기고 디코딩 결과를 평문으로 취급합니다.
//
// 반환된 평문은 호출 스택을 벗어나 저장되거나 로깅되어서는 안 됩니다.
func ResolveBody(envelope *crypto.Envelope, rec *message.Record) (string, error) {
	if !rec.Encrypted {
		return rec.Body, nil
	}

	// 키가 설정되지 않은 경우에도 base64 전용 페이로드는 구제합니다.
	err := crypto.ErrInvalidToken
	if envelope != nil {
		var plaintext string
		if plaintext, err = envelope.Decrypt(rec.Body); err == nil {
			return plaintext, nil
		}
	}

	if decoded, ok := crypto.IsBase64Only(rec.Body); ok {
		applog.WithComponentAndFields("dispatch", applog.Fields{
			"sms_id":  rec.SMSID,
			"node_id": rec.NodeID,
		}).Warn("본문이 Fernet 토큰이 아닌 단순 base64입니다. 엣지 노드의 암호화 설정을 확인하세요")
		return decoded, nil
	}

	return "", err
}
