// Package message 파이프라인을 흐르는 작업 단위(Message Record)와
// Dead Letter 모델을 정의합니다.
//
// Zero-Log 정책: Body 필드는 어떤 직렬화 형태로도 외부에 노출되지 않습니다.
// Dead Letter의 직렬화 시 body는 항상 "[ENCRYPTED]" 센티널로 대체됩니다.
package message

import (
	"encoding/json"
	"time"
)

// RedactedBody Dead Letter 직렬화 시 body 자리에 들어가는 센티널 값입니다.
const RedactedBody = "[ENCRYPTED]"

// Priority 메시지의 처리 우선순위입니다.
// 순서는 권고 사항이며, 동일 우선순위 내에서는 FIFO가 보장됩니다.
type Priority int

const (
	// PriorityLow 텔레메트리성, 시스템 메시지
	PriorityLow Priority = iota

	// PriorityNormal 일반 SMS
	PriorityNormal

	// PriorityHigh OTP 등 시간 민감 메시지
	PriorityHigh
)

// priorityCount 우선순위 버킷의 개수
const priorityCount = 3

// ParsePriority 문자열을 Priority로 변환합니다. 알 수 없는 값은 Normal로 처리합니다.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// String Priority의 문자열 표현을 반환합니다.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Valid 정의된 우선순위 범위 내의 값인지 확인합니다.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p < priorityCount
}

// Record 파이프라인을 흐르는 불변의 작업 단위입니다.
//
// SMSID는 파이프라인 전체 생명주기(DLO 포함)에 걸친 멱등성 키입니다.
// RetryCount와 LastError는 큐 워커만이 변경합니다.
type Record struct {
	// SMSID 엣지 노드 기준 전역 고유 식별자 (멱등성 키)
	SMSID string `json:"sms_id"`

	// Sender 발신자 전화번호 (형식 검증하지 않음)
	Sender string `json:"sender"`

	// Body 메시지 본문. Encrypted=true면 Fernet 암호문, 아니면 평문.
	// 직렬화 금지 — 로그와 API 응답 어디에도 노출되지 않습니다.
	Body string `json:"-"`

	// Timestamp 발신 시각 (epoch 초)
	Timestamp int64 `json:"timestamp"`

	// NodeID 발신 엣지 노드 식별자
	NodeID string `json:"node_id"`

	// Priority 처리 우선순위
	Priority Priority `json:"priority"`

	// Encrypted Body가 암호문인지 여부
	Encrypted bool `json:"encrypted"`

	// RetryCount 재시도 횟수 (큐 워커만 변경)
	RetryCount int `json:"retry_count"`

	// LastError 마지막 전송 실패 사유 (없으면 빈 문자열)
	LastError string `json:"last_error,omitempty"`

	// CreatedAt 큐 등록 시각 (epoch 초)
	CreatedAt int64 `json:"created_at"`
}

// DeadLetter 재시도를 소진하고 DLO에 보존된 메시지입니다.
// Record를 그대로 품고 있어 수동 재시도 시 암호문 본문을 복원할 수 있습니다.
type DeadLetter struct {
	Record

	// DeadLetteredAt DLO 수용 시각 (epoch 초)
	DeadLetteredAt int64

	// ExpiresAt TTL 만료 시각 (DeadLetteredAt + DLO_TTL)
	ExpiresAt int64

	// ManualRetryCount 수동 재시도가 시도된 횟수
	ManualRetryCount int
}

// Expired TTL 만료 여부를 반환합니다.
func (d *DeadLetter) Expired(now time.Time) bool {
	return now.Unix() >= d.ExpiresAt
}

// MarshalJSON Dead Letter의 직렬화 형태를 정의합니다.
// body는 어떤 경우에도 "[ENCRYPTED]" 센티널로 대체됩니다 (Zero-Log 정책).
func (d *DeadLetter) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"sms_id":             d.SMSID,
		"sender":             d.Sender,
		"body":               RedactedBody,
		"timestamp":          d.Timestamp,
		"node_id":            d.NodeID,
		"priority":           d.Priority.String(),
		"retry_count":        d.RetryCount,
		"last_error":         d.LastError,
		"created_at":         d.CreatedAt,
		"dead_lettered_at":   d.DeadLetteredAt,
		"expires_at":         d.ExpiresAt,
		"manual_retry_count": d.ManualRetryCount,
	})
}
