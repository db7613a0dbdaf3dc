package api

import (
	"github.com/darkkaiser/otp-bridge/internal/message"
	"github.com/darkkaiser/otp-bridge/internal/service/agent"
)

// maxDecryptedBodyLength 복호화 후 본문의 최대 길이 (SMS 연접 수신 상한)
const maxDecryptedBodyLength = 4096

// InboundSMSRequest 엣지 노드의 SMS 접수 요청입니다.
type InboundSMSRequest struct {
	SMSID     string `json:"sms_id" validate:"required,max=128"`
	Sender    string `json:"sender" validate:"required"`
	Body      string `json:"body" validate:"required"`
	Timestamp int64  `json:"timestamp"`
	NodeID    string `json:"node_id" validate:"required,max=64"`
	Priority  string `json:"priority" validate:"omitempty,oneof=high normal low"`
	Encrypted bool   `json:"encrypted"`
}

// EnqueueResult SMS 접수 응답 데이터입니다.
type EnqueueResult struct {
	SMSID      string `json:"sms_id"`
	Status     string `json:"status"`
	QueueDepth int    `json:"queue_depth"`
}

// DeadLetterList DLO 목록 응답 데이터입니다. 본문은 직렬화 시 항상 가려집니다.
type DeadLetterList struct {
	Count       int                   `json:"count"`
	DeadLetters []*message.DeadLetter `json:"dead_letters"`
}

// IncidentList 인시던트 목록 응답 데이터입니다.
type IncidentList struct {
	Count     int               `json:"count"`
	Incidents []*agent.Incident `json:"incidents"`
}

// PurgeResult DLO 일괄 비우기 응답 데이터입니다.
type PurgeResult struct {
	Purged int `json:"purged"`
}

// ServiceInfo 루트/버전 엔드포인트 응답 데이터입니다.
type ServiceInfo struct {
	Service     string `json:"service"`
	Version     string `json:"version"`
	Commit      string `json:"commit,omitempty"`
	BuildDate   string `json:"build_date,omitempty"`
	BuildNumber string `json:"build_number,omitempty"`
}
