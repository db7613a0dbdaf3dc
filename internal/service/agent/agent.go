// Package agent 이상 징후를 인시던트로 승격하여 외부 자동화 훅(n8n)으로
// 전달하는 CTO-Agent입니다.
//
// 동일 종류의 이상 징후는 쿨다운 시간 동안 한 번만 전달되며, 억제된
// 발생도 인시던트 링에는 suppressed 상태로 기록됩니다. 웹훅 페이로드는
// 정렬된 키의 압축 JSON으로 직렬화되고 HMAC-SHA256으로 서명됩니다.
package agent

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkkaiser/otp-bridge/internal/config"
	"github.com/darkkaiser/otp-bridge/internal/pkg/version"
	"github.com/darkkaiser/otp-bridge/internal/service/health"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

const component = "agent"

// webhookTimeout 웹훅 POST의 응답 대기 한도
const webhookTimeout = 10 * time.Second

// defaultIncidentListLimit 인시던트 목록 조회의 기본 개수
const defaultIncidentListLimit = 20

// WebhookStatus 인시던트의 웹훅 전달 상태입니다.
type WebhookStatus string

const (
	// StatusPending 전달 대상이 아니거나 아직 시도하지 않음 (웹훅 미설정 포함)
	StatusPending WebhookStatus = "pending"

	// StatusDelivered 웹훅이 정상 수신함 (2xx)
	StatusDelivered WebhookStatus = "delivered"

	// StatusFailed 전달 실패 (4xx, 5xx, 네트워크 오류)
	StatusFailed WebhookStatus = "failed"

	// StatusSuppressed 쿨다운에 의해 억제됨
	StatusSuppressed WebhookStatus = "suppressed"
)

// 이상 징후 종류별 권장 조치
var actionByKind = map[string]string{
	health.KindHeartbeatTimeout: "restart_network_switch",
	health.KindWeakSignal:       "restart_network_switch",
	health.KindLowBattery:       "notify_operator",
	health.KindDLOGrowth:        "notify_operator",
	health.KindWDTStorm:         "restart_gateway_node",
	health.KindQueueNearFull:    "emergency_queue_drain",
	health.KindQueueElevated:    "notify_operator",
}

// Incident 이상 징후가 승격된 인시던트 기록입니다. 생성 후에는 웹훅 전달
// 상태 외에는 변경되지 않습니다.
type Incident struct {
	ID            string                 `json:"id"`
	AlertType     string                 `json:"alert_type"`
	Severity      string                 `json:"severity"`
	SubjectNodeID string                 `json:"subject_node_id,omitempty"`
	Action        string                 `json:"action"`
	Issues        []string               `json:"issues"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Timestamp     int64                  `json:"timestamp"`
	WebhookStatus WebhookStatus          `json:"webhook_status"`
}

// Stats CTO-Agent의 누적 통계 스냅샷입니다. /api/metrics 응답에 그대로 직렬화됩니다.
type Stats struct {
	TotalSent       int64 `json:"total_sent"`
	TotalSuppressed int64 `json:"total_suppressed"`
	TotalFailed     int64 `json:"total_failed"`
	IncidentCount   int   `json:"incident_count"`
}

// Agent 인시던트 기록과 웹훅 전달을 담당합니다. 모든 메서드는 동시 호출에 안전합니다.
type Agent struct {
	cfg        config.AgentConfig
	httpClient *http.Client

	mu        sync.Mutex
	lastSent  map[string]time.Time
	incidents []*Incident
	seqDay    string
	seqNum    int

	totalSent       atomic.Int64
	totalSuppressed atomic.Int64
	totalFailed     atomic.Int64

	// now 현재 시각 함수. 테스트에서 대체됩니다.
	now func() time.Time
}

// New CTO-Agent를 생성합니다.
func New(cfg config.AgentConfig) *Agent {
	return &Agent{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: webhookTimeout},
		lastSent:   make(map[string]time.Time),
		now:        time.Now,
	}
}

// HandleIssue 이상 징후를 인시던트로 승격합니다. health.AlertSink 계약을 만족합니다.
//
// 쿨다운 진행 중인 종류는 suppressed로만 기록됩니다. 쿨다운은 웹훅이
// 실제로 수신했거나(2xx) 페이로드 문제로 거부한(4xx) 경우에만 시작되며,
// 네트워크 수준의 전달 실패는 다음 발생 시 즉시 재시도할 수 있게 합니다.
func (a *Agent) HandleIssue(issue health.Issue) {
	now := a.now()
	action := actionForKind(issue.Kind)

	a.mu.Lock()

	if last, ok := a.lastSent[issue.Kind]; ok && now.Sub(last) < a.cfg.Cooldown() {
		incident := a.recordLocked(issue, action, now, StatusSuppressed)
		a.mu.Unlock()

		a.totalSuppressed.Add(1)
		applog.WithComponentAndFields(component, applog.Fields{
			"incident_id": incident.ID,
			"kind":        issue.Kind,
		}).Debug("인시던트 억제: 쿨다운이 진행 중입니다")
		return
	}

	incident := a.recordLocked(issue, action, now, StatusPending)

	// 웹훅이 설정되지 않았으면 기록만 남깁니다.
	// 이 경우에도 쿨다운을 시작하여 주기 평가마다 링이 채워지는 것을 막습니다.
	if a.cfg.WebhookURL == "" {
		a.lastSent[issue.Kind] = now
		a.mu.Unlock()

		applog.WithComponentAndFields(component, applog.Fields{
			"incident_id": incident.ID,
			"kind":        issue.Kind,
			"action":      action,
		}).Warn("인시던트 기록: 웹훅이 설정되지 않아 전송을 생략합니다")
		return
	}
	a.mu.Unlock()

	a.deliver(incident, now)
}

// deliver 인시던트를 웹훅으로 전달하고 결과에 따라 상태와 쿨다운을 갱신합니다.
func (a *Agent) deliver(incident *Incident, now time.Time) {
	statusCode, err := a.post(incident)

	a.mu.Lock()
	defer a.mu.Unlock()

	logEntry := applog.WithComponentAndFields(component, applog.Fields{
		"incident_id": incident.ID,
		"alert_type":  incident.AlertType,
		"action":      incident.Action,
		"status_code": statusCode,
	})

	switch {
	case err == nil && statusCode >= 200 && statusCode < 300:
		incident.WebhookStatus = StatusDelivered
		a.lastSent[incident.AlertType] = now
		a.totalSent.Add(1)
		logEntry.Info("인시던트 전송: 웹훅이 정상 수신하였습니다")

	case err == nil && statusCode >= 400 && statusCode < 500:
		// 페이로드 거부는 재전송해도 결과가 같으므로 쿨다운을 시작합니다.
		incident.WebhookStatus = StatusFailed
		a.lastSent[incident.AlertType] = now
		a.totalFailed.Add(1)
		logEntry.Error("인시던트 전송 실패: 웹훅이 요청을 거부하였습니다")

	default:
		// 네트워크/서버 오류는 쿨다운 없이 다음 발생 시 즉시 재시도합니다.
		incident.WebhookStatus = StatusFailed
		a.totalFailed.Add(1)
		logEntry.WithField("error", err).Warn("인시던트 전송 실패: 웹훅에 도달하지 못했습니다")
	}
}

// post 인시던트 페이로드를 서명하여 웹훅으로 POST합니다.
func (a *Agent) post(incident *Incident) (int, error) {
	payload, err := a.canonicalPayload(incident)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Incident-Id", incident.ID)
	if a.cfg.WebhookSecret != "" {
		req.Header.Set("X-Signature", "sha256="+signPayload(payload, a.cfg.WebhookSecret))
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

// recordLocked 인시던트를 생성하여 링에 기록합니다. 호출자는 a.mu를 보유해야 합니다.
func (a *Agent) recordLocked(issue health.Issue, action string, now time.Time, status WebhookStatus) *Incident {
	incident := &Incident{
		ID:            a.nextIDLocked(now),
		AlertType:     issue.Kind,
		Severity:      string(issue.Severity),
		SubjectNodeID: issue.NodeID,
		Action:        action,
		Issues:        issue.Issues,
		Context:       issue.Context,
		Timestamp:     now.Unix(),
		WebhookStatus: status,
	}

	a.incidents = append(a.incidents, incident)
	for len(a.incidents) > a.cfg.MaxIncidents {
		a.incidents = a.incidents[1:]
	}
	return incident
}

// nextIDLocked 일자별 일련번호 기반의 인시던트 ID를 생성합니다. (inc-YYYYMMDD-NNN)
func (a *Agent) nextIDLocked(now time.Time) string {
	day := now.Format("20060102")
	if day != a.seqDay {
		a.seqDay = day
		a.seqNum = 0
	}
	a.seqNum++
	return fmt.Sprintf("inc-%s-%03d", day, a.seqNum)
}

// Incidents 최근 인시던트를 최신순으로 반환합니다.
// limit이 0 이하면 기본 개수, 링 크기를 넘으면 링 크기로 잘립니다.
func (a *Agent) Incidents(limit int) []*Incident {
	if limit <= 0 {
		limit = defaultIncidentListLimit
	}
	if limit > a.cfg.MaxIncidents {
		limit = a.cfg.MaxIncidents
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if limit > len(a.incidents) {
		limit = len(a.incidents)
	}

	out := make([]*Incident, 0, limit)
	for i := len(a.incidents) - 1; i >= len(a.incidents)-limit; i-- {
		out = append(out, a.incidents[i])
	}
	return out
}

// Snapshot 누적 통계의 스냅샷을 반환합니다.
func (a *Agent) Snapshot() Stats {
	a.mu.Lock()
	count := len(a.incidents)
	a.mu.Unlock()

	return Stats{
		TotalSent:       a.totalSent.Load(),
		TotalSuppressed: a.totalSuppressed.Load(),
		TotalFailed:     a.totalFailed.Load(),
		IncidentCount:   count,
	}
}

// actionForKind 이상 징후 종류에 대한 권장 조치를 반환합니다.
func actionForKind(kind string) string {
	if action, ok := actionByKind[kind]; ok {
		return action
	}
	return "notify_operator"
}

// canonicalPayload 서명 대상이 되는 정준 JSON 페이로드를 생성합니다.
//
// map 기반으로 직렬화하여 키가 항상 사전순으로 정렬되고 공백이 없는
// 압축 형태가 되도록 합니다. 수신 측은 동일한 바이트열로 서명을 검증합니다.
// issues는 발견 순서를 유지한 목록으로, subject_node_id는 노드와 무관한
// 인시던트에서 null로 직렬화됩니다.
func (a *Agent) canonicalPayload(incident *Incident) ([]byte, error) {
	v := version.Get()

	issues := incident.Issues
	if issues == nil {
		issues = []string{}
	}

	var subjectNodeID interface{}
	if incident.SubjectNodeID != "" {
		subjectNodeID = incident.SubjectNodeID
	}

	payload := map[string]interface{}{
		"id":              incident.ID,
		"alert_type":      incident.AlertType,
		"severity":        incident.Severity,
		"action":          incident.Action,
		"issues":          issues,
		"timestamp":       incident.Timestamp,
		"subject_node_id": subjectNodeID,
		"metadata": map[string]interface{}{
			"service":          "otp-bridge",
			"version":          v.Version,
			"total_sent":       a.totalSent.Load(),
			"total_suppressed": a.totalSuppressed.Load(),
			"total_failed":     a.totalFailed.Load(),
		},
	}

	return json.Marshal(payload)
}

// signPayload 페이로드의 HMAC-SHA256 서명을 16진수 문자열로 반환합니다.
func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
