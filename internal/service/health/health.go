// Package health 엣지 노드와 파이프라인의 건강 상태를 감시합니다.
//
// 텔레메트리가 수신될 때마다, 그리고 주기 타이머마다 규칙을 평가하여
// 발견된 이상 징후(Issue)를 경보 싱크(CTO-Agent)로 전달합니다.
// 경보의 중복 억제(쿨다운)는 이 패키지가 아니라 에이전트가 담당합니다.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/darkkaiser/otp-bridge/internal/config"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

const component = "health"

// Severity 이상 징후의 심각도입니다.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// 이상 징후의 종류
const (
	KindHeartbeatTimeout = "heartbeat_timeout"
	KindLowBattery       = "low_battery"
	KindWeakSignal       = "weak_signal"
	KindWDTStorm         = "wdt_storm"
	KindQueueNearFull    = "queue_near_full"
	KindQueueElevated    = "queue_elevated"
	KindDLOGrowth        = "dlo_growth"
)

const (
	// queueNearFullRatio 큐 적재율이 이 비율을 넘으면 emergency
	queueNearFullRatio = 0.9

	// queueElevatedRatio 큐 적재율이 이 비율을 넘으면 warning
	queueElevatedRatio = 0.7

	// wdtStormWindow WDT 재시작 폭주 판정 구간
	wdtStormWindow = time.Hour

	// wdtStormThreshold 구간 내 재시작 증가량이 이 값을 넘으면 폭주로 판정
	wdtStormThreshold = 5

	// batteryFullMV 리튬이온 셀의 만충 전압 (battery_percent 환산용)
	batteryFullMV = 4200

	// batteryEmptyMV 방전 한계 전압
	batteryEmptyMV = 3000
)

// Issue 감시 규칙이 발견한 이상 징후입니다.
// Issues는 사람이 읽을 수 있는 설명의 순서 있는 목록입니다.
type Issue struct {
	Kind       string                 `json:"kind"`
	Severity   Severity               `json:"severity"`
	NodeID     string                 `json:"subject_node_id,omitempty"`
	Issues     []string               `json:"issues"`
	Context    map[string]interface{} `json:"context,omitempty"`
	DetectedAt int64                  `json:"detected_at"`
}

// Telemetry 엣지 노드가 보고하는 상태 정보입니다.
// battery_mv와 wifi_rssi는 생략 가능하며, 보고되지 않은 필드는
// 임계값 판정에서 제외됩니다 (0 값 보고와 미보고를 구분합니다).
type Telemetry struct {
	NodeID       string   `json:"node_id" validate:"required,max=64"`
	BatteryMV    *int     `json:"battery_mv" validate:"omitempty,gte=0"`
	WifiRSSIDBm  *int     `json:"wifi_rssi" validate:"omitempty,lte=0"`
	WifiState    int      `json:"wifi_state" validate:"gte=0,lte=4"`
	Reconnects   int      `json:"reconnects" validate:"gte=0"`
	WDTRestarts  int      `json:"wdt_resets" validate:"gte=0"`
	UptimeSec    int64    `json:"uptime_sec" validate:"gte=0"`
	HeapFree     int64    `json:"heap_free" validate:"gte=0"`
	StoredSMSIDs []string `json:"stored_sms_ids,omitempty"`
	Timestamp    int64    `json:"timestamp,omitempty"`
}

// NodeStatus 노드 한 대의 현재 상태 스냅샷입니다.
type NodeStatus struct {
	NodeID           string `json:"node_id"`
	LastSeenAt       int64  `json:"last_seen_at"`
	SecondsSinceSeen int64  `json:"seconds_since_seen"`
	BatteryMV        int    `json:"battery_mv"`
	BatteryPercent   int    `json:"battery_percent"`
	WifiRSSIDBm      int    `json:"wifi_rssi"`
	WifiState        int    `json:"wifi_state"`
	Reconnects       int    `json:"reconnects"`
	WDTRestarts      int    `json:"wdt_resets"`
	HeapFree         int64  `json:"heap_free"`
	StoredSMSCount   int    `json:"stored_sms_count"`
	UptimeSec        int64  `json:"uptime_sec"`
}

// QueueState 큐 구성 요소의 현재 상태입니다.
type QueueState struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
}

// ChannelState 주 발송 채널의 연결 상태입니다.
type ChannelState struct {
	Connected   bool `json:"connected"`
	RateLimited bool `json:"rate_limited"`
}

// Components 파이프라인 구성 요소별 상태 묶음입니다.
type Components struct {
	Queue    QueueState   `json:"queue"`
	Telegram ChannelState `json:"telegram"`
	Nodes    []NodeStatus `json:"nodes"`
}

// Snapshot /api/health 응답에 직렬화되는 전체 상태입니다.
type Snapshot struct {
	Status     string     `json:"status"`
	Timestamp  int64      `json:"timestamp"`
	Components Components `json:"components"`
	Issues     []Issue    `json:"issues"`
	DLOSize    int        `json:"dlo_size"`
}

// AlertSink 발견된 이상 징후를 인계받는 함수 계약입니다.
type AlertSink func(issue Issue)

// wdtSample WDT 누적 카운터의 시점 표본
type wdtSample struct {
	at    time.Time
	count int
}

// nodeState 노드별 최신 텔레메트리와 WDT 이력.
// batteryReported/wifiReported는 해당 필드가 한 번이라도 보고되었는지를 추적합니다.
type nodeState struct {
	lastSeen        time.Time
	batteryMV       int
	batteryReported bool
	wifiRSSI        int
	wifiReported    bool
	wifiState       int
	reconnects      int
	wdtRestarts     int
	wdtSamples      []wdtSample
	heapFree        int64
	storedSMS       int
	uptimeSec       int64
	everReported    bool
}

// Monitor 건강 상태 감시자입니다. 모든 메서드는 동시 호출에 안전합니다.
type Monitor struct {
	cfg config.HealthConfig

	mu    sync.RWMutex
	nodes map[string]*nodeState

	queueDepth func() (depth, capacity int)

	primaryChannel func() (connected, rateLimited bool)

	dloSize            func() int
	dloGrowthThreshold int

	sink AlertSink

	// now 현재 시각 함수. 테스트에서 대체됩니다.
	now func() time.Time
}

// New 감시자를 생성합니다. 큐/DLO 상태 제공자는 nil일 수 있습니다.
func New(cfg config.HealthConfig) *Monitor {
	return &Monitor{
		cfg:   cfg,
		nodes: make(map[string]*nodeState),
		now:   time.Now,
	}
}

// SetQueueDepthProvider 큐 적재율 규칙이 사용할 상태 제공자를 연결합니다.
func (m *Monitor) SetQueueDepthProvider(fn func() (depth, capacity int)) {
	m.queueDepth = fn
}

// SetPrimaryChannelProvider /api/health 응답에 실리는 주 발송 채널 상태 제공자를 연결합니다.
func (m *Monitor) SetPrimaryChannelProvider(fn func() (connected, rateLimited bool)) {
	m.primaryChannel = fn
}

// SetDLOSizeProvider DLO 성장 규칙이 사용할 상태 제공자와 임계값을 연결합니다.
func (m *Monitor) SetDLOSizeProvider(fn func() int, growthThreshold int) {
	m.dloSize = fn
	m.dloGrowthThreshold = growthThreshold
}

// SetAlertSink 이상 징후를 전달할 싱크를 등록합니다.
func (m *Monitor) SetAlertSink(sink AlertSink) {
	m.sink = sink
}

// Ingest 텔레메트리를 반영하고 즉시 규칙을 평가합니다.
func (m *Monitor) Ingest(tm Telemetry) {
	now := m.now()

	m.mu.Lock()
	state, ok := m.nodes[tm.NodeID]
	if !ok {
		state = &nodeState{}
		m.nodes[tm.NodeID] = state
	}

	state.lastSeen = now
	if tm.BatteryMV != nil {
		state.batteryMV = *tm.BatteryMV
		state.batteryReported = true
	}
	if tm.WifiRSSIDBm != nil {
		state.wifiRSSI = *tm.WifiRSSIDBm
		state.wifiReported = true
	}
	state.wifiState = tm.WifiState
	state.reconnects = tm.Reconnects
	state.wdtRestarts = tm.WDTRestarts
	state.heapFree = tm.HeapFree
	state.storedSMS = len(tm.StoredSMSIDs)
	state.uptimeSec = tm.UptimeSec
	state.everReported = true

	// WDT 누적 카운터의 시점 표본을 쌓고 구간 밖의 표본은 버립니다.
	state.wdtSamples = append(state.wdtSamples, wdtSample{at: now, count: tm.WDTRestarts})
	cutoff := now.Add(-wdtStormWindow)
	for len(state.wdtSamples) > 0 && state.wdtSamples[0].at.Before(cutoff) {
		state.wdtSamples = state.wdtSamples[1:]
	}
	batteryMV, wifiRSSI := state.batteryMV, state.wifiRSSI
	m.mu.Unlock()

	applog.WithComponentAndFields(component, applog.Fields{
		"node_id":    tm.NodeID,
		"battery_mv": batteryMV,
		"wifi_rssi":  wifiRSSI,
		"wdt_resets": tm.WDTRestarts,
		"stored_sms": len(tm.StoredSMSIDs),
	}).Debug("텔레메트리가 수신되었습니다")

	m.EvaluateAndAlert()
}

// EvaluateAndAlert 규칙을 평가하고 발견된 이상 징후를 싱크로 전달합니다.
func (m *Monitor) EvaluateAndAlert() []Issue {
	issues := m.Evaluate()

	if m.sink != nil {
		for _, issue := range issues {
			m.sink(issue)
		}
	}
	return issues
}

// Evaluate 모든 감시 규칙을 평가하여 현재 시점의 이상 징후를 반환합니다.
func (m *Monitor) Evaluate() []Issue {
	now := m.now()
	var issues []Issue

	m.mu.RLock()
	for nodeID, state := range m.nodes {
		issues = append(issues, m.evaluateNode(nodeID, state, now)...)
	}
	m.mu.RUnlock()

	issues = append(issues, m.evaluatePipeline(now)...)
	return issues
}

// evaluateNode 노드 단위 규칙을 평가합니다. 호출자는 m.mu를 보유해야 합니다.
func (m *Monitor) evaluateNode(nodeID string, state *nodeState, now time.Time) []Issue {
	var issues []Issue

	sinceSeen := now.Sub(state.lastSeen)
	if sinceSeen > m.cfg.HeartbeatTimeout() {
		issues = append(issues, Issue{
			Kind:     KindHeartbeatTimeout,
			Severity: SeverityCritical,
			NodeID:   nodeID,
			Issues:   []string{fmt.Sprintf("노드가 %d초 동안 보고하지 않았습니다", int(sinceSeen.Seconds()))},
			Context: map[string]interface{}{
				"seconds_since_seen": int(sinceSeen.Seconds()),
				"timeout_sec":        m.cfg.HeartbeatTimeoutSec,
			},
			DetectedAt: now.Unix(),
		})
	}

	if state.batteryReported && state.batteryMV < m.cfg.BatteryLowMV {
		issues = append(issues, Issue{
			Kind:     KindLowBattery,
			Severity: SeverityWarning,
			NodeID:   nodeID,
			Issues:   []string{fmt.Sprintf("배터리 전압이 낮습니다 (%dmV)", state.batteryMV)},
			Context: map[string]interface{}{
				"battery_mv":      state.batteryMV,
				"battery_percent": batteryPercent(state.batteryMV),
				"threshold_mv":    m.cfg.BatteryLowMV,
			},
			DetectedAt: now.Unix(),
		})
	}

	if state.wifiReported && state.wifiRSSI < m.cfg.WifiWeakDBM {
		issues = append(issues, Issue{
			Kind:     KindWeakSignal,
			Severity: SeverityWarning,
			NodeID:   nodeID,
			Issues:   []string{fmt.Sprintf("WiFi 신호가 약합니다 (%ddBm)", state.wifiRSSI)},
			Context: map[string]interface{}{
				"wifi_rssi":     state.wifiRSSI,
				"threshold_dbm": m.cfg.WifiWeakDBM,
			},
			DetectedAt: now.Unix(),
		})
	}

	if delta := wdtDelta(state.wdtSamples); delta > wdtStormThreshold {
		issues = append(issues, Issue{
			Kind:     KindWDTStorm,
			Severity: SeverityWarning,
			NodeID:   nodeID,
			Issues:   []string{fmt.Sprintf("WDT 재시작이 1시간 내 %d회 증가하였습니다", delta)},
			Context: map[string]interface{}{
				"restarts_in_window": delta,
				"threshold":          wdtStormThreshold,
			},
			DetectedAt: now.Unix(),
		})
	}

	return issues
}

// evaluatePipeline 파이프라인 단위(큐, DLO) 규칙을 평가합니다.
func (m *Monitor) evaluatePipeline(now time.Time) []Issue {
	var issues []Issue

	if m.queueDepth != nil {
		depth, capacity := m.queueDepth()
		if capacity > 0 {
			ratio := float64(depth) / float64(capacity)

			switch {
			case ratio > queueNearFullRatio:
				issues = append(issues, Issue{
					Kind:     KindQueueNearFull,
					Severity: SeverityEmergency,
					Issues:   []string{fmt.Sprintf("큐 적재율이 %d%%에 도달하였습니다 (%d/%d)", int(ratio*100), depth, capacity)},
					Context: map[string]interface{}{
						"queue_depth":    depth,
						"queue_capacity": capacity,
					},
					DetectedAt: now.Unix(),
				})
			case ratio > queueElevatedRatio:
				issues = append(issues, Issue{
					Kind:     KindQueueElevated,
					Severity: SeverityWarning,
					Issues:   []string{fmt.Sprintf("큐 적재율이 높아지고 있습니다 (%d/%d)", depth, capacity)},
					Context: map[string]interface{}{
						"queue_depth":    depth,
						"queue_capacity": capacity,
					},
					DetectedAt: now.Unix(),
				})
			}
		}
	}

	if m.dloSize != nil && m.dloGrowthThreshold > 0 {
		if size := m.dloSize(); size >= m.dloGrowthThreshold {
			issues = append(issues, Issue{
				Kind:     KindDLOGrowth,
				Severity: SeverityWarning,
				Issues:   []string{fmt.Sprintf("DLO에 %d건의 미발송 메시지가 쌓였습니다", size)},
				Context: map[string]interface{}{
					"dlo_size":  size,
					"threshold": m.dloGrowthThreshold,
				},
				DetectedAt: now.Unix(),
			})
		}
	}

	return issues
}

// Status 현재 상태 스냅샷을 반환합니다.
func (m *Monitor) Status() Snapshot {
	now := m.now()
	issues := m.Evaluate()

	m.mu.RLock()
	nodes := make([]NodeStatus, 0, len(m.nodes))
	for nodeID, state := range m.nodes {
		nodes = append(nodes, NodeStatus{
			NodeID:           nodeID,
			LastSeenAt:       state.lastSeen.Unix(),
			SecondsSinceSeen: int64(now.Sub(state.lastSeen).Seconds()),
			BatteryMV:        state.batteryMV,
			BatteryPercent:   batteryPercent(state.batteryMV),
			WifiRSSIDBm:      state.wifiRSSI,
			WifiState:        state.wifiState,
			Reconnects:       state.reconnects,
			WDTRestarts:      state.wdtRestarts,
			HeapFree:         state.heapFree,
			StoredSMSCount:   state.storedSMS,
			UptimeSec:        state.uptimeSec,
		})
	}
	m.mu.RUnlock()

	snapshot := Snapshot{
		Status:     overallStatus(issues),
		Timestamp:  now.Unix(),
		Components: Components{Nodes: nodes},
		Issues:     issues,
	}

	if m.queueDepth != nil {
		snapshot.Components.Queue.Depth, snapshot.Components.Queue.Capacity = m.queueDepth()
	}
	if m.primaryChannel != nil {
		snapshot.Components.Telegram.Connected, snapshot.Components.Telegram.RateLimited = m.primaryChannel()
	}
	if m.dloSize != nil {
		snapshot.DLOSize = m.dloSize()
	}
	return snapshot
}

// overallStatus 이상 징후 목록을 전체 상태 문자열로 요약합니다.
func overallStatus(issues []Issue) string {
	status := "ok"
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical, SeverityEmergency:
			return "critical"
		case SeverityWarning:
			status = "degraded"
		}
	}
	return status
}

// wdtDelta 구간 내 WDT 누적 카운터의 증가량을 계산합니다.
// 노드가 재부팅되어 카운터가 줄어든 경우 0으로 취급합니다.
func wdtDelta(samples []wdtSample) int {
	if len(samples) < 2 {
		return 0
	}

	delta := samples[len(samples)-1].count - samples[0].count
	if delta < 0 {
		return 0
	}
	return delta
}

// batteryPercent 배터리 전압(mV)을 잔량 백분율로 환산합니다.
func batteryPercent(mv int) int {
	if mv <= batteryEmptyMV {
		return 0
	}
	if mv >= batteryFullMV {
		return 100
	}
	return (mv - batteryEmptyMV) * 100 / (batteryFullMV - batteryEmptyMV)
}
