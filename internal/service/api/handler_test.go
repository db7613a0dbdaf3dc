package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fernet/fernet-go"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkkaiser/otp-bridge/internal/config"
	"github.com/darkkaiser/otp-bridge/internal/crypto"
	"github.com/darkkaiser/otp-bridge/internal/message"
	"github.com/darkkaiser/otp-bridge/internal/pkg/version"
	"github.com/darkkaiser/otp-bridge/internal/service/agent"
	"github.com/darkkaiser/otp-bridge/internal/service/dispatch"
	"github.com/darkkaiser/otp-bridge/internal/service/dlo"
	"github.com/darkkaiser/otp-bridge/internal/service/health"
	"github.com/darkkaiser/otp-bridge/internal/service/queue"
)

// stubDispatcher 테스트용 발송 채널. 워커를 기동하지 않으므로 호출되지 않습니다.
type stubDispatcher struct {
	name string
}

func (d *stubDispatcher) Name() string { return d.name }

func (d *stubDispatcher) Dispatch(_ context.Context, _ *message.Record) dispatch.Result {
	return dispatch.Delivered()
}

func (d *stubDispatcher) Stats() dispatch.Stats { return dispatch.Stats{Connected: true} }

// testServer 핸들러 테스트에 필요한 구성 요소 묶음
type testServer struct {
	e        *echo.Echo
	queue    *queue.Queue
	office   *dlo.Office
	ctoAgent *agent.Agent
	monitor  *health.Monitor
	envelope *crypto.Envelope
}

func generateTestKey(t *testing.T) string {
	t.Helper()

	var key fernet.Key
	require.NoError(t, key.Generate())
	return key.Encode()
}

func newTestServer(t *testing.T, queueCapacity int) *testServer {
	t.Helper()

	envelope, err := crypto.NewEnvelope(generateTestKey(t))
	require.NoError(t, err)

	office := dlo.New(config.DLOConfig{TTLSec: 3600, MaxEntries: 100, GrowthThreshold: 10})

	q := queue.New(
		config.QueueConfig{Capacity: queueCapacity, WorkerCount: 1, MaxRetries: 3},
		&stubDispatcher{name: "telegram"},
		&stubDispatcher{name: "email"},
		office,
	)
	office.SetRequeue(func(rec *message.Record) bool {
		return q.Enqueue(rec) == queue.EnqueueOK
	})

	ctoAgent := agent.New(config.AgentConfig{CooldownSec: 300, MaxIncidents: 100})

	monitor := health.New(config.HealthConfig{
		HeartbeatTimeoutSec: 120,
		BatteryLowMV:        3300,
		WifiWeakDBM:         -100,
		EvalIntervalSec:     15,
	})
	monitor.SetQueueDepthProvider(func() (int, int) { return q.Depth(), q.Capacity() })
	monitor.SetPrimaryChannelProvider(func() (bool, bool) { return true, false })
	monitor.SetDLOSizeProvider(office.Size, 10)
	monitor.SetAlertSink(ctoAgent.HandleIssue)

	channelStats := func() map[string]dispatch.Stats {
		return map[string]dispatch.Stats{
			"telegram": {Connected: true},
			"email":    {Connected: true},
		}
	}

	e := NewHTTPServer(false)
	SetupRoutes(e, NewHandler(q, office, ctoAgent, monitor, envelope, channelStats))

	return &testServer{
		e:        e,
		queue:    q,
		office:   office,
		ctoAgent: ctoAgent,
		monitor:  monitor,
		envelope: envelope,
	}
}

func (ts *testServer) request(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func inboundBody(smsID, body string, encrypted bool) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"sms_id":    smsID,
		"sender":    "+821012345678",
		"body":      body,
		"timestamp": 1766000000,
		"node_id":   "esp32-01",
		"priority":  "high",
		"encrypted": encrypted,
	})
	return string(payload)
}

func TestInboundSMS(t *testing.T) {
	t.Run("성공: 유효한 요청은 큐에 등록됩니다", func(t *testing.T) {
		ts := newTestServer(t, 10)

		rec := ts.request(http.MethodPost, "/api/sms/inbound", inboundBody("sms-1", "인증번호 123456", false))

		require.Equal(t, http.StatusOK, rec.Code)
		env := decodeEnvelope(t, rec)
		assert.True(t, env.Success)
		assert.Equal(t, "queued", env.Message)
		assert.Equal(t, 1, ts.queue.Depth())
	})

	t.Run("성공: 동일 sms_id의 재전송은 멱등하게 수용됩니다", func(t *testing.T) {
		ts := newTestServer(t, 10)

		ts.request(http.MethodPost, "/api/sms/inbound", inboundBody("sms-1", "인증번호 123456", false))
		rec := ts.request(http.MethodPost, "/api/sms/inbound", inboundBody("sms-1", "인증번호 123456", false))

		require.Equal(t, http.StatusOK, rec.Code)
		env := decodeEnvelope(t, rec)
		assert.True(t, env.Success)
		assert.Equal(t, "duplicate", env.Message)
		assert.Equal(t, 1, ts.queue.Depth())
	})

	t.Run("성공: 복호화할 수 없는 암호문도 접수됩니다", func(t *testing.T) {
		// 키 불일치 본문은 워커가 DLO로 이관하므로 접수 단계에서는 거르지 않습니다.
		ts := newTestServer(t, 10)

		rec := ts.request(http.MethodPost, "/api/sms/inbound", inboundBody("sms-1", "gAAAA-not-a-valid-token", true))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, ts.queue.Depth())
	})

	t.Run("실패: 큐가 가득 차면 503을 반환합니다", func(t *testing.T) {
		ts := newTestServer(t, 1)

		ts.request(http.MethodPost, "/api/sms/inbound", inboundBody("sms-1", "첫 번째", false))
		rec := ts.request(http.MethodPost, "/api/sms/inbound", inboundBody("sms-2", "두 번째", false))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		env := decodeEnvelope(t, rec)
		assert.False(t, env.Success)
		assert.Equal(t, "queue_full", env.Message)
	})

	t.Run("실패: 필수 필드가 누락되면 400을 반환합니다", func(t *testing.T) {
		ts := newTestServer(t, 10)

		rec := ts.request(http.MethodPost, "/api/sms/inbound", `{"sender":"+8210","body":"본문"}`)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, decodeEnvelope(t, rec).Success)
		assert.Zero(t, ts.queue.Depth())
	})

	t.Run("실패: 평문 본문이 길이 상한을 초과하면 400을 반환합니다", func(t *testing.T) {
		ts := newTestServer(t, 10)

		rec := ts.request(http.MethodPost, "/api/sms/inbound", inboundBody("sms-1", strings.Repeat("a", 4097), false))

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Zero(t, ts.queue.Depth())
	})

	t.Run("실패: 복호화된 본문이 길이 상한을 초과하면 400을 반환합니다", func(t *testing.T) {
		ts := newTestServer(t, 10)

		token, err := ts.envelope.Encrypt(strings.Repeat("b", 4097))
		require.NoError(t, err)

		rec := ts.request(http.MethodPost, "/api/sms/inbound", inboundBody("sms-1", token, true))

		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Zero(t, ts.queue.Depth())
	})
}

func TestTelemetry(t *testing.T) {
	t.Run("성공: 노드 상태 보고가 모니터에 반영됩니다", func(t *testing.T) {
		ts := newTestServer(t, 10)

		rec := ts.request(http.MethodPost, "/api/telemetry",
			`{"node_id":"esp32-01","battery_mv":3900,"wifi_rssi":-62,"wdt_resets":1,"uptime_sec":7200}`)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decodeEnvelope(t, rec).Success)

		status := ts.monitor.Status()
		require.Len(t, status.Components.Nodes, 1)
		assert.Equal(t, "esp32-01", status.Components.Nodes[0].NodeID)
		assert.Equal(t, 3900, status.Components.Nodes[0].BatteryMV)
	})

	t.Run("실패: node_id가 누락되면 400을 반환합니다", func(t *testing.T) {
		ts := newTestServer(t, 10)

		rec := ts.request(http.MethodPost, "/api/telemetry", `{"battery_mv":3900}`)

		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, 10)

	ts.request(http.MethodPost, "/api/telemetry",
		`{"node_id":"esp32-01","battery_mv":3900,"wifi_rssi":-62,"wdt_resets":0,"uptime_sec":60}`)

	rec := ts.request(http.MethodGet, "/api/health", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool            `json:"success"`
		Data    health.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "ok", resp.Data.Status)
	require.Len(t, resp.Data.Components.Nodes, 1)

	// 구성 요소 상태(큐, 주 발송 채널)가 함께 실립니다.
	assert.Equal(t, 10, resp.Data.Components.Queue.Capacity)
	assert.True(t, resp.Data.Components.Telegram.Connected)

	// 응답 본문이 components 구조로 직렬화되는지 확인합니다.
	assert.Contains(t, rec.Body.String(), `"components"`)
	assert.Contains(t, rec.Body.String(), `"telegram"`)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, 10)

	ts.request(http.MethodPost, "/api/sms/inbound", inboundBody("sms-1", "인증번호 123456", false))

	rec := ts.request(http.MethodGet, "/api/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data MetricsSnapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Data.Queue.TotalEnqueued)
	assert.Equal(t, int64(1), resp.Data.Queue.CurrentDepth)
	assert.Contains(t, resp.Data.Channels, "telegram")
	assert.Contains(t, resp.Data.Channels, "email")
}

func TestDLOEndpoints(t *testing.T) {
	t.Run("성공: 목록 응답의 본문은 항상 가려집니다", func(t *testing.T) {
		ts := newTestServer(t, 10)
		ts.office.Capture(&message.Record{
			SMSID:  "sms-1",
			Sender: "+821012345678",
			Body:   "인증번호 987654",
			NodeID: "esp32-01",
		}, "terminal_error")

		rec := ts.request(http.MethodGet, "/api/dlo", "")

		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, `"sms_id":"sms-1"`)
		assert.Contains(t, body, message.RedactedBody)
		assert.NotContains(t, body, "987654")
	})

	t.Run("성공: 수동 재시도는 메시지를 큐로 되돌립니다", func(t *testing.T) {
		ts := newTestServer(t, 10)
		ts.office.Capture(&message.Record{SMSID: "sms-1", NodeID: "esp32-01", Body: "본문"}, "terminal_error")

		rec := ts.request(http.MethodPost, "/api/dlo/sms-1/retry", "")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, ts.queue.Depth())
		assert.Zero(t, ts.office.Size())
	})

	t.Run("실패: 존재하지 않는 sms_id의 재시도는 404를 반환합니다", func(t *testing.T) {
		ts := newTestServer(t, 10)

		rec := ts.request(http.MethodPost, "/api/dlo/no-such-id/retry", "")

		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.False(t, decodeEnvelope(t, rec).Success)
	})

	t.Run("실패: 큐가 수용을 거부하면 503을 반환합니다", func(t *testing.T) {
		ts := newTestServer(t, 1)
		ts.request(http.MethodPost, "/api/sms/inbound", inboundBody("sms-0", "자리 차지", false))
		ts.office.Capture(&message.Record{SMSID: "sms-1", NodeID: "esp32-01"}, "terminal_error")

		rec := ts.request(http.MethodPost, "/api/dlo/sms-1/retry", "")

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, 1, ts.office.Size())
	})

	t.Run("성공: 일괄 비우기는 제거된 개수를 반환합니다", func(t *testing.T) {
		ts := newTestServer(t, 10)
		ts.office.Capture(&message.Record{SMSID: "sms-1", NodeID: "esp32-01"}, "e1")
		ts.office.Capture(&message.Record{SMSID: "sms-2", NodeID: "esp32-01"}, "e2")

		rec := ts.request(http.MethodDelete, "/api/dlo", "")

		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data PurgeResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Data.Purged)
		assert.Zero(t, ts.office.Size())
	})
}

func TestIncidentsEndpoint(t *testing.T) {
	t.Run("성공: 기록된 인시던트를 최신순으로 반환합니다", func(t *testing.T) {
		ts := newTestServer(t, 10)
		ts.ctoAgent.HandleIssue(health.Issue{
			Kind:     health.KindLowBattery,
			Severity: health.SeverityWarning,
			NodeID:   "esp32-01",
			Issues:   []string{"배터리 부족"},
		})

		rec := ts.request(http.MethodGet, "/api/incidents", "")

		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data IncidentList `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Data.Count)
		assert.Equal(t, health.KindLowBattery, resp.Data.Incidents[0].AlertType)
	})

	t.Run("성공: limit 파라미터로 개수를 제한합니다", func(t *testing.T) {
		ts := newTestServer(t, 10)
		for i := 0; i < 3; i++ {
			ts.ctoAgent.HandleIssue(health.Issue{
				Kind:     fmt.Sprintf("kind-%d", i),
				Severity: health.SeverityWarning,
				NodeID:   "esp32-01",
			})
		}

		rec := ts.request(http.MethodGet, "/api/incidents?limit=2", "")

		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data IncidentList `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Data.Count)
		assert.Len(t, resp.Data.Incidents, 2)
	})

	t.Run("실패: limit이 숫자가 아니면 400을 반환합니다", func(t *testing.T) {
		ts := newTestServer(t, 10)

		rec := ts.request(http.MethodGet, "/api/incidents?limit=abc", "")

		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRootAndVersion(t *testing.T) {
	version.Set(version.Info{Version: "1.2.3", Commit: "abc1234"})

	ts := newTestServer(t, 10)

	rec := ts.request(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "otp-bridge")

	rec = ts.request(http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data ServiceInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1.2.3", resp.Data.Version)
	assert.Equal(t, "abc1234", resp.Data.Commit)
}

func TestNotFoundRoute(t *testing.T) {
	ts := newTestServer(t, 10)

	rec := ts.request(http.MethodGet, "/no/such/route", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decodeEnvelope(t, rec).Success)
}
