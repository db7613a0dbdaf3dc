package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/darkkaiser/otp-bridge/internal/crypto"
	"github.com/darkkaiser/otp-bridge/internal/message"
	apperrors "github.com/darkkaiser/otp-bridge/internal/pkg/errors"
	"github.com/darkkaiser/otp-bridge/internal/pkg/version"
	"github.com/darkkaiser/otp-bridge/internal/service/agent"
	"github.com/darkkaiser/otp-bridge/internal/service/dispatch"
	"github.com/darkkaiser/otp-bridge/internal/service/dlo"
	"github.com/darkkaiser/otp-bridge/internal/service/health"
	"github.com/darkkaiser/otp-bridge/internal/service/queue"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

// MetricsSnapshot /api/metrics 응답 데이터입니다.
type MetricsSnapshot struct {
	Queue     queue.Metrics             `json:"queue"`
	DLO       dlo.Stats                 `json:"dlo"`
	Agent     agent.Stats               `json:"agent"`
	Channels  map[string]dispatch.Stats `json:"channels"`
	Timestamp int64                     `json:"timestamp"`
}

// Handler API 엔드포인트의 요청 처리기입니다.
type Handler struct {
	queue    *queue.Queue
	office   *dlo.Office
	ctoAgent *agent.Agent
	monitor  *health.Monitor

	// envelope 접수 시 본문 길이 검증에만 사용됩니다. nil이면 검증을 생략합니다.
	envelope *crypto.Envelope

	// channelStats 발송 채널별 통계 제공자
	channelStats func() map[string]dispatch.Stats
}

// NewHandler Handler를 생성합니다.
func NewHandler(
	q *queue.Queue,
	office *dlo.Office,
	ctoAgent *agent.Agent,
	monitor *health.Monitor,
	envelope *crypto.Envelope,
	channelStats func() map[string]dispatch.Stats,
) *Handler {
	return &Handler{
		queue:        q,
		office:       office,
		ctoAgent:     ctoAgent,
		monitor:      monitor,
		envelope:     envelope,
		channelStats: channelStats,
	}
}

// Root GET / 서비스 배너를 반환합니다.
func (h *Handler) Root(c echo.Context) error {
	v := version.Get()
	return respondOK(c, "otp-bridge", ServiceInfo{Service: "otp-bridge", Version: v.Version})
}

// Version GET /version 빌드 정보를 반환합니다.
func (h *Handler) Version(c echo.Context) error {
	v := version.Get()
	return respondOK(c, "빌드 정보", ServiceInfo{
		Service:     "otp-bridge",
		Version:     v.Version,
		Commit:      v.Commit,
		BuildDate:   v.BuildDate,
		BuildNumber: v.BuildNumber,
	})
}

// InboundSMS POST /api/sms/inbound 엣지 노드의 SMS를 접수합니다.
//
// 접수는 큐 등록까지만 보장하며 발송은 비동기로 진행됩니다.
// 응답: 200(접수/중복), 400(형식 오류), 503(큐 포화)
func (h *Handler) InboundSMS(c echo.Context) error {
	var req InboundSMSRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Wrap(err, apperrors.InvalidInput, "요청 본문을 해석할 수 없습니다")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if err := h.validateBodyLength(&req); err != nil {
		return err
	}

	rec := &message.Record{
		SMSID:     req.SMSID,
		Sender:    req.Sender,
		Body:      req.Body,
		Timestamp: req.Timestamp,
		NodeID:    req.NodeID,
		Priority:  message.ParsePriority(req.Priority),
		Encrypted: req.Encrypted,
	}

	status := h.queue.Enqueue(rec)

	applog.WithComponentAndFields(component, applog.Fields{
		"sms_id":    req.SMSID,
		"sender":    applog.MaskSensitiveData(req.Sender),
		"node_id":   req.NodeID,
		"priority":  rec.Priority.String(),
		"body_size": len(req.Body),
		"status":    status.String(),
	}).Info("SMS 접수 요청이 처리되었습니다")

	switch status {
	case queue.EnqueueDuplicate:
		// 중복은 엣지 노드의 재전송이므로 멱등하게 성공으로 응답합니다.
		return respondOK(c, "duplicate", EnqueueResult{SMSID: req.SMSID, Status: "duplicate", QueueDepth: h.queue.Depth()})
	case queue.EnqueueQueueFull:
		return respondError(c, http.StatusServiceUnavailable, "queue_full")
	default:
		return respondOK(c, "queued", EnqueueResult{SMSID: req.SMSID, Status: "queued", QueueDepth: h.queue.Depth()})
	}
}

// validateBodyLength 복호화 가능한 본문의 길이 상한을 검증합니다.
// 복호화할 수 없는 본문은 큐 워커가 DLO로 이관하므로 여기서는 거르지 않습니다.
func (h *Handler) validateBodyLength(req *InboundSMSRequest) error {
	length := len(req.Body)

	if req.Encrypted && h.envelope != nil {
		if plaintext, err := h.envelope.Decrypt(req.Body); err == nil {
			length = len(plaintext)
		}
	}

	if length > maxDecryptedBodyLength {
		return apperrors.Newf(apperrors.InvalidInput, "본문이 허용 길이를 초과하였습니다 (%d > %d)", length, maxDecryptedBodyLength)
	}
	return nil
}

// Telemetry POST /api/telemetry 노드 상태 보고를 반영합니다.
func (h *Handler) Telemetry(c echo.Context) error {
	var tm health.Telemetry
	if err := c.Bind(&tm); err != nil {
		return apperrors.Wrap(err, apperrors.InvalidInput, "요청 본문을 해석할 수 없습니다")
	}
	if err := c.Validate(&tm); err != nil {
		return err
	}

	h.monitor.Ingest(tm)
	return respondOK(c, "accepted", nil)
}

// Health GET /api/health 전체 건강 상태를 반환합니다.
func (h *Handler) Health(c echo.Context) error {
	return respondOK(c, "건강 상태", h.monitor.Status())
}

// Metrics GET /api/metrics 누적 통계를 반환합니다.
func (h *Handler) Metrics(c echo.Context) error {
	snapshot := MetricsSnapshot{
		Queue:     h.queue.Snapshot(),
		DLO:       h.office.Snapshot(),
		Agent:     h.ctoAgent.Snapshot(),
		Timestamp: time.Now().Unix(),
	}
	if h.channelStats != nil {
		snapshot.Channels = h.channelStats()
	}
	return respondOK(c, "누적 통계", snapshot)
}

// ListDeadLetters GET /api/dlo 보존 중인 Dead Letter를 최신순으로 반환합니다.
func (h *Handler) ListDeadLetters(c echo.Context) error {
	letters := h.office.List()
	return respondOK(c, "Dead Letter 목록", DeadLetterList{Count: len(letters), DeadLetters: letters})
}

// RetryDeadLetter POST /api/dlo/:sms_id/retry Dead Letter를 큐로 되돌립니다.
func (h *Handler) RetryDeadLetter(c echo.Context) error {
	smsID := c.Param("sms_id")
	if err := h.office.Retry(smsID); err != nil {
		return err
	}
	return respondOK(c, "retried", EnqueueResult{SMSID: smsID, Status: "queued", QueueDepth: h.queue.Depth()})
}

// PurgeDeadLetters DELETE /api/dlo 보존 중인 Dead Letter를 모두 제거합니다.
func (h *Handler) PurgeDeadLetters(c echo.Context) error {
	return respondOK(c, "purged", PurgeResult{Purged: h.office.Purge()})
}

// Incidents GET /api/incidents 최근 인시던트를 최신순으로 반환합니다.
func (h *Handler) Incidents(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return apperrors.New(apperrors.InvalidInput, "limit 값이 유효하지 않습니다")
		}
		limit = parsed
	}

	incidents := h.ctoAgent.Incidents(limit)
	return respondOK(c, "인시던트 목록", IncidentList{Count: len(incidents), Incidents: incidents})
}
