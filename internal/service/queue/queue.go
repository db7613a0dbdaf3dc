// Package queue 유한 용량의 우선순위 큐와 발송 워커 풀을 제공합니다.
//
// 큐는 우선순위별 3개의 FIFO 버킷으로 구성되며, 워커는 항상 높은 우선순위
// 버킷부터 소진합니다. 동일 우선순위 내에서는 도착 순서(FIFO)가 보장됩니다.
//
// 보존 불변식: total_enqueued == total_delivered + total_failed + current_depth + in_flight
// (지연 재시도 대기 중인 레코드는 in_flight로 집계됩니다)
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkkaiser/otp-bridge/internal/config"
	"github.com/darkkaiser/otp-bridge/internal/message"
	"github.com/darkkaiser/otp-bridge/internal/service/dispatch"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

const component = "queue"

// EnqueueStatus 큐 등록 시도의 결과입니다.
type EnqueueStatus int

const (
	// EnqueueOK 등록 성공
	EnqueueOK EnqueueStatus = iota

	// EnqueueQueueFull 큐가 가득 차서 거부됨
	EnqueueQueueFull

	// EnqueueDuplicate 동일 sms_id가 이미 처리되었거나 처리 중이어서 거부됨
	EnqueueDuplicate
)

// String EnqueueStatus의 문자열 표현을 반환합니다.
func (s EnqueueStatus) String() string {
	switch s {
	case EnqueueOK:
		return "ok"
	case EnqueueQueueFull:
		return "queue_full"
	default:
		return "duplicate"
	}
}

// DeadLetterSink 재시도를 소진한 레코드를 인계받는 계약입니다.
type DeadLetterSink interface {
	Capture(rec *message.Record, reason string)
}

// Metrics 큐의 누적 통계 스냅샷입니다. /api/metrics 응답에 그대로 직렬화됩니다.
type Metrics struct {
	TotalEnqueued     int64 `json:"total_enqueued"`
	TotalDelivered    int64 `json:"total_delivered"`
	TotalFailed       int64 `json:"total_failed"`
	TotalRetried      int64 `json:"total_retried"`
	FallbackDelivered int64 `json:"fallback_delivered"`
	DroppedQueueFull  int64 `json:"dropped_queue_full"`
	DroppedDuplicate  int64 `json:"dropped_duplicate"`
	CurrentDepth      int64 `json:"current_depth"`
	InFlight          int64 `json:"in_flight"`
	Capacity          int   `json:"capacity"`
	Running           bool  `json:"running"`
	Consumers         int   `json:"consumers"`
}

// Queue 유한 용량의 우선순위 큐와 발송 워커 풀입니다.
type Queue struct {
	cfg      config.QueueConfig
	primary  dispatch.Dispatcher
	fallback dispatch.Dispatcher
	dlo      DeadLetterSink

	mu      sync.Mutex
	buckets [3][]*message.Record
	seen    map[string]struct{}
	closed  bool

	// notifyCh 워커를 깨우는 신호 채널. 버퍼 1로 신호를 병합합니다.
	notifyCh chan struct{}

	timersMu sync.Mutex
	timers   map[string]*delayedRecord

	// backoff 재시도 대기 시간 계산 함수. 테스트에서 대체됩니다.
	backoff func(retryCount int) time.Duration

	workerWG      sync.WaitGroup
	cancelWorkers func()

	runningMu sync.Mutex
	running   bool

	totalEnqueued     atomic.Int64
	totalDelivered    atomic.Int64
	totalFailed       atomic.Int64
	totalRetried      atomic.Int64
	fallbackDelivered atomic.Int64
	droppedFull       atomic.Int64
	droppedDup        atomic.Int64
	depth             atomic.Int64
	inFlight          atomic.Int64
}

// delayedRecord 지연 재시도 대기 중인 레코드와 타이머 묶음
type delayedRecord struct {
	timer *time.Timer
	rec   *message.Record
}

// New 발송 채널과 DLO 싱크를 연결한 큐를 생성합니다. fallback은 nil일 수 있습니다.
func New(cfg config.QueueConfig, primary, fallback dispatch.Dispatcher, dlo DeadLetterSink) *Queue {
	return &Queue{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		dlo:      dlo,
		seen:     make(map[string]struct{}),
		notifyCh: make(chan struct{}, 1),
		timers:   make(map[string]*delayedRecord),
		backoff:  backoffDelay,
	}
}

// Enqueue 레코드를 큐에 등록합니다. 절대 블로킹하지 않습니다.
//
// 동일 sms_id가 이미 등록(처리 완료 포함)된 경우 EnqueueDuplicate,
// 큐가 가득 찬 경우 EnqueueQueueFull을 반환하며 레코드는 버려집니다.
// 처리 중이거나 재시도 대기 중인 레코드도 용량 슬롯을 점유하므로,
// 대기 수와 처리 중 수의 합이 용량을 넘을 수 없습니다.
func (q *Queue) Enqueue(rec *message.Record) EnqueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.droppedFull.Add(1)
		return EnqueueQueueFull
	}

	if _, dup := q.seen[rec.SMSID]; dup {
		q.droppedDup.Add(1)
		applog.WithComponentAndFields(component, applog.Fields{
			"sms_id":  rec.SMSID,
			"node_id": rec.NodeID,
		}).Warn("등록 거부: 동일한 sms_id가 이미 접수되었습니다")
		return EnqueueDuplicate
	}

	if q.depth.Load()+q.inFlight.Load() >= int64(q.cfg.Capacity) {
		q.droppedFull.Add(1)
		applog.WithComponentAndFields(component, applog.Fields{
			"sms_id":   rec.SMSID,
			"node_id":  rec.NodeID,
			"capacity": q.cfg.Capacity,
		}).Error("등록 거부: 큐가 가득 찼습니다 (backpressure)")
		return EnqueueQueueFull
	}

	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	q.buckets[rec.Priority] = append(q.buckets[rec.Priority], rec)
	q.seen[rec.SMSID] = struct{}{}
	q.totalEnqueued.Add(1)
	q.depth.Add(1)
	q.signal()

	return EnqueueOK
}

// pop 가장 높은 우선순위 버킷에서 레코드를 꺼냅니다. 비어 있으면 nil을 반환합니다.
func (q *Queue) pop() *message.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := int(message.PriorityHigh); p >= int(message.PriorityLow); p-- {
		if len(q.buckets[p]) == 0 {
			continue
		}

		rec := q.buckets[p][0]
		q.buckets[p] = q.buckets[p][1:]
		q.depth.Add(-1)
		q.inFlight.Add(1)
		return rec
	}
	return nil
}

// reinsert 처리 중이던 레코드를 큐로 되돌립니다.
// front=true면 버킷의 선두로(속도 제한 복귀), false면 말미로(재시도) 들어갑니다.
// 레코드는 꺼내진 뒤에도 in_flight로 슬롯을 점유하고 있으므로 용량 검사 없이
// 복귀해도 대기 수가 용량을 넘지 않습니다.
func (q *Queue) reinsert(rec *message.Record, front bool) {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		q.moveToDeadLetter(rec, "shutdown")
		return
	}

	if front {
		q.buckets[rec.Priority] = append([]*message.Record{rec}, q.buckets[rec.Priority]...)
	} else {
		q.buckets[rec.Priority] = append(q.buckets[rec.Priority], rec)
	}
	q.depth.Add(1)
	q.inFlight.Add(-1)
	q.mu.Unlock()

	q.signal()
}

// complete 발송이 완료된 레코드를 정산합니다.
// sms_id는 프로세스 생애 동안 중복 방지 집합에 남아 엣지 노드의 재전송을 걸러냅니다.
func (q *Queue) complete(rec *message.Record) {
	q.totalDelivered.Add(1)
	q.inFlight.Add(-1)
}

// moveToDeadLetter 레코드를 DLO로 이관합니다.
// 중복 방지 집합에서 제거하여 DLO 수동 재시도가 다시 큐에 들어올 수 있게 합니다.
func (q *Queue) moveToDeadLetter(rec *message.Record, reason string) {
	q.mu.Lock()
	delete(q.seen, rec.SMSID)
	q.mu.Unlock()

	rec.LastError = reason
	q.totalFailed.Add(1)
	q.inFlight.Add(-1)

	if q.dlo != nil {
		q.dlo.Capture(rec, reason)
	}
}

// signal 대기 중인 워커 하나를 깨웁니다. 신호는 병합되며 절대 블로킹하지 않습니다.
func (q *Queue) signal() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// Depth 현재 큐에 대기 중인 레코드 수를 반환합니다.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Capacity 큐의 최대 용량을 반환합니다.
func (q *Queue) Capacity() int {
	return q.cfg.Capacity
}

// Snapshot 누적 통계의 스냅샷을 반환합니다.
func (q *Queue) Snapshot() Metrics {
	q.runningMu.Lock()
	running := q.running
	q.runningMu.Unlock()

	return Metrics{
		Running:           running,
		Consumers:         q.cfg.WorkerCount,
		TotalEnqueued:     q.totalEnqueued.Load(),
		TotalDelivered:    q.totalDelivered.Load(),
		TotalFailed:       q.totalFailed.Load(),
		TotalRetried:      q.totalRetried.Load(),
		FallbackDelivered: q.fallbackDelivered.Load(),
		DroppedQueueFull:  q.droppedFull.Load(),
		DroppedDuplicate:  q.droppedDup.Load(),
		CurrentDepth:      q.depth.Load(),
		InFlight:          q.inFlight.Load(),
		Capacity:          q.cfg.Capacity,
	}
}
