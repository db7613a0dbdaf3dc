// Package dlo 재시도를 소진한 메시지를 보존하는 Dead Letter Office입니다.
//
// 보존된 레코드는 TTL이 지나면 자동으로 제거되고, 용량 한도를 넘으면
// 가장 오래된 항목부터 밀려납니다. 운영자는 API를 통해 목록 조회,
// 수동 재시도, 일괄 비우기를 수행할 수 있습니다.
//
// 조회 응답의 body는 항상 "[ENCRYPTED]"로 교정됩니다 (Zero-Log 정책).
// 원본 암호문은 메모리의 Record에만 남아 수동 재시도 시 복원됩니다.
package dlo

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkkaiser/otp-bridge/internal/config"
	"github.com/darkkaiser/otp-bridge/internal/message"
	apperrors "github.com/darkkaiser/otp-bridge/internal/pkg/errors"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

const component = "dlo"

// RequeueFunc 수동 재시도 시 레코드를 큐로 되돌리는 함수 계약입니다.
// 큐가 수용하면 true를 반환합니다.
type RequeueFunc func(rec *message.Record) bool

// CaptureCallback 레코드가 보존될 때마다 호출되는 콜백입니다.
// size는 보존 직후의 DLO 크기입니다. 건강 상태 감시자가 성장 추세를 추적합니다.
type CaptureCallback func(rec *message.Record, size int)

// Stats DLO의 누적 통계 스냅샷입니다. /api/metrics 응답에 그대로 직렬화됩니다.
type Stats struct {
	Size          int   `json:"size"`
	TotalCaptured int64 `json:"total_captured"`
	TotalRetried  int64 `json:"total_retried"`
	TotalExpired  int64 `json:"total_expired"`
	TotalPurged   int64 `json:"total_purged"`
	Overflow      int64 `json:"dlo_overflow"`
}

// Office Dead Letter 저장소입니다. 모든 메서드는 동시 호출에 안전합니다.
type Office struct {
	cfg config.DLOConfig

	mu      sync.Mutex
	entries []*message.DeadLetter // 오래된 순
	index   map[string]*message.DeadLetter

	onCapture CaptureCallback
	requeue   RequeueFunc

	totalCaptured atomic.Int64
	totalRetried  atomic.Int64
	totalExpired  atomic.Int64
	totalPurged   atomic.Int64
	overflow      atomic.Int64

	// now 현재 시각 함수. 테스트에서 대체됩니다.
	now func() time.Time
}

// New DLO를 생성합니다.
func New(cfg config.DLOConfig) *Office {
	return &Office{
		cfg:   cfg,
		index: make(map[string]*message.DeadLetter),
		now:   time.Now,
	}
}

// OnCapture 보존 콜백을 등록합니다. 서비스 기동 전에 한 번만 호출해야 합니다.
func (o *Office) OnCapture(cb CaptureCallback) {
	o.onCapture = cb
}

// SetRequeue 수동 재시도 시 사용할 큐 재등록 함수를 연결합니다.
func (o *Office) SetRequeue(fn RequeueFunc) {
	o.requeue = fn
}

// Capture 레코드를 DLO에 보존합니다.
//
// 동일 sms_id가 이미 보존되어 있으면 항목을 갱신합니다 (수동 재시도 실패 복귀).
// 용량 한도를 넘으면 가장 오래된 항목을 밀어내고 dlo_overflow를 증가시킵니다.
func (o *Office) Capture(rec *message.Record, reason string) {
	now := o.now()

	o.mu.Lock()

	entry := &message.DeadLetter{
		Record:         *rec,
		DeadLetteredAt: now.Unix(),
		ExpiresAt:      now.Add(o.cfg.TTL()).Unix(),
	}
	entry.LastError = reason

	if prev, ok := o.index[rec.SMSID]; ok {
		entry.ManualRetryCount = prev.ManualRetryCount
		o.removeLocked(rec.SMSID)
	}

	o.entries = append(o.entries, entry)
	o.index[rec.SMSID] = entry
	o.totalCaptured.Add(1)

	// 용량 초과 시 가장 오래된 항목부터 밀어냅니다.
	for len(o.entries) > o.cfg.MaxEntries {
		evicted := o.entries[0]
		o.removeLocked(evicted.SMSID)
		o.overflow.Add(1)

		applog.WithComponentAndFields(component, applog.Fields{
			"sms_id":  evicted.SMSID,
			"node_id": evicted.NodeID,
		}).Warn("용량 초과: 가장 오래된 Dead Letter가 밀려났습니다")
	}

	size := len(o.entries)
	o.mu.Unlock()

	applog.WithComponentAndFields(component, applog.Fields{
		"sms_id":   rec.SMSID,
		"node_id":  rec.NodeID,
		"reason":   reason,
		"dlo_size": size,
	}).Warn("Dead Letter 보존: 발송에 최종 실패한 메시지를 보존합니다")

	if o.onCapture != nil {
		o.onCapture(rec, size)
	}
}

// List 보존 중인 Dead Letter를 최신순으로 반환합니다.
// 조회 시점에 만료된 항목은 먼저 제거됩니다.
func (o *Office) List() []*message.DeadLetter {
	o.pruneExpiredAt(o.now())

	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*message.DeadLetter, 0, len(o.entries))
	for i := len(o.entries) - 1; i >= 0; i-- {
		out = append(out, o.entries[i])
	}
	return out
}

// Retry sms_id에 해당하는 Dead Letter를 큐로 되돌립니다.
//
// 재시도 횟수는 0으로 초기화되어 온전한 재시도 기회를 다시 가집니다.
// 큐가 수용을 거부하면(가득 참 등) 항목은 DLO에 그대로 남습니다.
func (o *Office) Retry(smsID string) error {
	o.mu.Lock()
	entry, ok := o.index[smsID]
	if !ok {
		o.mu.Unlock()
		return apperrors.Newf(apperrors.NotFound, "Dead Letter를 찾을 수 없습니다 (sms_id: %s)", smsID)
	}

	o.removeLocked(smsID)
	o.mu.Unlock()

	rec := entry.Record
	rec.RetryCount = 0
	rec.LastError = ""

	if o.requeue == nil || !o.requeue(&rec) {
		// 큐가 거부하면 항목을 되살려 보존 상태를 유지합니다.
		entry.ManualRetryCount++
		o.mu.Lock()
		o.entries = append(o.entries, entry)
		o.index[smsID] = entry
		o.mu.Unlock()

		return apperrors.Newf(apperrors.Unavailable, "큐가 재등록을 거부하였습니다 (sms_id: %s)", smsID)
	}

	o.totalRetried.Add(1)

	applog.WithComponentAndFields(component, applog.Fields{
		"sms_id":  smsID,
		"node_id": rec.NodeID,
	}).Info("수동 재시도: Dead Letter가 큐로 복귀하였습니다")

	return nil
}

// Purge 보존 중인 모든 Dead Letter를 제거하고 제거된 개수를 반환합니다.
func (o *Office) Purge() int {
	o.mu.Lock()
	count := len(o.entries)
	o.entries = nil
	o.index = make(map[string]*message.DeadLetter)
	o.mu.Unlock()

	o.totalPurged.Add(int64(count))

	applog.WithComponentAndFields(component, applog.Fields{"purged": count}).Info("DLO가 비워졌습니다")
	return count
}

// PruneExpired TTL이 지난 항목을 제거하고 제거된 개수를 반환합니다.
func (o *Office) PruneExpired() int {
	return o.pruneExpiredAt(o.now())
}

func (o *Office) pruneExpiredAt(now time.Time) int {
	o.mu.Lock()

	kept := o.entries[:0]
	pruned := 0
	for _, entry := range o.entries {
		if entry.Expired(now) {
			delete(o.index, entry.SMSID)
			pruned++
			continue
		}
		kept = append(kept, entry)
	}
	o.entries = kept
	o.mu.Unlock()

	if pruned > 0 {
		o.totalExpired.Add(int64(pruned))
		applog.WithComponentAndFields(component, applog.Fields{"pruned": pruned}).Info("만료된 Dead Letter가 제거되었습니다")
	}
	return pruned
}

// Size 현재 보존 중인 항목 수를 반환합니다.
func (o *Office) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Snapshot 누적 통계의 스냅샷을 반환합니다.
func (o *Office) Snapshot() Stats {
	return Stats{
		Size:          o.Size(),
		TotalCaptured: o.totalCaptured.Load(),
		TotalRetried:  o.totalRetried.Load(),
		TotalExpired:  o.totalExpired.Load(),
		TotalPurged:   o.totalPurged.Load(),
		Overflow:      o.overflow.Load(),
	}
}

// removeLocked 항목을 제거합니다. 호출자는 o.mu를 보유해야 합니다.
func (o *Office) removeLocked(smsID string) {
	delete(o.index, smsID)
	for i, entry := range o.entries {
		if entry.SMSID == smsID {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return
		}
	}
}
