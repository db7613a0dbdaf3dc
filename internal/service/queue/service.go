package queue

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/darkkaiser/otp-bridge/internal/pkg/errors"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

// shutdownGraceTimeout 종료 시 진행 중인 발송을 기다리는 최대 시간
const shutdownGraceTimeout = 10 * time.Second

// Start 워커 풀을 기동하고 종료 신호를 감시합니다.
func (q *Queue) Start(serviceStopCtx context.Context, serviceStopWG *sync.WaitGroup) error {
	q.runningMu.Lock()
	defer q.runningMu.Unlock()

	if q.running {
		return apperrors.New(apperrors.Conflict, "큐 서비스가 이미 실행 중입니다")
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	q.cancelWorkers = cancel

	for i := 0; i < q.cfg.WorkerCount; i++ {
		q.workerWG.Add(1)
		go q.worker(workerCtx, i)
	}

	q.running = true

	serviceStopWG.Add(1)
	go q.run(serviceStopCtx, serviceStopWG)

	applog.WithComponentAndFields(component, applog.Fields{
		"workers":     q.cfg.WorkerCount,
		"capacity":    q.cfg.Capacity,
		"max_retries": q.cfg.MaxRetries,
	}).Info("큐 서비스가 시작되었습니다")

	return nil
}

func (q *Queue) run(serviceStopCtx context.Context, serviceStopWG *sync.WaitGroup) {
	defer serviceStopWG.Done()

	<-serviceStopCtx.Done()
	q.stop()
}

// stop 큐 서비스를 종료합니다.
//
//  1. 신규 등록을 차단합니다.
//  2. 지연 재시도 타이머를 해제하고 대기 중이던 레코드를 DLO로 보존합니다.
//  3. 워커에게 종료를 알리고, 진행 중인 발송이 끝나기를 유예 시간만큼 기다립니다.
//  4. 큐에 남은 레코드를 DLO로 보존합니다.
func (q *Queue) stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.stopDelayedTimers()

	q.cancelWorkers()
	q.signal() // 대기 중인 워커를 깨워 종료 신호를 확인하게 합니다.

	done := make(chan struct{})
	go func() {
		q.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGraceTimeout):
		applog.WithComponent(component).Warn("종료 유예 시간 내에 워커가 종료되지 않았습니다")
	}

	// 워커가 종료 직전에 예약했을 수 있는 타이머를 한 번 더 정리합니다.
	q.stopDelayedTimers()

	// 미발송 레코드는 유실하지 않고 DLO로 보존합니다.
	preserved := 0
	for {
		rec := q.pop()
		if rec == nil {
			break
		}
		q.moveToDeadLetter(rec, "shutdown")
		preserved++
	}

	q.runningMu.Lock()
	q.running = false
	q.runningMu.Unlock()

	applog.WithComponentAndFields(component, applog.Fields{
		"preserved":       preserved,
		"total_delivered": q.totalDelivered.Load(),
		"total_failed":    q.totalFailed.Load(),
	}).Info("큐 서비스가 종료되었습니다")
}

// stopDelayedTimers 지연 재시도 타이머를 모두 해제하고, 아직 발화하지 않은
// 타이머의 레코드를 DLO로 보존합니다.
func (q *Queue) stopDelayedTimers() {
	q.timersMu.Lock()
	pending := make([]*delayedRecord, 0, len(q.timers))
	for _, d := range q.timers {
		if d.timer.Stop() {
			pending = append(pending, d)
		}
	}
	q.timers = make(map[string]*delayedRecord)
	q.timersMu.Unlock()

	for _, d := range pending {
		q.moveToDeadLetter(d.rec, "shutdown")
	}
}
