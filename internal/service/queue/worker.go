package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/darkkaiser/otp-bridge/internal/crypto"
	"github.com/darkkaiser/otp-bridge/internal/message"
	"github.com/darkkaiser/otp-bridge/internal/service/dispatch"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

const (
	// retryBackoffBase 재시도 지수 백오프의 초기 대기 시간
	retryBackoffBase = 2 * time.Second

	// retryBackoffCap 재시도 대기 시간의 상한
	retryBackoffCap = 60 * time.Second

	// retryJitterMax 백오프에 더해지는 무작위 지터의 상한
	retryJitterMax = 1 * time.Second
)

// worker 큐에서 레코드를 꺼내 발송하는 워커 루프입니다.
// 종료 신호를 받으면 처리 중이던 레코드만 마무리하고 빠져나갑니다.
func (q *Queue) worker(ctx context.Context, id int) {
	defer q.workerWG.Done()

	applog.WithComponentAndFields(component, applog.Fields{"worker_id": id}).Debug("워커가 시작되었습니다")

	for {
		rec := q.pop()
		if rec == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.notifyCh:
				continue
			}
		}

		q.process(ctx, rec)

		if ctx.Err() != nil {
			return
		}
	}
}

// process 레코드 한 건의 발송 파이프라인을 수행합니다.
//
//  1. 1차 채널(텔레그램)로 발송을 시도합니다.
//  2. 속도 제한에 걸리면 재시도 횟수를 소모하지 않고 대기 후 큐 선두로 복귀합니다.
//  3. 실패 시 폴백 채널(이메일)로 1회 시도합니다.
//  4. 둘 다 실패하면 지수 백오프 후 큐 말미로 복귀하고,
//     재시도 한도를 소진하면 DLO로 이관합니다.
func (q *Queue) process(ctx context.Context, rec *message.Record) {
	res := q.primary.Dispatch(ctx, rec)

	switch res.Status {
	case dispatch.StatusDelivered:
		q.complete(rec)
		return

	case dispatch.StatusRateLimited:
		// 속도 제한은 레코드의 잘못이 아니므로 재시도 횟수를 소모하지 않습니다.
		q.scheduleReinsert(rec, rateLimitJitter(res.RetryAfter), true)
		return
	}

	// 복호화 실패는 어떤 채널로도 복구할 수 없으므로 즉시 DLO로 보존합니다.
	if errors.Is(res.Err, crypto.ErrInvalidToken) {
		q.moveToDeadLetter(rec, "invalid_token")
		return
	}

	// 에러 문자열에 본문이나 토큰이 반사되어 있을 수 있으므로 제거하고 보관합니다.
	lastError := applog.ScrubCipherText(fmt.Sprintf("%s: %v", q.primary.Name(), res.Err))

	// 폴백 채널로 1회 시도
	if q.fallback != nil {
		fres := q.fallback.Dispatch(ctx, rec)
		if fres.Status == dispatch.StatusDelivered {
			q.fallbackDelivered.Add(1)
			q.complete(rec)

			applog.WithComponentAndFields(component, applog.Fields{
				"sms_id":  rec.SMSID,
				"node_id": rec.NodeID,
				"channel": q.fallback.Name(),
			}).Info("발송 성공: 폴백 채널로 전달되었습니다")
			return
		}

		if errors.Is(fres.Err, crypto.ErrInvalidToken) {
			q.moveToDeadLetter(rec, "invalid_token")
			return
		}

		lastError = applog.ScrubCipherText(fmt.Sprintf("%s; %s: %v", lastError, q.fallback.Name(), fres.Err))
	}

	rec.RetryCount++
	rec.LastError = lastError

	if rec.RetryCount >= q.cfg.MaxRetries {
		applog.WithComponentAndFields(component, applog.Fields{
			"sms_id":      rec.SMSID,
			"node_id":     rec.NodeID,
			"retry_count": rec.RetryCount,
		}).Error("재시도 한도 소진: 레코드를 DLO로 이관합니다")

		q.moveToDeadLetter(rec, lastError)
		return
	}

	q.totalRetried.Add(1)
	backoff := q.backoff(rec.RetryCount)

	applog.WithComponentAndFields(component, applog.Fields{
		"sms_id":      rec.SMSID,
		"node_id":     rec.NodeID,
		"retry_count": rec.RetryCount,
		"backoff":     backoff,
	}).Warn("발송 실패: 백오프 후 재시도합니다")

	q.scheduleReinsert(rec, backoff, false)
}

// scheduleReinsert 지정된 대기 시간 후 레코드를 큐로 되돌립니다.
// 대기 중인 레코드는 in_flight로 집계되며, 종료 시 타이머가 정리되고 DLO로 보존됩니다.
func (q *Queue) scheduleReinsert(rec *message.Record, delay time.Duration, front bool) {
	if delay <= 0 {
		q.reinsert(rec, front)
		return
	}

	q.timersMu.Lock()
	defer q.timersMu.Unlock()

	q.timers[rec.SMSID] = &delayedRecord{
		rec: rec,
		timer: time.AfterFunc(delay, func() {
			q.timersMu.Lock()
			delete(q.timers, rec.SMSID)
			q.timersMu.Unlock()

			q.reinsert(rec, front)
		}),
	}
}

// rateLimitJitter 채널이 지정한 대기 시간에 ±10%의 무작위 지터를 더합니다.
// 여러 워커가 같은 시각에 복귀하여 다시 속도 제한에 걸리는 것을 분산시킵니다.
func rateLimitJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration((rand.Float64()*0.2-0.1)*float64(d))
}

// backoffDelay n번째 재시도까지의 대기 시간을 계산합니다.
// base*2^(n-1)에 무작위 지터를 더하고 상한으로 자릅니다.
func backoffDelay(retryCount int) time.Duration {
	d := retryBackoffBase << uint(retryCount-1)
	if d <= 0 || d > retryBackoffCap {
		d = retryBackoffCap
	}

	d += time.Duration(rand.Int63n(int64(retryJitterMax)))
	if d > retryBackoffCap {
		d = retryBackoffCap
	}
	return d
}
