// Package telegram 텔레그램 Bot API 기반의 1차 발송 채널입니다.
package telegram

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/darkkaiser/otp-bridge/internal/config"
	"github.com/darkkaiser/otp-bridge/internal/crypto"
	"github.com/darkkaiser/otp-bridge/internal/message"
	apperrors "github.com/darkkaiser/otp-bridge/internal/pkg/errors"
	"github.com/darkkaiser/otp-bridge/internal/service/dispatch"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

const component = "dispatch.telegram"

const (
	// fallbackRetryAfterBase 429 응답에 Retry-After가 없을 때 사용하는 초기 대기 시간
	fallbackRetryAfterBase = 1 * time.Second

	// fallbackRetryAfterCap Retry-After 추정치의 상한
	fallbackRetryAfterCap = 60 * time.Second
)

// botClient 텔레그램 API 클라이언트 계약. 테스트에서 모의 구현으로 대체됩니다.
type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Dispatcher 텔레그램 발송 채널입니다. 모든 메서드는 동시 호출에 안전합니다.
type Dispatcher struct {
	client   botClient
	chatID   int64
	limiter  *rate.Limiter
	envelope *crypto.Envelope

	totalSent        atomic.Int64
	totalRateLimited atomic.Int64
	totalErrors      atomic.Int64
	connected        atomic.Bool
	rateLimited      atomic.Bool

	// consecutive429 Retry-After 없는 429가 연속된 횟수. 지수 대기 추정에 사용.
	consecutive429 atomic.Int64
}

// New 봇 토큰으로 텔레그램 API에 연결하여 Dispatcher를 생성합니다.
func New(cfg config.TelegramConfig, envelope *crypto.Envelope) (*Dispatcher, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Unavailable, "텔레그램 봇 초기화에 실패하였습니다")
	}

	applog.WithComponentAndFields(component, applog.Fields{
		"bot_username": bot.Self.UserName,
		"chat_id":      cfg.ChatID,
		"rate_per_sec": cfg.RatePerSec,
	}).Info("텔레그램 발송 채널이 초기화되었습니다")

	return newWithClient(bot, cfg, envelope), nil
}

// newWithClient 외부에서 주입된 클라이언트로 Dispatcher를 생성합니다. (테스트용 주입점)
func newWithClient(client botClient, cfg config.TelegramConfig, envelope *crypto.Envelope) *Dispatcher {
	d := &Dispatcher{
		client:   client,
		chatID:   cfg.ChatID,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		envelope: envelope,
	}
	d.connected.Store(true)
	return d
}

// Name 채널 식별자를 반환합니다.
func (d *Dispatcher) Name() string {
	return "telegram"
}

// Dispatch 레코드 한 건을 텔레그램으로 발송합니다.
//
// 본문은 API 호출 직전에만 복호화되며, 로그에는 절대 남기지 않습니다.
// 텔레그램 API의 속도 제한(초당 메시지 수)은 토큰 버킷으로 선제 준수하고,
// 그럼에도 429가 반환되면 서버의 Retry-After를 그대로 따릅니다.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *message.Record) dispatch.Result {
	// 토큰 버킷 통과 대기. 컨텍스트 취소 시 즉시 중단합니다.
	if err := d.limiter.Wait(ctx); err != nil {
		return dispatch.Transient(err)
	}

	body, err := dispatch.ResolveBody(d.envelope, rec)
	if err != nil {
		// 복호화 실패는 어떤 채널로도 복구할 수 없으므로 영구 실패로 분류합니다.
		d.totalErrors.Add(1)
		return dispatch.Terminal(err)
	}

	msg := tgbotapi.NewMessage(d.chatID, formatMessage(rec, body))
	msg.ParseMode = tgbotapi.ModeMarkdown

	_, err = d.client.Send(msg)
	if err == nil {
		d.totalSent.Add(1)
		d.connected.Store(true)
		d.rateLimited.Store(false)
		d.consecutive429.Store(0)

		applog.WithComponentAndFields(component, applog.Fields{
			"sms_id":  rec.SMSID,
			"node_id": rec.NodeID,
			"chat_id": d.chatID,
		}).Info("발송 성공: 텔레그램으로 메시지가 전송되었습니다")

		return dispatch.Delivered()
	}

	return d.classifyError(rec, err)
}

// classifyError 텔레그램 API 에러를 Result로 분류합니다.
func (d *Dispatcher) classifyError(rec *message.Record, err error) dispatch.Result {
	errCode, retryAfter := parseTelegramError(err)

	// 에러 문자열에 요청 본문이 반사되어 있을 수 있으므로 토큰 형태를 제거하고 기록합니다.
	logEntry := applog.WithComponentAndFields(component, applog.Fields{
		"sms_id":  rec.SMSID,
		"node_id": rec.NodeID,
		"code":    errCode,
		"error":   applog.ScrubCipherText(err.Error()),
	})

	switch {
	case errCode == 429:
		d.totalRateLimited.Add(1)
		d.rateLimited.Store(true)

		wait := d.retryAfterDuration(retryAfter)
		logEntry.WithField("retry_after", wait).Warn("발송 보류: 텔레그램 API 속도 제한(429)에 걸렸습니다")
		return dispatch.RateLimited(wait, err)

	case errCode >= 500 || errCode == 0:
		// 5xx 서버 오류 및 네트워크 수준 오류(errCode=0)는 일시적 실패입니다.
		d.totalErrors.Add(1)
		if errCode == 0 {
			d.connected.Store(false)
		}
		logEntry.Warn("발송 실패: 텔레그램 API에서 일시적 오류가 발생했습니다")
		return dispatch.Transient(err)

	default:
		// 429를 제외한 4xx는 재시도해도 결과가 달라지지 않습니다.
		d.totalErrors.Add(1)
		logEntry.Error("발송 실패: 재시도 불가능한 텔레그램 API 오류입니다")
		return dispatch.Terminal(err)
	}
}

// retryAfterDuration 429 응답의 대기 시간을 결정합니다.
// 서버가 Retry-After를 명시하면 그 값을, 없으면 연속 횟수 기반의 지수 추정치를 사용합니다.
func (d *Dispatcher) retryAfterDuration(retryAfter int) time.Duration {
	if retryAfter > 0 {
		d.consecutive429.Store(0)
		return time.Duration(retryAfter) * time.Second
	}

	n := d.consecutive429.Add(1)
	wait := fallbackRetryAfterBase << uint(n-1)
	if wait > fallbackRetryAfterCap || wait <= 0 {
		wait = fallbackRetryAfterCap
	}
	return wait
}

// Stats 누적 통계의 스냅샷을 반환합니다.
func (d *Dispatcher) Stats() dispatch.Stats {
	return dispatch.Stats{
		TotalSent:        d.totalSent.Load(),
		TotalRateLimited: d.totalRateLimited.Load(),
		TotalErrors:      d.totalErrors.Load(),
		Connected:        d.connected.Load(),
		RateLimited:      d.rateLimited.Load(),
	}
}

// formatMessage 텔레그램 메시지 본문을 구성합니다.
func formatMessage(rec *message.Record, body string) string {
	return fmt.Sprintf("📨 *%s*\n%s\n\n_node: %s / priority: %s_",
		rec.Sender, body, rec.NodeID, rec.Priority)
}

// parseTelegramError 텔레그램 API 에러에서 HTTP 상태 코드와 Retry-After(초)를 추출합니다.
// 텔레그램 에러가 아닌 경우(네트워크 오류 등)는 (0, 0)을 반환합니다.
func parseTelegramError(err error) (code int, retryAfter int) {
	if apiErr, ok := err.(tgbotapi.Error); ok {
		return apiErr.Code, apiErr.ResponseParameters.RetryAfter
	}
	if apiErrPtr, ok := err.(*tgbotapi.Error); ok {
		return apiErrPtr.Code, apiErrPtr.ResponseParameters.RetryAfter
	}
	return 0, 0
}
