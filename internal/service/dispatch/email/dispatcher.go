// Package email SMTP 기반의 2차(폴백) 발송 채널입니다.
//
// 텔레그램 발송이 실패한 메시지를 운영자 메일함으로 전달합니다.
// 연결을 유지하지 않고 호출마다 새 SMTP 세션을 열어, 장시간 유휴로 인한
// 끊어진 연결 문제를 원천적으로 피합니다.
package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/darkkaiser/otp-bridge/internal/config"
	"github.com/darkkaiser/otp-bridge/internal/crypto"
	"github.com/darkkaiser/otp-bridge/internal/message"
	"github.com/darkkaiser/otp-bridge/internal/service/dispatch"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

const component = "dispatch.email"

// sendMailFunc SMTP 발송 함수 계약. 테스트에서 모의 구현으로 대체됩니다.
type sendMailFunc func(addr string, auth sasl.Client, from string, to []string, msg []byte) error

// Dispatcher SMTP 발송 채널입니다. 모든 메서드는 동시 호출에 안전합니다.
type Dispatcher struct {
	cfg      config.SMTPConfig
	envelope *crypto.Envelope
	sendMail sendMailFunc

	totalSent   atomic.Int64
	totalErrors atomic.Int64
	connected   atomic.Bool
}

// New SMTP 설정으로 Dispatcher를 생성합니다. 연결 검증은 첫 발송 시점으로 미룹니다.
func New(cfg config.SMTPConfig, envelope *crypto.Envelope) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		envelope: envelope,
		sendMail: func(addr string, auth sasl.Client, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, auth, from, to, strings.NewReader(string(msg)))
		},
	}
	d.connected.Store(true)
	return d
}

// Name 채널 식별자를 반환합니다.
func (d *Dispatcher) Name() string {
	return "email"
}

// Dispatch 레코드 한 건을 이메일로 발송합니다.
// 본문은 메일 작성 직전에만 복호화됩니다 (Zero-Log 정책).
func (d *Dispatcher) Dispatch(ctx context.Context, rec *message.Record) dispatch.Result {
	if err := ctx.Err(); err != nil {
		return dispatch.Transient(err)
	}

	body, err := dispatch.ResolveBody(d.envelope, rec)
	if err != nil {
		d.totalErrors.Add(1)
		return dispatch.Terminal(err)
	}

	var auth sasl.Client
	if d.cfg.User != "" {
		auth = sasl.NewPlainClient("", d.cfg.User, d.cfg.Pass)
	}

	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	mail := buildMail(d.cfg.From, d.cfg.To, rec, body)

	err = d.sendMail(addr, auth, d.cfg.From, []string{d.cfg.To}, mail)
	if err == nil {
		d.totalSent.Add(1)
		d.connected.Store(true)

		applog.WithComponentAndFields(component, applog.Fields{
			"sms_id":  rec.SMSID,
			"node_id": rec.NodeID,
			"to":      applog.MaskSensitiveData(d.cfg.To),
		}).Info("발송 성공: 폴백 이메일이 전송되었습니다")

		return dispatch.Delivered()
	}

	return d.classifyError(rec, err)
}

// classifyError SMTP 에러를 Result로 분류합니다.
//
// SMTP 응답 코드 체계는 HTTP와 반대입니다:
//   - 4yz (Transient Negative): 일시적 거부, 재시도 가능
//   - 5yz (Permanent Negative): 영구 거부, 재시도 불가
func (d *Dispatcher) classifyError(rec *message.Record, err error) dispatch.Result {
	d.totalErrors.Add(1)

	logEntry := applog.WithComponentAndFields(component, applog.Fields{
		"sms_id":  rec.SMSID,
		"node_id": rec.NodeID,
		"error":   err,
	})

	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		if smtpErr.Code >= 500 {
			logEntry.WithField("code", smtpErr.Code).Error("발송 실패: SMTP 서버가 영구 거부하였습니다")
			return dispatch.Terminal(err)
		}
		logEntry.WithField("code", smtpErr.Code).Warn("발송 실패: SMTP 서버가 일시 거부하였습니다")
		return dispatch.Transient(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		d.connected.Store(false)
		logEntry.Warn("발송 실패: SMTP 서버 응답 시간이 초과되었습니다")
		return dispatch.Transient(err)
	}

	// 분류 불가능한 오류(연결 거부 등)는 일시적 실패로 취급하여 재시도에 맡깁니다.
	d.connected.Store(false)
	logEntry.Warn("발송 실패: SMTP 발송 중 오류가 발생했습니다")
	return dispatch.Transient(err)
}

// Stats 누적 통계의 스냅샷을 반환합니다.
func (d *Dispatcher) Stats() dispatch.Stats {
	return dispatch.Stats{
		TotalSent:   d.totalSent.Load(),
		TotalErrors: d.totalErrors.Load(),
		Connected:   d.connected.Load(),
	}
}

// buildMail RFC 5322 형식의 메일 원문을 구성합니다.
func buildMail(from, to string, rec *message.Record, body string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	fmt.Fprintf(&sb, "Subject: OTP from %s\r\n", rec.Sender)
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	fmt.Fprintf(&sb, "%s\r\n", body)
	sb.WriteString("\r\n--\r\n")
	fmt.Fprintf(&sb, "node: %s / sms_id: %s / priority: %s\r\n", rec.NodeID, rec.SMSID, rec.Priority)
	return []byte(sb.String())
}
