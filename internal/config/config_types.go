package config

import (
	"fmt"
	"time"

	apperrors "github.com/darkkaiser/otp-bridge/internal/pkg/errors"
	"github.com/go-playground/validator/v10"
)

// AppConfig 애플리케이션의 모든 설정을 포함하는 최상위 구조체
type AppConfig struct {
	Debug      bool           `json:"debug"`
	ListenPort int            `json:"listen_port" validate:"gt=0,lte=65535"`
	Telegram   TelegramConfig `json:"telegram"`
	SMTP       SMTPConfig     `json:"smtp"`
	Crypto     CryptoConfig   `json:"crypto"`
	Queue      QueueConfig    `json:"queue"`
	DLO        DLOConfig      `json:"dlo"`
	Agent      AgentConfig    `json:"agent"`
	Health     HealthConfig   `json:"health"`
}

// validate 설정 로드 직후, 각 설정 항목의 정합성과 필수 값의 유효성을 검증합니다.
func (c *AppConfig) validate() error {
	v := validator.New()

	for _, section := range []struct {
		name  string
		value interface{}
	}{
		{"root", c},
		{"telegram", c.Telegram},
		{"smtp", c.SMTP},
		{"queue", c.Queue},
		{"dlo", c.DLO},
		{"agent", c.Agent},
		{"health", c.Health},
	} {
		if err := v.Struct(section.value); err != nil {
			return apperrors.Wrap(err, apperrors.InvalidInput, fmt.Sprintf("'%s' 설정 항목이 유효하지 않습니다", section.name))
		}
	}

	return c.Crypto.validate()
}

// VerifyRecommendations 운영 안정성을 위해 권장되는 설정 준수 여부를 진단합니다.
// 강제적인 에러를 발생시키지는 않으나, 잠재적 위험 요소에 대한 경고 메시지를 반환합니다.
func (c *AppConfig) VerifyRecommendations() []string {
	var warnings []string

	if c.Telegram.BotToken == "" {
		warnings = append(warnings, "TELEGRAM_BOT_TOKEN이 설정되지 않았습니다. 주 발송 채널이 비활성화됩니다")
	}
	if c.SMTP.Host == "" || c.SMTP.To == "" {
		warnings = append(warnings, "SMTP 설정이 비어 있습니다. 이메일 폴백 채널이 비활성화됩니다")
	}
	if c.Crypto.FernetKey == "" {
		warnings = append(warnings, "FERNET_ENCRYPTION_KEY가 설정되지 않았습니다. 암호화 메시지를 복호화할 수 없습니다")
	}
	if c.Agent.WebhookURL == "" {
		warnings = append(warnings, "N8N_WEBHOOK_URL이 설정되지 않았습니다. 인시던트가 기록만 되고 전송되지 않습니다")
	}
	if c.ListenPort < 1024 {
		warnings = append(warnings, fmt.Sprintf("Well-known 포트(%d)를 사용 중입니다. 1024 이상의 포트 사용을 권장합니다", c.ListenPort))
	}

	return warnings
}

// TelegramConfig 주 발송 채널(텔레그램 봇)의 설정 구조체
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`

	// RatePerSec 동일 chat 대상 초당 발송 한도 (Bot API 제한: 30/s)
	RatePerSec int `json:"rate_per_sec" validate:"gt=0"`
}

// SMTPConfig 폴백 발송 채널(이메일)의 설정 구조체
type SMTPConfig struct {
	Host string `json:"host"`
	Port int    `json:"port" validate:"gt=0,lte=65535"`
	User string `json:"user"`
	Pass string `json:"pass"`
	From string `json:"from" validate:"omitempty,email"`
	To   string `json:"to" validate:"omitempty,email"`
}

// Enabled SMTP 폴백 채널의 활성화 여부를 반환합니다.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != "" && c.To != ""
}

// CryptoConfig 메시지 본문 암호화(Fernet) 설정 구조체
type CryptoConfig struct {
	// FernetKey base64 인코딩된 256비트 대칭키
	FernetKey string `json:"fernet_key"`
}

func (c CryptoConfig) validate() error {
	if c.FernetKey == "" {
		return nil
	}
	_, err := decodeFernetKey(c.FernetKey)
	return err
}

// QueueConfig 메시지 큐와 워커 풀의 설정 구조체
type QueueConfig struct {
	Capacity    int `json:"capacity" validate:"gt=0"`
	WorkerCount int `json:"worker_count" validate:"gt=0"`
	MaxRetries  int `json:"max_retries" validate:"gt=0"`
}

// DLOConfig Dead Letter Office의 설정 구조체
type DLOConfig struct {
	TTLSec          int `json:"ttl_sec" validate:"gt=0"`
	MaxEntries      int `json:"max_entries" validate:"gt=0"`
	GrowthThreshold int `json:"growth_threshold" validate:"gt=0"`
}

// TTL Dead Letter의 보존 기간을 반환합니다.
func (c DLOConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

// AgentConfig CTO-Agent(자율 알림 에이전트)의 설정 구조체
type AgentConfig struct {
	WebhookURL    string `json:"webhook_url" validate:"omitempty,url"`
	WebhookSecret string `json:"webhook_secret"`
	CooldownSec   int    `json:"cooldown_sec" validate:"gt=0"`
	MaxIncidents  int    `json:"max_incidents" validate:"gt=0"`
}

// Cooldown 동일 알림 종류에 대한 최소 재전송 간격을 반환합니다.
func (c AgentConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// HealthConfig 노드 헬스 모니터링의 임계값 설정 구조체
type HealthConfig struct {
	HeartbeatTimeoutSec int `json:"heartbeat_timeout_sec" validate:"gt=0"`
	BatteryLowMV        int `json:"battery_low_mv" validate:"gt=0"`
	WifiWeakDBM         int `json:"wifi_weak_dbm" validate:"lt=0"`
	EvalIntervalSec     int `json:"eval_interval_sec" validate:"gt=0"`
}

// HeartbeatTimeout 노드를 Stale로 판정하는 무응답 시간을 반환합니다.
func (c HealthConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}
