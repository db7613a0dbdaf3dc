// Package config 환경 변수와 설정 파일로부터 애플리케이션 설정을 로드합니다.
//
// 로드 우선순위 (낮음 → 높음):
//  1. 기본값 (confmap)
//  2. JSON 설정 파일 (otp-bridge.json, 존재하는 경우에만)
//  3. 환경 변수 (TELEGRAM_BOT_TOKEN, QUEUE_CAPACITY 등 — 운영 배포의 기본 수단)
package config

import (
	"encoding/base64"
	"fmt"
	"os"

	apperrors "github.com/darkkaiser/otp-bridge/internal/pkg/errors"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// AppName 애플리케이션의 전역 고유 식별자입니다.
	AppName string = "otp-bridge"

	// DefaultFilename 애플리케이션 초기화 시 참조하는 기본 설정 파일명입니다.
	DefaultFilename = AppName + ".json"
)

// envKeyPaths 인식하는 환경 변수와 설정 경로의 매핑입니다.
// 여기에 없는 환경 변수는 무시됩니다 (시스템 환경 전체를 빨아들이지 않도록).
var envKeyPaths = map[string]string{
	"DEBUG":                 "debug",
	"LISTEN_PORT":           "listen_port",
	"TELEGRAM_BOT_TOKEN":    "telegram.bot_token",
	"TELEGRAM_CHAT_ID":      "telegram.chat_id",
	"TELEGRAM_RATE_PER_SEC": "telegram.rate_per_sec",
	"FERNET_ENCRYPTION_KEY": "crypto.fernet_key",
	"SMTP_HOST":             "smtp.host",
	"SMTP_PORT":             "smtp.port",
	"SMTP_USER":             "smtp.user",
	"SMTP_PASS":             "smtp.pass",
	"SMTP_FROM":             "smtp.from",
	"SMTP_TO":               "smtp.to",
	"N8N_WEBHOOK_URL":       "agent.webhook_url",
	"N8N_WEBHOOK_SECRET":    "agent.webhook_secret",
	"CTO_COOLDOWN_SEC":      "agent.cooldown_sec",
	"QUEUE_CAPACITY":        "queue.capacity",
	"WORKER_COUNT":          "queue.worker_count",
	"MAX_RETRIES":           "queue.max_retries",
	"DLO_TTL_SEC":           "dlo.ttl_sec",
	"DLO_MAX":               "dlo.max_entries",
	"DLO_GROWTH_THRESHOLD":  "dlo.growth_threshold",
	"HEARTBEAT_TIMEOUT_SEC": "health.heartbeat_timeout_sec",
	"BATTERY_LOW_MV":        "health.battery_low_mv",
	"WIFI_WEAK_DBM":         "health.wifi_weak_dbm",
}

// defaults 설정 항목별 기본값입니다.
var defaults = map[string]interface{}{
	"debug":                        false,
	"listen_port":                  8080,
	"telegram.rate_per_sec":        30,
	"queue.capacity":               10000,
	"queue.worker_count":           3,
	"queue.max_retries":            5,
	"dlo.ttl_sec":                  72 * 3600,
	"dlo.max_entries":              1000,
	"dlo.growth_threshold":         10,
	"agent.cooldown_sec":           300,
	"agent.max_incidents":          200,
	"health.heartbeat_timeout_sec": 120,
	"health.battery_low_mv":        3300,
	"health.wifi_weak_dbm":         -100,
	"health.eval_interval_sec":     15,
	"smtp.port":                    587,
}

// Load 기본 설정 파일을 읽어 애플리케이션 설정을 로드합니다.
func Load() (*AppConfig, error) {
	return LoadWithFile(DefaultFilename)
}

// LoadWithFile 지정된 경로의 설정 파일과 환경 변수를 읽어 AppConfig 객체를 생성합니다.
func LoadWithFile(filename string) (*AppConfig, error) {
	k := koanf.New(".")

	// 1. 기본값 로드 (가장 낮은 우선순위)
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, apperrors.Wrap(err, apperrors.System, "애플리케이션 기본 설정 로드에 실패했습니다")
	}

	// 2. JSON 설정 파일 로드 (기본값 덮어쓰기)
	// 환경 변수만으로 운영하는 배포가 일반적이므로, 파일이 없는 것은 에러가 아닙니다.
	if err := k.Load(file.Provider(filename), json.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, apperrors.Wrap(err, apperrors.InvalidInput, fmt.Sprintf("설정 파일 로드 중 오류가 발생했습니다: '%s'", filename))
		}
	}

	// 3. 환경 변수 로드 (최우선 순위)
	// envKeyPaths에 등록된 변수만 설정 경로로 변환하고, 나머지는 빈 문자열을 반환하여 건너뜁니다.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeyPaths[s]
	}), nil); err != nil {
		return nil, apperrors.Wrap(err, apperrors.System, "환경 변수 로드에 실패했습니다")
	}

	// 4. 구조체 언마샬링 (Strict Validation 적용)
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "json",
		DecoderConfig: &mapstructure.DecoderConfig{
			ErrorUnused:      true, // 설정에 존재하지만 구조체에 없는 필드가 있을 경우 에러를 발생시킴
			WeaklyTypedInput: true,
		},
	}
	var appConfig AppConfig
	if err := k.UnmarshalWithConf("", &appConfig, unmarshalConf); err != nil {
		return nil, apperrors.Wrap(err, apperrors.System, "설정 데이터를 애플리케이션 구조체로 변환하는데 실패했습니다")
	}

	// 5. 유효성 검사 수행 (정합성 체크)
	if err := appConfig.validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.InvalidInput, "설정값의 유효성 검증에 실패했습니다")
	}

	return &appConfig, nil
}

// decodeFernetKey base64 인코딩된 Fernet 키를 디코딩하여 32바이트 여부를 확인합니다.
func decodeFernetKey(encoded string) ([]byte, error) {
	// Fernet 키는 URL-safe base64가 표준이지만, 표준 base64로 발급된 키도 수용합니다.
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		if raw, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return nil, apperrors.Wrap(err, apperrors.InvalidInput, "FERNET_ENCRYPTION_KEY가 base64 형식이 아닙니다")
		}
	}

	if len(raw) != 32 {
		return nil, apperrors.Newf(apperrors.InvalidInput, "FERNET_ENCRYPTION_KEY는 32바이트여야 합니다 (현재: %d바이트)", len(raw))
	}

	return raw, nil
}
