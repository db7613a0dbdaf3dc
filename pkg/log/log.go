// Package log sirupsen/logrus 기반의 애플리케이션 공통 로깅 유틸리티를 제공합니다.
//
// 이 프로젝트는 Zero-Log 정책을 따릅니다:
//   - OTP 본문(body)은 어떤 경우에도 로그에 기록하지 않습니다.
//   - 로그 필드는 sms_id, sender, node_id, 크기, 소요 시간 등 메타데이터로 제한합니다.
//   - 로그는 표준 출력(stdout)으로만 내보내며 파일로 영속화하지 않습니다.
package log

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

var (
	// 호출자 경로에서 축약할 prefix
	callerFunctionPathPrefix = ""

	// fernetTokenPattern Fernet 토큰으로 추정되는 문자열 패턴 (버전 바이트 0x80 → base64 'gA')
	fernetTokenPattern = regexp.MustCompile(`gA[A-Za-z0-9_-]{20,}={0,2}`)
)

func init() {
	log.SetLevel(log.InfoLevel)
	log.SetReportCaller(true)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		CallerPrettyfier: func(frame *runtime.Frame) (function string, file string) {
			function = fmt.Sprintf("%s(line:%d)", frame.Function, frame.Line)
			if callerFunctionPathPrefix != "" && strings.HasPrefix(function, callerFunctionPathPrefix) {
				function = "..." + function[len(callerFunctionPathPrefix):]
			}

			return
		},
	})
}

// SetCallerPathPrefix 로그 출력 시 호출자 함수 경로에서 축약할 prefix를 설정합니다.
func SetCallerPathPrefix(prefix string) {
	callerFunctionPathPrefix = prefix
}

// SetDebugMode Debug 모드에 따라 로그 레벨을 설정합니다.
// - Debug 모드: Trace 레벨 (모든 로그 출력)
// - 운영 모드: Info 레벨 (Info, Warn, Error, Fatal만 출력)
func SetDebugMode(debug bool) {
	if debug {
		log.SetLevel(log.TraceLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// StandardLogger 전역 logrus 로거를 반환합니다.
// cron, echo 등 외부 라이브러리의 로거를 애플리케이션 로거로 통합할 때 사용합니다.
func StandardLogger() *log.Logger {
	return log.StandardLogger()
}

// MaskSensitiveData 민감한 정보를 마스킹합니다.
// 봇 토큰, 암호화 키 등의 민감 정보를 안전하게 로깅하기 위해 사용합니다.
func MaskSensitiveData(data string) string {
	if data == "" {
		return ""
	}

	// 3자 이하는 전체 마스킹
	if len(data) <= 3 {
		return "***"
	}

	// 앞 4자만 표시하고 나머지는 마스킹
	if len(data) <= 12 {
		return data[:4] + "***"
	}

	// 긴 토큰은 앞 4자 + 마스킹 + 뒤 4자
	return data[:4] + "***" + data[len(data)-4:]
}

// ScrubCipherText 로그 메시지에 섞여 들어온 Fernet 토큰 형태의 문자열을 제거합니다.
// 에러 메시지에 암호문이 그대로 포함되어 전파되는 경우를 방어합니다.
func ScrubCipherText(message string) string {
	return fernetTokenPattern.ReplaceAllString(message, "[CIPHERTEXT]")
}

// WithComponent component 필드를 포함한 로그 Entry를 반환합니다.
// 모든 로그에 component 필드를 일관되게 추가하기 위해 사용합니다.
func WithComponent(component string) *log.Entry {
	return log.WithFields(log.Fields{
		"component": component,
	})
}

// WithComponentAndFields component 필드와 추가 필드를 포함한 로그 Entry를 반환합니다.
func WithComponentAndFields(component string, fields log.Fields) *log.Entry {
	newFields := make(log.Fields, len(fields)+1)
	for k, v := range fields {
		newFields[k] = v
	}
	newFields["component"] = component
	return log.WithFields(newFields)
}
