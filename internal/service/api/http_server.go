package api

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	apperrors "github.com/darkkaiser/otp-bridge/internal/pkg/errors"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

const component = "api"

const (
	defaultReadTimeout       = 10 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second

	// defaultMaxBodySize 엣지 노드 요청 본문의 최대 크기
	defaultMaxBodySize = "64K"
)

// requestValidator Echo에 validator/v10을 연결하는 어댑터
type requestValidator struct {
	v *validator.Validate
}

func (rv *requestValidator) Validate(i interface{}) error {
	if err := rv.v.Struct(i); err != nil {
		return apperrors.Wrap(err, apperrors.InvalidInput, "요청 값이 유효하지 않습니다")
	}
	return nil
}

// NewHTTPServer 미들웨어 체인이 설정된 Echo 인스턴스를 생성합니다.
//
// 미들웨어 적용 순서:
//  1. Recover - 핸들러 패닉 복구
//  2. RequestID - 요청 추적용 ID 부여
//  3. 요청 로깅 - 구조화된 접근 로그 (본문은 기록하지 않음)
//  4. BodyLimit - 본문 크기 제한
//  5. Secure - 보안 헤더
func NewHTTPServer(debug bool) *echo.Echo {
	e := echo.New()

	e.Debug = debug
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = defaultReadTimeout
	e.Server.ReadHeaderTimeout = defaultReadHeaderTimeout
	e.Server.WriteTimeout = defaultWriteTimeout
	e.Server.IdleTimeout = defaultIdleTimeout

	e.Validator = &requestValidator{v: validator.New()}
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger())
	e.Use(middleware.BodyLimit(defaultMaxBodySize))
	e.Use(middleware.Secure())

	return e
}

// requestLogger 접근 로그 미들웨어입니다.
// Zero-Log 정책에 따라 요청/응답 본문은 절대 기록하지 않습니다.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			applog.WithComponentAndFields(component, applog.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
				"remote_ip":  v.RemoteIP,
				"request_id": v.RequestID,
			}).Info("HTTP 요청이 처리되었습니다")
			return nil
		},
	})
}

// notFoundHandler 정의되지 않은 경로의 응답을 Envelope 형식으로 통일합니다.
func notFoundHandler(c echo.Context) error {
	return respondError(c, http.StatusNotFound, "요청한 리소스를 찾을 수 없습니다")
}
