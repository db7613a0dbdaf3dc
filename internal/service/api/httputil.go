package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	apperrors "github.com/darkkaiser/otp-bridge/internal/pkg/errors"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

// Envelope 모든 API 응답의 공통 형식입니다.
type Envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// respondOK 성공 응답을 기록합니다.
func respondOK(c echo.Context, message string, data interface{}) error {
	return c.JSON(http.StatusOK, Envelope{Success: true, Message: message, Data: data})
}

// respondError 실패 응답을 기록합니다.
func respondError(c echo.Context, statusCode int, message string) error {
	return c.JSON(statusCode, Envelope{Success: false, Message: message})
}

// httpStatusOf AppError의 분류를 HTTP 상태 코드로 변환합니다.
func httpStatusOf(err error) int {
	switch apperrors.TypeOf(err) {
	case apperrors.InvalidInput:
		return http.StatusBadRequest
	case apperrors.NotFound:
		return http.StatusNotFound
	case apperrors.Conflict:
		return http.StatusConflict
	case apperrors.RateLimited:
		return http.StatusTooManyRequests
	case apperrors.Unavailable:
		return http.StatusServiceUnavailable
	case apperrors.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler 전역 HTTP 에러 핸들러입니다.
// 핸들러가 반환한 에러를 응답 Envelope로 변환하며, 본문 내용이 로그에
// 남지 않도록 에러 메시지만 기록합니다.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	statusCode := http.StatusInternalServerError
	message := "내부 오류가 발생하였습니다"

	switch e := err.(type) {
	case *echo.HTTPError:
		statusCode = e.Code
		if msg, ok := e.Message.(string); ok {
			message = msg
		}
	case *apperrors.AppError:
		statusCode = httpStatusOf(e)
		message = e.Message()
	}

	if statusCode >= http.StatusInternalServerError {
		applog.WithComponentAndFields(component, applog.Fields{
			"method": c.Request().Method,
			"path":   c.Path(),
			"status": statusCode,
			"error":  err,
		}).Error("요청 처리 중 오류가 발생하였습니다")
	}

	if writeErr := respondError(c, statusCode, message); writeErr != nil {
		applog.WithComponentAndFields(component, applog.Fields{
			"error": writeErr,
		}).Error("에러 응답 기록에 실패하였습니다")
	}
}
