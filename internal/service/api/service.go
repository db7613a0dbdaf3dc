package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	apperrors "github.com/darkkaiser/otp-bridge/internal/pkg/errors"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

// shutdownTimeout Graceful Shutdown 시 최대 대기 시간
const shutdownTimeout = 5 * time.Second

// Service HTTP API 서버의 생명주기를 관리하는 서비스입니다.
//
// Echo 서버의 시작/종료, 라우트 등록, Graceful Shutdown을 담당합니다.
// Start()로 기동하며 serviceStopCtx 취소로 종료됩니다.
type Service struct {
	listenPort int
	debug      bool

	handler *Handler

	running   bool
	runningMu sync.Mutex
}

// NewService Service 인스턴스를 생성합니다.
func NewService(listenPort int, debug bool, handler *Handler) *Service {
	return &Service{
		listenPort: listenPort,
		debug:      debug,
		handler:    handler,
	}
}

// Start API 서비스를 시작합니다.
// 서버는 별도의 고루틴에서 실행되며 이 함수는 즉시 반환됩니다.
func (s *Service) Start(serviceStopCtx context.Context, serviceStopWG *sync.WaitGroup) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return apperrors.New(apperrors.Conflict, "API 서비스가 이미 실행 중입니다")
	}
	s.running = true

	serviceStopWG.Add(1)
	go s.runServiceLoop(serviceStopCtx, serviceStopWG)

	applog.WithComponentAndFields(component, applog.Fields{
		"port": s.listenPort,
	}).Info("API 서비스가 시작되었습니다")

	return nil
}

// runServiceLoop 서버 설정, HTTP 서버 시작, Shutdown 대기를 순차 수행합니다.
func (s *Service) runServiceLoop(serviceStopCtx context.Context, serviceStopWG *sync.WaitGroup) {
	defer serviceStopWG.Done()

	e := NewHTTPServer(s.debug)
	SetupRoutes(e, s.handler)

	httpServerDone := make(chan struct{})
	go s.startHTTPServer(e, httpServerDone)

	s.waitForShutdown(serviceStopCtx, e, httpServerDone)
}

// startHTTPServer HTTP 서버를 시작합니다. 서버가 종료될 때까지 블로킹됩니다.
func (s *Service) startHTTPServer(e *echo.Echo, done chan struct{}) {
	defer close(done)

	applog.WithComponentAndFields(component, applog.Fields{
		"port": s.listenPort,
	}).Debug("HTTP 서버를 시작합니다")

	s.handleServerError(e.Start(fmt.Sprintf(":%d", s.listenPort)))
}

// handleServerError HTTP 서버 종료 사유를 분류하여 기록합니다.
func (s *Service) handleServerError(err error) {
	if err == nil {
		return
	}

	if errors.Is(err, http.ErrServerClosed) {
		applog.WithComponent(component).Info("HTTP 서버가 정상 종료되었습니다")
		return
	}

	applog.WithComponentAndFields(component, applog.Fields{
		"port":  s.listenPort,
		"error": err,
	}).Error("HTTP 서버가 비정상 종료되었습니다")
}

// waitForShutdown 종료 신호를 대기하고 Graceful Shutdown을 수행합니다.
func (s *Service) waitForShutdown(serviceStopCtx context.Context, e *echo.Echo, httpServerDone chan struct{}) {
	select {
	case <-serviceStopCtx.Done():
		applog.WithComponent(component).Info("API 서비스를 종료합니다")
	case <-httpServerDone:
		// 포트 바인딩 실패 등으로 서버가 조기 종료된 경우
		s.cleanup()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		applog.WithComponentAndFields(component, applog.Fields{
			"error": err,
		}).Error("HTTP 서버 Shutdown 중 오류가 발생하였습니다")
	}

	<-httpServerDone

	s.cleanup()
}

// cleanup 서비스 종료 후 실행 상태를 초기화합니다.
func (s *Service) cleanup() {
	s.runningMu.Lock()
	s.running = false
	s.runningMu.Unlock()

	applog.WithComponent(component).Info("API 서비스가 종료되었습니다")
}
