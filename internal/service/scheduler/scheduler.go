// Package scheduler 주기 작업(DLO 만료 정리, 건강 상태 평가)을 Cron 엔진으로 구동합니다.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/darkkaiser/otp-bridge/internal/config"
	apperrors "github.com/darkkaiser/otp-bridge/internal/pkg/errors"
	"github.com/darkkaiser/otp-bridge/internal/service/dlo"
	"github.com/darkkaiser/otp-bridge/internal/service/health"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

const component = "scheduler"

// dloPruneSpec DLO 만료 항목 정리 주기
const dloPruneSpec = "@every 1m"

// Scheduler 주기 작업 구동 서비스입니다.
type Scheduler struct {
	healthCfg config.HealthConfig

	office  *dlo.Office
	monitor *health.Monitor

	cron *cron.Cron

	running   bool
	runningMu sync.Mutex
}

// NewService Scheduler 서비스를 생성합니다.
func NewService(healthCfg config.HealthConfig, office *dlo.Office, monitor *health.Monitor) *Scheduler {
	return &Scheduler{
		healthCfg: healthCfg,
		office:    office,
		monitor:   monitor,
	}
}

// Start 주기 작업을 Cron 엔진에 등록하고 구동을 시작합니다.
func (s *Scheduler) Start(serviceStopCtx context.Context, serviceStopWG *sync.WaitGroup) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return apperrors.New(apperrors.Conflict, "Scheduler 서비스가 이미 실행 중입니다")
	}

	// Recover: 작업 패닉이 엔진 전체를 멈추지 않도록 복구합니다.
	// SkipIfStillRunning: 이전 실행이 끝나지 않았으면 다음 실행을 건너뜁니다.
	cronLogger := cron.VerbosePrintfLogger(applog.StandardLogger())
	s.cron = cron.New(
		cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		),
	)

	if s.office != nil {
		if _, err := s.cron.AddFunc(dloPruneSpec, func() {
			s.office.PruneExpired()
		}); err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "DLO 정리 작업 등록에 실패하였습니다")
		}
	}

	if s.monitor != nil {
		evalSpec := fmt.Sprintf("@every %ds", s.healthCfg.EvalIntervalSec)
		if _, err := s.cron.AddFunc(evalSpec, func() {
			s.monitor.EvaluateAndAlert()
		}); err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "건강 상태 평가 작업 등록에 실패하였습니다")
		}
	}

	s.cron.Start()
	s.running = true

	applog.WithComponentAndFields(component, applog.Fields{
		"registered_jobs":   len(s.cron.Entries()),
		"eval_interval_sec": s.healthCfg.EvalIntervalSec,
	}).Info("Scheduler 서비스가 시작되었습니다")

	serviceStopWG.Add(1)
	go func() {
		defer serviceStopWG.Done()

		<-serviceStopCtx.Done()
		s.Stop()
	}()

	return nil
}

// Stop Cron 엔진을 중지하고 실행 중인 작업의 완료를 기다립니다.
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if !s.running {
		return
	}

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.cron = nil
	s.running = false

	applog.WithComponent(component).Info("Scheduler 서비스가 종료되었습니다")
}
