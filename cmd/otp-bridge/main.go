package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/darkkaiser/otp-bridge/internal/config"
	"github.com/darkkaiser/otp-bridge/internal/crypto"
	"github.com/darkkaiser/otp-bridge/internal/message"
	"github.com/darkkaiser/otp-bridge/internal/pkg/version"
	"github.com/darkkaiser/otp-bridge/internal/service"
	"github.com/darkkaiser/otp-bridge/internal/service/agent"
	"github.com/darkkaiser/otp-bridge/internal/service/api"
	"github.com/darkkaiser/otp-bridge/internal/service/dispatch"
	"github.com/darkkaiser/otp-bridge/internal/service/dispatch/email"
	"github.com/darkkaiser/otp-bridge/internal/service/dispatch/telegram"
	"github.com/darkkaiser/otp-bridge/internal/service/dlo"
	"github.com/darkkaiser/otp-bridge/internal/service/health"
	"github.com/darkkaiser/otp-bridge/internal/service/queue"
	"github.com/darkkaiser/otp-bridge/internal/service/scheduler"
	applog "github.com/darkkaiser/otp-bridge/pkg/log"
)

const component = "main"

// 빌드 정보 변수 (ldflags로 주입됨)
var (
	Version     = "dev"
	Commit      = ""
	BuildDate   = "unknown"
	BuildNumber = "0"
)

const banner = `
   ___  _____  ____     ____         _      _
  / _ \|_   _||  _ \   | __ )  _ __ (_)  __| |  __ _   ___
 | | | | | |  | |_) |  |  _ \ | '__|| | / _' | / _' | / _ \
 | |_| | | |  |  __/   | |_) || |   | || (_| || (_| ||  __/
  \___/  |_|  |_|      |____/ |_|   |_| \__,_| \__, | \___|
                                               |___/   v%s
--------------------------------------------------------------------------------
`

const (
	exitCodeConfigError  = 1
	exitCodeRuntimeError = 2
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	// 환경설정 정보를 읽어들인다.
	cfg, err := config.Load()
	if err != nil {
		applog.WithComponentAndFields(component, applog.Fields{
			"error": err,
		}).Error("환경설정을 읽어들일 수 없습니다")
		os.Exit(exitCodeConfigError)
	}

	applog.SetDebugMode(cfg.Debug)

	version.Set(version.Info{
		Version:     Version,
		Commit:      Commit,
		BuildDate:   BuildDate,
		BuildNumber: BuildNumber,
	})

	fmt.Printf(banner, Version)

	buildInfo := version.Get()
	applog.WithComponentAndFields(component, applog.Fields{
		"version":    buildInfo.Version,
		"build_date": buildInfo.BuildDate,
		"go_version": buildInfo.GoVersion,
		"os_arch":    fmt.Sprintf("%s/%s", buildInfo.OS, buildInfo.Arch),
	}).Info("OTP Bridge를 시작합니다")

	// 권장 설정 미준수 항목을 경고로 출력한다.
	for _, warning := range cfg.VerifyRecommendations() {
		applog.WithComponent(component).Warn(warning)
	}

	os.Exit(run(cfg))
}

// run 파이프라인을 조립하고 종료 신호까지 서비스를 구동합니다.
func run(cfg *config.AppConfig) int {
	// 본문 암복호화기 (키 미설정 시 평문 전용으로 동작)
	var envelope *crypto.Envelope
	if cfg.Crypto.FernetKey != "" {
		var err error
		if envelope, err = crypto.NewEnvelope(cfg.Crypto.FernetKey); err != nil {
			applog.WithComponentAndFields(component, applog.Fields{
				"error": err,
			}).Error("Fernet 키를 해석할 수 없습니다")
			return exitCodeConfigError
		}
	}

	// 발송 채널을 구성한다. 텔레그램이 주 채널, 이메일이 폴백 채널이며,
	// 텔레그램이 비활성화된 경우 이메일이 주 채널로 승격된다.
	var primary, fallback dispatch.Dispatcher

	if cfg.Telegram.BotToken != "" {
		telegramDispatcher, err := telegram.New(cfg.Telegram, envelope)
		if err != nil {
			applog.WithComponentAndFields(component, applog.Fields{
				"error": err,
			}).Error("텔레그램 발송 채널을 초기화할 수 없습니다")
			return exitCodeRuntimeError
		}
		primary = telegramDispatcher
	}

	if cfg.SMTP.Enabled() {
		emailDispatcher := email.New(cfg.SMTP, envelope)
		if primary == nil {
			primary = emailDispatcher
		} else {
			fallback = emailDispatcher
		}
	}

	if primary == nil {
		applog.WithComponent(component).Error("사용 가능한 발송 채널이 없습니다. 텔레그램 또는 SMTP 설정이 필요합니다")
		return exitCodeConfigError
	}

	// 파이프라인 구성 요소를 조립한다.
	office := dlo.New(cfg.DLO)
	ctoAgent := agent.New(cfg.Agent)
	monitor := health.New(cfg.Health)

	messageQueue := queue.New(cfg.Queue, primary, fallback, office)

	office.SetRequeue(func(rec *message.Record) bool {
		return messageQueue.Enqueue(rec) == queue.EnqueueOK
	})
	office.OnCapture(func(_ *message.Record, _ int) {
		// DLO 증가를 다음 주기까지 기다리지 않고 즉시 평가한다.
		monitor.EvaluateAndAlert()
	})

	monitor.SetQueueDepthProvider(func() (int, int) {
		return messageQueue.Depth(), messageQueue.Capacity()
	})
	monitor.SetPrimaryChannelProvider(func() (bool, bool) {
		stats := primary.Stats()
		return stats.Connected, stats.RateLimited
	})
	monitor.SetDLOSizeProvider(office.Size, cfg.DLO.GrowthThreshold)
	monitor.SetAlertSink(ctoAgent.HandleIssue)

	channelStats := func() map[string]dispatch.Stats {
		stats := map[string]dispatch.Stats{primary.Name(): primary.Stats()}
		if fallback != nil {
			stats[fallback.Name()] = fallback.Stats()
		}
		return stats
	}

	schedulerService := scheduler.NewService(cfg.Health, office, monitor)

	apiHandler := api.NewHandler(messageQueue, office, ctoAgent, monitor, envelope, channelStats)
	apiService := api.NewService(cfg.ListenPort, cfg.Debug, apiHandler)

	// 서비스를 시작한다.
	serviceStopCtx, cancel := context.WithCancel(context.Background())
	serviceStopWaiter := &sync.WaitGroup{}

	services := []service.Service{messageQueue, schedulerService, apiService}
	for _, s := range services {
		if err := s.Start(serviceStopCtx, serviceStopWaiter); err != nil {
			applog.WithComponentAndFields(component, applog.Fields{
				"error": err,
			}).Error("서비스 시작에 실패하였습니다")

			cancel()
			serviceStopWaiter.Wait()
			return exitCodeRuntimeError
		}
	}

	// 종료 신호를 대기한다.
	termC := make(chan os.Signal, 1)
	signal.Notify(termC, syscall.SIGINT, syscall.SIGTERM)

	<-termC

	applog.WithComponent(component).Info("종료 신호를 수신하였습니다")
	cancel()
	serviceStopWaiter.Wait()

	applog.WithComponent(component).Info("OTP Bridge가 종료되었습니다")
	return 0
}
