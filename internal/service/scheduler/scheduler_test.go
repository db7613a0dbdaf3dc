package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkkaiser/otp-bridge/internal/config"
	"github.com/darkkaiser/otp-bridge/internal/message"
	"github.com/darkkaiser/otp-bridge/internal/service/dlo"
	"github.com/darkkaiser/otp-bridge/internal/service/health"
)

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		HeartbeatTimeoutSec: 120,
		BatteryLowMV:        3300,
		WifiWeakDBM:         -100,
		EvalIntervalSec:     1,
	}
}

func TestStartStop(t *testing.T) {
	office := dlo.New(config.DLOConfig{TTLSec: 3600, MaxEntries: 10, GrowthThreshold: 5})
	monitor := health.New(testHealthConfig())

	s := NewService(testHealthConfig(), office, monitor)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	require.NoError(t, s.Start(ctx, &wg))

	// 중복 기동은 거부됩니다.
	assert.Error(t, s.Start(ctx, &wg))

	cancel()
	wg.Wait()

	// 종료 후 재기동이 가능합니다.
	ctx2, cancel2 := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx2, &wg))
	cancel2()
	wg.Wait()
}

func TestPeriodicHealthEvaluation(t *testing.T) {
	monitor := health.New(testHealthConfig())

	var mu sync.Mutex
	var received []health.Issue
	monitor.SetAlertSink(func(issue health.Issue) {
		mu.Lock()
		received = append(received, issue)
		mu.Unlock()
	})
	monitor.SetQueueDepthProvider(func() (int, int) { return 95, 100 })

	s := NewService(testHealthConfig(), nil, monitor)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	require.NoError(t, s.Start(ctx, &wg))

	defer func() {
		cancel()
		wg.Wait()
	}()

	// 1초 주기 평가가 큐 포화를 감지할 때까지 대기
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.Equal(t, health.KindQueueNearFull, received[0].Kind)
	mu.Unlock()
}

func TestPeriodicDLOPrune(t *testing.T) {
	// TTL 0초는 설정 검증에서 거부되지만, 직접 생성하여 즉시 만료를 시뮬레이션합니다.
	office := dlo.New(config.DLOConfig{TTLSec: 1, MaxEntries: 10, GrowthThreshold: 5})
	office.Capture(&message.Record{SMSID: "sms-1", NodeID: "esp32-01"}, "err")

	require.Equal(t, 1, office.Size())

	// 주기 정리를 기다리는 대신 만료 후 직접 호출로 검증합니다.
	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, 1, office.PruneExpired())
	assert.Zero(t, office.Size())
}
