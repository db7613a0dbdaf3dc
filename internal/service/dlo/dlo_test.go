package dlo

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkkaiser/otp-bridge/internal/config"
	"github.com/darkkaiser/otp-bridge/internal/message"
	apperrors "github.com/darkkaiser/otp-bridge/internal/pkg/errors"
)

func testConfig() config.DLOConfig {
	return config.DLOConfig{TTLSec: 72 * 3600, MaxEntries: 1000, GrowthThreshold: 10}
}

func testRecord(smsID string) *message.Record {
	return &message.Record{
		SMSID:     smsID,
		Sender:    "+911234567890",
		Body:      "gAAAA-ciphertext",
		NodeID:    "esp32-01",
		Priority:  message.PriorityHigh,
		Encrypted: true,
	}
}

func TestCapture(t *testing.T) {
	t.Parallel()

	t.Run("성공: 보존 및 조회", func(t *testing.T) {
		t.Parallel()

		o := New(testConfig())
		o.Capture(testRecord("sms-1"), "telegram: http 502")

		entries := o.List()
		require.Len(t, entries, 1)
		assert.Equal(t, "sms-1", entries[0].SMSID)
		assert.Equal(t, "telegram: http 502", entries[0].LastError)
		assert.Equal(t, int64(1), o.Snapshot().TotalCaptured)
	})

	t.Run("성공: 조회는 최신순으로 정렬됨", func(t *testing.T) {
		t.Parallel()

		o := New(testConfig())
		o.Capture(testRecord("sms-old"), "err")
		o.Capture(testRecord("sms-new"), "err")

		entries := o.List()
		require.Len(t, entries, 2)
		assert.Equal(t, "sms-new", entries[0].SMSID)
		assert.Equal(t, "sms-old", entries[1].SMSID)
	})

	t.Run("성공: 용량 초과 시 가장 오래된 항목이 밀려남", func(t *testing.T) {
		t.Parallel()

		cfg := config.DLOConfig{TTLSec: 3600, MaxEntries: 2, GrowthThreshold: 10}
		o := New(cfg)

		o.Capture(testRecord("sms-1"), "err")
		o.Capture(testRecord("sms-2"), "err")
		o.Capture(testRecord("sms-3"), "err")

		entries := o.List()
		require.Len(t, entries, 2)
		assert.Equal(t, "sms-3", entries[0].SMSID)
		assert.Equal(t, "sms-2", entries[1].SMSID)
		assert.Equal(t, int64(1), o.Snapshot().Overflow)
	})

	t.Run("성공: 보존 콜백이 크기와 함께 호출됨", func(t *testing.T) {
		t.Parallel()

		o := New(testConfig())

		var mu sync.Mutex
		var sizes []int
		o.OnCapture(func(_ *message.Record, size int) {
			mu.Lock()
			sizes = append(sizes, size)
			mu.Unlock()
		})

		o.Capture(testRecord("sms-1"), "err")
		o.Capture(testRecord("sms-2"), "err")

		mu.Lock()
		assert.Equal(t, []int{1, 2}, sizes)
		mu.Unlock()
	})

	t.Run("성공: 동일 sms_id 재보존 시 항목이 갱신됨", func(t *testing.T) {
		t.Parallel()

		o := New(testConfig())
		o.Capture(testRecord("sms-1"), "first error")
		o.Capture(testRecord("sms-1"), "second error")

		entries := o.List()
		require.Len(t, entries, 1)
		assert.Equal(t, "second error", entries[0].LastError)
	})
}

func TestRetry(t *testing.T) {
	t.Parallel()

	t.Run("성공: 재시도 횟수가 초기화되어 큐로 복귀함", func(t *testing.T) {
		t.Parallel()

		o := New(testConfig())

		var requeued *message.Record
		o.SetRequeue(func(rec *message.Record) bool {
			requeued = rec
			return true
		})

		rec := testRecord("sms-1")
		rec.RetryCount = 5
		o.Capture(rec, "exhausted")

		require.NoError(t, o.Retry("sms-1"))

		require.NotNil(t, requeued)
		assert.Zero(t, requeued.RetryCount)
		assert.Empty(t, requeued.LastError)
		assert.Equal(t, "gAAAA-ciphertext", requeued.Body)
		assert.Zero(t, o.Size())
		assert.Equal(t, int64(1), o.Snapshot().TotalRetried)
	})

	t.Run("실패: 존재하지 않는 sms_id", func(t *testing.T) {
		t.Parallel()

		o := New(testConfig())

		err := o.Retry("sms-missing")
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.NotFound))
	})

	t.Run("실패: 큐가 거부하면 항목이 DLO에 남음", func(t *testing.T) {
		t.Parallel()

		o := New(testConfig())
		o.SetRequeue(func(_ *message.Record) bool { return false })
		o.Capture(testRecord("sms-1"), "exhausted")

		err := o.Retry("sms-1")
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.Unavailable))

		entries := o.List()
		require.Len(t, entries, 1)
		assert.Equal(t, 1, entries[0].ManualRetryCount)
	})
}

func TestPruneExpired(t *testing.T) {
	t.Parallel()

	cfg := config.DLOConfig{TTLSec: 60, MaxEntries: 100, GrowthThreshold: 10}
	o := New(cfg)

	base := time.Now()
	o.now = func() time.Time { return base }

	o.Capture(testRecord("sms-old"), "err")

	// 30초 뒤에 보존된 항목
	o.now = func() time.Time { return base.Add(30 * time.Second) }
	o.Capture(testRecord("sms-recent"), "err")

	// 61초 경과: 첫 항목만 만료
	o.now = func() time.Time { return base.Add(61 * time.Second) }

	pruned := o.PruneExpired()
	assert.Equal(t, 1, pruned)

	entries := o.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "sms-recent", entries[0].SMSID)
	assert.Equal(t, int64(1), o.Snapshot().TotalExpired)
}

func TestPurge(t *testing.T) {
	t.Parallel()

	o := New(testConfig())
	o.Capture(testRecord("sms-1"), "err")
	o.Capture(testRecord("sms-2"), "err")

	assert.Equal(t, 2, o.Purge())
	assert.Zero(t, o.Size())
	assert.Empty(t, o.List())
	assert.Equal(t, int64(2), o.Snapshot().TotalPurged)
}
