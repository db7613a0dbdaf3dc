package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected Priority
	}{
		{"성공: high", "high", PriorityHigh},
		{"성공: normal", "normal", PriorityNormal},
		{"성공: low", "low", PriorityLow},
		{"성공: 알 수 없는 값은 normal", "urgent", PriorityNormal},
		{"성공: 빈 문자열은 normal", "", PriorityNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, ParsePriority(tt.input))
		})
	}
}

func TestRecordBodyNeverSerialized(t *testing.T) {
	t.Parallel()

	// Given: 평문 OTP가 담긴 Record
	rec := Record{
		SMSID:  "sms-00001",
		Sender: "+919876543210",
		Body:   "Your OTP is 123456",
		NodeID: "esp32-01",
	}

	// When
	raw, err := json.Marshal(rec)

	// Then: 직렬화 결과에 본문이 존재하지 않음
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "123456")
	assert.NotContains(t, string(raw), "body")
}

func TestDeadLetterMarshalRedactsBody(t *testing.T) {
	t.Parallel()

	dl := &DeadLetter{
		Record: Record{
			SMSID:     "sms-00002",
			Sender:    "+911234567890",
			Body:      "gAAAAABsecret-ciphertext",
			NodeID:    "esp32-01",
			Priority:  PriorityHigh,
			Encrypted: true,
			LastError: "telegram: http 500",
		},
		DeadLetteredAt:   1700000000,
		ExpiresAt:        1700000000 + 72*3600,
		ManualRetryCount: 1,
	}

	raw, err := json.Marshal(dl)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, RedactedBody, decoded["body"])
	assert.Equal(t, "sms-00002", decoded["sms_id"])
	assert.Equal(t, "high", decoded["priority"])
	assert.NotContains(t, string(raw), "ciphertext")
}

func TestDeadLetterExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	dl := &DeadLetter{ExpiresAt: now.Unix() + 60}

	assert.False(t, dl.Expired(now))
	assert.True(t, dl.Expired(now.Add(61*time.Second)))
}
