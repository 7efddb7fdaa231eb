package outbox

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage("order.created", []byte(`{"order_id":"42"}`),
		WithCorrelationID("  corr-1  "),
		WithTenantID("tenant-a"),
	)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, msg.ID)
	assert.Equal(t, "order.created", msg.EventType)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, 0, msg.RetryCount)
	assert.Equal(t, "corr-1", msg.CorrelationID)
	assert.Equal(t, "tenant-a", msg.TenantID)
	assert.Nil(t, msg.ProcessedAt)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestNewMessageWithID(t *testing.T) {
	id := uuid.New()

	msg, err := NewMessage("order.created", []byte(`{}`), WithID(id))
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)

	_, err = NewMessage("order.created", []byte(`{}`), WithID(uuid.Nil))
	require.ErrorIs(t, err, ErrMessageRequired)
}

func TestNewMessageValidation(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   []byte
		opts      []MessageOption
		wantErr   error
	}{
		{"empty event type", "  ", []byte(`{}`), nil, ErrEventTypeRequired},
		{"event type too long", strings.Repeat("x", MaxEventTypeLength+1), []byte(`{}`), nil, ErrEventTypeTooLong},
		{"nil payload", "e", nil, nil, ErrPayloadRequired},
		{"payload not json", "e", []byte(`{broken`), nil, ErrPayloadNotJSON},
		{"payload too large", "e", append([]byte(`"`), append([]byte(strings.Repeat("a", MaxPayloadBytes)), '"')...), nil, ErrPayloadTooLarge},
		{
			"correlation id too long", "e", []byte(`{}`),
			[]MessageOption{WithCorrelationID(strings.Repeat("c", MaxCorrelationIDLength+1))},
			ErrCorrelationIDTooLong,
		},
		{
			"tenant id too long", "e", []byte(`{}`),
			[]MessageOption{WithTenantID(strings.Repeat("t", MaxTenantIDLength+1))},
			ErrTenantIDTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMessage(tt.eventType, tt.payload, tt.opts...)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
