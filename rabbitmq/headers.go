package rabbitmq

import (
	"encoding/json"
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/novair/lib-eventflow/faults"
)

// Wire metadata headers. Consumers rely on these names, so they are part of
// the published contract and must not change between versions.
const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderTenantID      = "X-Tenant-Id"
	HeaderEventType     = "X-Event-Type"
	HeaderEventID       = "X-Event-Id"
	HeaderOccurredAt    = "X-Occurred-At"

	HeaderRetryCount     = "X-Retry-Count"
	HeaderFailureHistory = "X-Failure-History"
	HeaderOriginQueue    = "X-Origin-Queue"
)

// maxFailureHistoryEntries bounds the history header so repeated failures
// cannot grow a message past broker frame limits.
const maxFailureHistoryEntries = 25

func headerString(headers amqp.Table, key string) string {
	if headers == nil {
		return ""
	}

	if value, ok := headers[key].(string); ok {
		return value
	}

	return ""
}

// headerInt tolerates the integer widths AMQP clients actually send.
func headerInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}

	switch value := headers[key].(type) {
	case int:
		return value
	case int8:
		return int(value)
	case int16:
		return int(value)
	case int32:
		return int(value)
	case int64:
		return int(value)
	case string:
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return 0
		}

		return parsed
	default:
		return 0
	}
}

func encodeFailureHistory(history []faults.TraceInfo) (string, error) {
	if len(history) > maxFailureHistoryEntries {
		history = history[len(history)-maxFailureHistoryEntries:]
	}

	encoded, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("encoding failure history: %w", err)
	}

	return string(encoded), nil
}

func decodeFailureHistory(headers amqp.Table) []faults.TraceInfo {
	raw := headerString(headers, HeaderFailureHistory)
	if raw == "" {
		return nil
	}

	var history []faults.TraceInfo
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil
	}

	return history
}

func appendFailureHistory(headers amqp.Table, trace faults.TraceInfo) string {
	history := append(decodeFailureHistory(headers), trace)

	encoded, err := encodeFailureHistory(history)
	if err != nil {
		return ""
	}

	return encoded
}

func cloneHeaders(headers amqp.Table) amqp.Table {
	cloned := make(amqp.Table, len(headers)+4)

	for key, value := range headers {
		cloned[key] = value
	}

	return cloned
}
