package kafkax

import (
	"sort"
	"strings"

	"github.com/segmentio/kafka-go"
)

// Canonical header keys carried on every outbound event message.
const (
	HeaderEventType     = "eventType"
	HeaderEventID       = "eventId"
	HeaderAggregateID   = "aggregateId"
	HeaderAggregateType = "aggregateType"
	HeaderMetadata      = "metadata"
	HeaderSchemaVersion = "schemaVersion"

	// Transport-level headers stamped by the producer.
	HeaderMessageType = "messageType"
	HeaderVersion     = "version"
	HeaderTimestamp   = "timestamp"
)

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// HeadersFromMap converts a header map into kafka headers in a stable key order.
func HeadersFromMap(m map[string]string) []kafka.Header {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(m[k])})
	}
	return headers
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
