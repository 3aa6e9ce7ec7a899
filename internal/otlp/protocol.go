// Package otlp emits process spans and syscall log records over OTLP/HTTP.
// Payloads follow the protocol's JSON mapping (camelCase keys, hex ids,
// nanosecond timestamps as decimal strings), built directly as structs so no
// generated protobuf code is needed for the small subset used here.
package otlp

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type exportTraceRequest struct {
	ResourceSpans []resourceSpans `json:"resourceSpans"`
}

type resourceSpans struct {
	Resource   resourceInfo `json:"resource"`
	ScopeSpans []scopeSpans `json:"scopeSpans"`
}

type exportLogsRequest struct {
	ResourceLogs []resourceLogs `json:"resourceLogs"`
}

type resourceLogs struct {
	Resource  resourceInfo `json:"resource"`
	ScopeLogs []scopeLogs  `json:"scopeLogs"`
}

type resourceInfo struct {
	Attributes []keyValue `json:"attributes,omitempty"`
}

type scopeSpans struct {
	Scope scopeInfo `json:"scope"`
	Spans []span    `json:"spans"`
}

type scopeLogs struct {
	Scope      scopeInfo   `json:"scope"`
	LogRecords []logRecord `json:"logRecords"`
}

type scopeInfo struct {
	Name string `json:"name"`
}

type span struct {
	TraceID           string     `json:"traceId"`
	SpanID            string     `json:"spanId"`
	ParentSpanID      string     `json:"parentSpanId,omitempty"`
	Name              string     `json:"name"`
	Kind              int        `json:"kind"`
	StartTimeUnixNano string     `json:"startTimeUnixNano"`
	EndTimeUnixNano   string     `json:"endTimeUnixNano"`
	Attributes        []keyValue `json:"attributes,omitempty"`
}

type logRecord struct {
	TimeUnixNano   string     `json:"timeUnixNano"`
	SeverityNumber int        `json:"severityNumber"`
	SeverityText   string     `json:"severityText"`
	Body           anyValue   `json:"body"`
	Attributes     []keyValue `json:"attributes,omitempty"`
	TraceID        string     `json:"traceId,omitempty"`
	SpanID         string     `json:"spanId,omitempty"`
}

type keyValue struct {
	Key   string   `json:"key"`
	Value anyValue `json:"value"`
}

type anyValue struct {
	StringValue *string `json:"stringValue,omitempty"`
	IntValue    *string `json:"intValue,omitempty"`
}

const (
	spanKindInternal = 1

	severityInfo     = 9
	severityInfoText = "INFO"
)

func stringValue(s string) anyValue {
	return anyValue{StringValue: &s}
}

func intValue(v int64) anyValue {
	s := strconv.FormatInt(v, 10)
	return anyValue{IntValue: &s}
}

func strAttr(key, value string) keyValue {
	return keyValue{Key: key, Value: stringValue(value)}
}

func intAttr(key string, value int64) keyValue {
	return keyValue{Key: key, Value: intValue(value)}
}

func unixNano(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

// newTraceID returns a fresh 128-bit trace id as 32 hex digits.
func newTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// newSpanID returns a fresh 64-bit span id as 16 hex digits.
func newSpanID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}
