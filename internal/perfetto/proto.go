// Package perfetto writes the length-delimited binary trace-packet stream
// understood by the Perfetto UI. Packets are encoded directly with the
// protobuf wire package against a pinned subset of the tracing schema, so no
// generated code is needed.
package perfetto

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for the schema subset this package emits. Readers tolerate
// unknown fields, so only the fields written here are pinned.
const (
	// Trace
	fieldTracePacket = 1

	// TracePacket
	fieldPacketTimestamp   = 8
	fieldPacketSequenceID  = 10
	fieldPacketTrackEvent  = 11
	fieldPacketSeqFlags    = 13
	fieldPacketAndroidLog  = 39
	fieldPacketTrackDesc   = 60

	// TrackDescriptor
	fieldTrackUUID    = 1
	fieldTrackName    = 2
	fieldTrackProcess = 3

	// ProcessDescriptor
	fieldProcessPID     = 1
	fieldProcessCmdline = 2
	fieldProcessName    = 6

	// TrackEvent
	fieldEventAnnotations = 4
	fieldEventType        = 9
	fieldEventTrackUUID   = 11
	fieldEventName        = 23

	// TrackEvent.Type
	typeSliceBegin = 1
	typeSliceEnd   = 2
	typeInstant    = 3

	// DebugAnnotation
	fieldAnnotationStringValue = 6
	fieldAnnotationName        = 10
	fieldAnnotationDict        = 11
	fieldAnnotationArray       = 12

	// AndroidLogPacket
	fieldLogEvents = 1

	// AndroidLogPacket.LogEvent
	fieldLogEventPID       = 2
	fieldLogEventTID       = 3
	fieldLogEventTimestamp = 5
	fieldLogEventTag       = 6
	fieldLogEventPrio      = 7
	fieldLogEventMessage   = 8

	// AndroidLogPacket.Priority
	prioInfo = 4

	// TracePacket.sequence_flags
	seqIncrementalStateCleared = 1
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
