package tracing

import (
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// W3C trace context field widths, hex-encoded.
const (
	traceparentVersion = "00"
	traceIDHexLen      = 32
	spanIDHexLen       = 16
	traceFlagsHexLen   = 2
)

// DefaultTraceFlags is substituted when a trace is present without usable
// flags. The row was written by a sampled request, so "sampled" is the
// faithful reconstruction.
const DefaultTraceFlags = "01"

// SynthesizeTraceparent builds a W3C traceparent header from the hex-encoded
// trace columns of a ledger row. Missing or malformed flags fall back to
// DefaultTraceFlags. Returns false when traceID or spanID fail the hex-length
// check; the caller should route the row without trace linkage rather than
// fail it.
func SynthesizeTraceparent(traceID, spanID, flags string) (string, bool) {
	if !isHexString(traceID, traceIDHexLen) || !isHexString(spanID, spanIDHexLen) {
		return "", false
	}

	if !isHexString(flags, traceFlagsHexLen) {
		flags = DefaultTraceFlags
	}

	return traceparentVersion + "-" + traceID + "-" + spanID + "-" + flags, true
}

// ParseTraceparent extracts a remote span context from a W3C traceparent
// header. Returns false on any malformation; consumers start a fresh trace in
// that case instead of failing the message.
func ParseTraceparent(header string) (trace.SpanContext, bool) {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) < 4 {
		return trace.SpanContext{}, false
	}

	version := parts[0]
	if !isHexString(version, 2) || version == "ff" {
		return trace.SpanContext{}, false
	}

	if !isHexString(parts[1], traceIDHexLen) || !isHexString(parts[2], spanIDHexLen) {
		return trace.SpanContext{}, false
	}

	traceID, err := trace.TraceIDFromHex(parts[1])
	if err != nil {
		return trace.SpanContext{}, false
	}

	spanID, err := trace.SpanIDFromHex(parts[2])
	if err != nil {
		return trace.SpanContext{}, false
	}

	flags := trace.FlagsSampled
	if isHexString(parts[3], traceFlagsHexLen) {
		flags = trace.TraceFlags(hexByte(parts[3]))
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	})
	if !sc.IsValid() {
		return trace.SpanContext{}, false
	}

	return sc, true
}

func isHexString(s string, length int) bool {
	if len(s) != length {
		return false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}

func hexByte(s string) byte {
	return hexNibble(s[0])<<4 | hexNibble(s[1])
}

func hexNibble(c byte) byte {
	if c >= 'a' {
		return c - 'a' + 10
	}

	return c - '0'
}
