package degrade

import (
	"context"
	"errors"
	"net"
	"strings"

	"broker-resilience/internal/broker"
)

// FailureKind is the classification of an upstream failure
type FailureKind string

const (
	KindAuth       FailureKind = "auth"
	KindConnection FailureKind = "connection"
	KindRateLimit  FailureKind = "rate_limit"
	KindServer     FailureKind = "server"
	KindUnknown    FailureKind = "unknown"
)

// Classify maps an error to its failure kind. Typed broker API errors
// carry a status code and are checked first; network errors count as
// connection failures; anything else falls back to message inspection.
func Classify(err error) FailureKind {
	if err == nil {
		return KindUnknown
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsAuthError():
			return KindAuth
		case apiErr.IsRateLimit():
			return KindRateLimit
		case apiErr.IsServerError():
			return KindServer
		}
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "auth", "unauthorized", "forbidden", "invalid token", "401", "403"):
		return KindAuth
	case containsAny(msg, "timeout", "timed out", "connection", "refused", "unreachable", "no such host", "broken pipe", "reset by peer"):
		return KindConnection
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return KindRateLimit
	case containsAny(msg, "internal server", "bad gateway", "service unavailable", "500", "502", "503"):
		return KindServer
	}
	return KindUnknown
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// baseLevel is the degradation target for an isolated failure
func (k FailureKind) baseLevel() Level {
	switch k {
	case KindAuth:
		return LevelEmergency
	case KindConnection:
		return LevelReadOnly
	case KindRateLimit:
		return LevelRateLimited
	case KindServer:
		return LevelCachedData
	}
	// Unclassified failures are treated conservatively, never NONE
	return LevelCachedData
}

// cascadeLevel is one severity step above baseLevel, applied when the
// failure coincides with a cascade across critical services.
func (k FailureKind) cascadeLevel() Level {
	switch k {
	case KindAuth:
		return LevelEmergency
	case KindConnection:
		return LevelEmergency
	case KindRateLimit:
		return LevelCachedData
	case KindServer:
		return LevelReadOnly
	}
	return LevelCachedData
}
