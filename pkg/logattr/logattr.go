// Package logattr holds the slog attributes shared across components.
package logattr

import (
	"log/slog"
	"time"
)

func ServiceName(serviceName string) slog.Attr {
	return slog.String("service_name", serviceName)
}

func Component(component string) slog.Attr {
	return slog.String("component", component)
}

func Transport(kind string) slog.Attr {
	return slog.String("transport", kind)
}

func Command(cmd string) slog.Attr {
	return slog.String("cmd", cmd)
}

func CorrelationID(correlationID string) slog.Attr {
	return slog.String("correlation_id", correlationID)
}

func RequestID(requestID string) slog.Attr {
	return slog.String("request_id", requestID)
}

func Topic(topic string) slog.Attr {
	return slog.String("topic", topic)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
