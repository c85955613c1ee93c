package events

import (
	"fmt"
	"log/slog"
	"time"

	"reviewlog/internal/config"
)

// Open builds the sink selected by cfg.
func Open(cfg config.SinkConfig, logger *slog.Logger) (Sink, error) {
	switch cfg.Kind {
	case "", "none":
		return Noop{}, nil
	case "log":
		return LogSink{Logger: logger}, nil
	case "webhook":
		return NewWebhookSink(cfg.URL, cfg.Secret, time.Duration(cfg.TimeoutSeconds)*time.Second), nil
	case "nats":
		sink, err := ConnectNATS(cfg.URL, cfg.Stream, cfg.Subject)
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
		}
		return sink, nil
	case "kafka":
		return NewKafkaSink(cfg.Brokers, cfg.Topic), nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}
