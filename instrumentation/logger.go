package instrumentation

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a console logger tagged with app.
func NewLogger(app string, level zerolog.Level) zerolog.Logger {
	return newLogger(os.Stdout, app, level)
}

func newLogger(out io.Writer, app string, level zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
}

// LogListener writes request events to logger. Completed requests log at
// debug, timeouts at warn.
func LogListener(logger zerolog.Logger) Listener {
	return ListenerFunc(func(e Event) {
		switch p := e.Payload.(type) {
		case RequestPayload:
			logger.Debug().
				Uint64("event_id", e.ID).
				Str("broker", p.Broker).
				Str("client_id", p.ClientID).
				Str("api", p.APIName).
				Int16("api_key", p.APIKey).
				Int16("api_version", p.APIVersion).
				Int32("correlation_id", p.CorrelationID).
				Int64("pending_ms", p.PendingDuration).
				Int64("duration_ms", p.Duration).
				Int("size", p.Size).
				Msg(string(e.Type))
		case RequestTimeoutPayload:
			logger.Warn().
				Uint64("event_id", e.ID).
				Str("broker", p.Broker).
				Str("client_id", p.ClientID).
				Str("api", p.APIName).
				Int16("api_key", p.APIKey).
				Int16("api_version", p.APIVersion).
				Int32("correlation_id", p.CorrelationID).
				Int64("pending_ms", p.PendingDuration).
				Msg(string(e.Type))
		case RequestQueueSizePayload:
			logger.Debug().
				Uint64("event_id", e.ID).
				Str("broker", p.Broker).
				Str("client_id", p.ClientID).
				Int("queue_size", p.QueueSize).
				Msg(string(e.Type))
		}
	})
}
