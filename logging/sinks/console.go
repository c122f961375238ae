package sinks

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"facestream/server/logging"
)

// ConsoleSink renders events for humans watching the process.
type ConsoleSink struct {
	logger zerolog.Logger
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	writer := zerolog.ConsoleWriter{Out: w, NoColor: !cfg.UseColor, TimeFormat: "15:04:05.000"}
	return &ConsoleSink{logger: zerolog.New(writer).With().Timestamp().Logger()}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	line := s.logger.WithLevel(zerologLevel(event.Severity)).
		Str("type", string(event.Type)).
		Str("component", string(event.Component)).
		Uint64("tick", event.Tick)
	if event.Channel != "" {
		line = line.Str("channel", event.Channel)
	}
	if event.Payload != nil {
		line = line.Interface("payload", event.Payload)
	}
	for k, v := range event.Extra {
		line = line.Interface(k, v)
	}
	line.Send()
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func zerologLevel(sev logging.Severity) zerolog.Level {
	switch sev {
	case logging.SeverityDebug:
		return zerolog.DebugLevel
	case logging.SeverityInfo:
		return zerolog.InfoLevel
	case logging.SeverityWarn:
		return zerolog.WarnLevel
	case logging.SeverityError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
