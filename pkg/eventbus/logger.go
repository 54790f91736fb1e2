package eventbus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// zerologAdapter routes watermill's internal logging through zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = zerologAdapter{}

func NewWatermillLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return zerologAdapter{logger: logger.With().Str("component", "eventbus").Logger()}
}

func (z zerologAdapter) event(e *zerolog.Event, msg string, fields watermill.LogFields) {
	e.Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	z.event(z.logger.Error().Err(err), msg, fields)
}

func (z zerologAdapter) Info(msg string, fields watermill.LogFields) {
	z.event(z.logger.Info(), msg, fields)
}

func (z zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	z.event(z.logger.Debug(), msg, fields)
}

func (z zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	z.event(z.logger.Trace(), msg, fields)
}

func (z zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{logger: z.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
