package client

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

func decodeJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// restyLogger routes resty's internal messages into zerolog.
type restyLogger struct {
	zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.Logger.Error().Msgf(format, v...)
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.Logger.Warn().Msgf(format, v...)
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.Logger.Debug().Msgf(format, v...)
}
