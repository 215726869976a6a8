package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServiceLogger derives a child of the global logger tagged with service.
// The global logger is set up by the logging package, so call this after
// logging has been configured.
func ServiceLogger(service string) zerolog.Logger {
	return log.Logger.With().Str("service", service).Logger()
}
