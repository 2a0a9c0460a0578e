package observability

import (
	"github.com/danmuck/edgelink/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NodeLogger configures the process logger and returns a child tagged with
// the node role and name, for request logging on the admin surface.
func NodeLogger(role, node string) zerolog.Logger {
	logging.ConfigureRuntime()
	return log.Logger.With().Str("role", role).Str("node", node).Logger()
}
