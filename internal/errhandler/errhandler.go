// Package errhandler provides the default ErrorHandler sink, backed
// by rs/zerolog — the logging library every other component in this
// module uses. No error is ever allowed to crash the host process.
package errhandler

import "github.com/rs/zerolog"

// Zerolog is the default ErrorHandler: every error kind is logged at
// warn level with fields identifying its source, never panicking and
// never blocking a hot path on I/O beyond what the logger itself does.
type Zerolog struct {
	logger zerolog.Logger
}

// New returns a Zerolog error handler writing through logger.
func New(logger zerolog.Logger) *Zerolog {
	return &Zerolog{logger: logger}
}

// OnStorageError reports a failed save (the onStoreDocument hook chain
// or a panicking save task). afterStoreDocument failures arrive through
// OnHookError instead.
func (z *Zerolog) OnStorageError(documentName string, err error) {
	z.logger.Warn().Str("document", documentName).Err(err).Msg("document save failed")
}

// OnHookError reports a non-fatal extension hook failure.
func (z *Zerolog) OnHookError(extensionName, hookName string, err error) {
	z.logger.Warn().Str("extension", extensionName).Str("hook", hookName).Err(err).Msg("extension hook failed")
}

// OnProtocolError reports a malformed frame or other per-connection
// protocol issue.
func (z *Zerolog) OnProtocolError(connectionID string, err error) {
	z.logger.Warn().Str("connection", connectionID).Err(err).Msg("protocol error")
}
