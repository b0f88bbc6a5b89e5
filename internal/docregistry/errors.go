package docregistry

import "errors"

// ErrShuttingDown is returned by GetOrCreate once the registry's
// owning server facade has begun shutdown.
var ErrShuttingDown = errors.New("docregistry: server is shutting down")
