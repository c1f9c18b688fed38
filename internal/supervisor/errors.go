package supervisor

import (
	"errors"
	"fmt"
)

// ErrConnect wraps a failure to establish the initial connection to a newly
// spawned engine process. It is fatal to session construction.
var ErrConnect = errors.New("engine connection failed")

// ErrTerminated is returned by commands issued on a session whose engine
// process has already been reaped.
var ErrTerminated = errors.New("session terminated")

// ItemNotFoundError reports that a referenced input, output or global name
// does not exist on the engine.
type ItemNotFoundError struct {
	Name string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("input/output/global name %q does not exist", e.Name)
}
