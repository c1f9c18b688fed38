// Package supervisor manages the lifecycle of externally-running workflow
// engine processes and mediates all interaction with them through an
// asynchronous, callback-style control protocol.
//
// A Registry owns every live Session and a queue of sessions pending forced
// termination. Opening a session spawns an engine process and blocks only
// until the engine connects back; from then on all commands are
// fire-and-forget and every outcome (success, failure, runtime error, watch
// delivery, list result) arrives through registered handlers during a call
// to Poll or an event-loop tick. Sessions that do not exit after a terminate
// request are force-killed once the configured timeout elapses, so every
// spawned process is eventually reaped.
package supervisor
