package supervisor

import "context"

// Journal records session and run lifecycle transitions for later
// inspection. Implementations must be safe for concurrent use. Recording is
// best-effort: the registry logs journal errors and carries on.
type Journal interface {
	SessionStarted(ctx context.Context, sessionID string, key int, file string) error
	SessionEnded(ctx context.Context, sessionID string) error
	RunStarted(ctx context.Context, runID, sessionID, mode string) error
	RunEnded(ctx context.Context, runID, status, message string) error
}
