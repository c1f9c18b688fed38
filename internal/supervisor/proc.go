package supervisor

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync/atomic"
)

// Process is a handle on a spawned engine process. Exited must be
// non-blocking: it is checked on every termination sweep.
type Process interface {
	PID() int
	Exited() bool
	Kill() error
}

// SpawnFunc launches an engine process for the given workflow file. The
// process's combined stdout and stderr are wired to output. Injectable so
// tests can supply a fake process handle.
type SpawnFunc func(file string, output io.Writer) (Process, error)

// CommandSpawner returns a SpawnFunc that invokes the engine binary with the
// workflow file path, connection port and log verbosity flags.
func CommandSpawner(bin string, port, logLevel int) SpawnFunc {
	return func(file string, output io.Writer) (Process, error) {
		cmd := exec.Command(bin, file,
			"--port", strconv.Itoa(port),
			"--log-level", strconv.Itoa(logLevel),
		)
		cmd.Stdout = output
		cmd.Stderr = output
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start engine %s: %w", bin, err)
		}

		p := &execProcess{cmd: cmd}
		go func() {
			// Reap the child as soon as it exits so it never lingers as a
			// zombie; the exit flag is what the termination sweep observes.
			_ = cmd.Wait()
			p.exited.Store(true)
		}()
		return p, nil
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	exited atomic.Bool
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Exited() bool {
	return p.exited.Load()
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
