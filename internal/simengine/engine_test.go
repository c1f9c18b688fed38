package simengine_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/csiro-workspace/workspace-go/internal/channel"
	"github.com/csiro-workspace/workspace-go/internal/simengine"
	"github.com/csiro-workspace/workspace-go/internal/supervisor"
)

// goroutineProc adapts an in-process engine goroutine to the process
// handle the registry supervises.
type goroutineProc struct {
	exited atomic.Bool
	killed atomic.Bool
	kill   func()
}

func (p *goroutineProc) PID() int     { return 0 }
func (p *goroutineProc) Exited() bool { return p.exited.Load() }
func (p *goroutineProc) Kill() error {
	p.killed.Store(true)
	p.kill()
	return nil
}

// newStack wires a registry to a channel server whose spawn function runs a
// simulated engine on a goroutine instead of forking a process.
func newStack(t *testing.T) *supervisor.Registry {
	t.Helper()
	srv, err := channel.NewServer(0, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	addr := fmt.Sprintf("127.0.0.1:%d", srv.Port())
	spawn := func(file string, output io.Writer) (supervisor.Process, error) {
		eng := simengine.New(file, nil)
		proc := &goroutineProc{kill: func() {}}
		go func() {
			_ = eng.Run(addr)
			proc.exited.Store(true)
		}()
		return proc, nil
	}

	reg, err := supervisor.NewRegistry(supervisor.Options{
		Channel:          srv,
		Spawn:            spawn,
		TerminateTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestProductWorkflowEndToEnd(t *testing.T) {
	reg := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := reg.Open(ctx, "product.wsx")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetInput("Value1", "6"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	if err := s.SetInput("Value2", "7"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}

	ok, err := s.RunOnceAndWait(ctx)
	if err != nil {
		t.Fatalf("RunOnceAndWait: %v", err)
	}
	if !ok {
		t.Fatal("run reported failure")
	}

	outputs, err := s.Outputs(ctx)
	if err != nil {
		t.Fatalf("Outputs: %v", err)
	}
	if n, ok := outputs["Result"].Number(); !ok || n != 42 {
		t.Errorf("Result = %v, %v; want 42, true", n, ok)
	}
}

func TestGlobalNameScalesResult(t *testing.T) {
	reg := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := reg.Open(ctx, "product.wsx")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetInput("Value1", "2"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	if err := s.SetInput("Value2", "3"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	if err := s.SetGlobalName("Scale", "10"); err != nil {
		t.Fatalf("SetGlobalName: %v", err)
	}

	if ok, err := s.RunOnceAndWait(ctx); err != nil || !ok {
		t.Fatalf("RunOnceAndWait = %v, %v", ok, err)
	}
	outputs, err := s.Outputs(ctx)
	if err != nil {
		t.Fatalf("Outputs: %v", err)
	}
	if n, ok := outputs["Result"].Number(); !ok || n != 60 {
		t.Errorf("Result = %v, %v; want 60, true", n, ok)
	}
}

func TestListInputsBeforeRunReportsDefaults(t *testing.T) {
	reg := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := reg.Open(ctx, "product.wsx")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	inputs, err := s.Inputs(ctx)
	if err != nil {
		t.Fatalf("Inputs: %v", err)
	}
	for _, name := range []string{"Value1", "Value2"} {
		e, found := inputs[name]
		if !found {
			t.Fatalf("input %q not listed", name)
		}
		if e.Type != "int" {
			t.Errorf("input %q type = %q, want %q", name, e.Type, "int")
		}
		if n, ok := e.Number(); !ok || n != 0 {
			t.Errorf("input %q value = %v, %v; want default 0", name, n, ok)
		}
	}

	outputs, err := s.Outputs(ctx)
	if err != nil {
		t.Fatalf("Outputs: %v", err)
	}
	if !outputs["Result"].Empty() {
		t.Errorf("Result before any run = %+v, want unresolved", outputs["Result"])
	}
}

func TestNonNumericInputFailsRun(t *testing.T) {
	reg := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := reg.Open(ctx, "product.wsx")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetInput("Value1", "not a number"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}

	var successes, failures, errorsSeen atomic.Int32
	s.OnSuccess(func(sess *supervisor.Session) bool {
		successes.Add(1)
		return true
	})
	s.OnFailed(func(sess *supervisor.Session) bool {
		failures.Add(1)
		return true
	})
	s.OnError(func(sess *supervisor.Session, err error) bool {
		errorsSeen.Add(1)
		return true
	})

	ok, err := s.RunOnceAndWait(ctx)
	if err != nil {
		t.Fatalf("RunOnceAndWait: %v", err)
	}
	if ok {
		t.Error("run with a non-numeric input reported success")
	}
	if got := errorsSeen.Load(); got != 1 {
		t.Errorf("error handler fired %d times, want exactly 1", got)
	}
	if got := failures.Load(); got != 1 {
		t.Errorf("failed handler fired %d times, want exactly 1", got)
	}
	if got := successes.Load(); got != 0 {
		t.Errorf("success handler fired %d times, want 0", got)
	}
}

func TestContinuousRecomputesOnInputChange(t *testing.T) {
	reg := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := reg.Open(ctx, "product.wsx")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	results := make(chan float64, 8)
	wl := supervisor.NewWatchList(nil, []string{"Result"}, nil)
	if _, err := s.Watch(func(_ *supervisor.Session, got *supervisor.WatchList) bool {
		if n, ok := got.Outputs["Result"].Number(); ok {
			results <- n
		}
		return true
	}, wl, false); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := s.RunContinuously(); err != nil {
		t.Fatalf("RunContinuously: %v", err)
	}
	if err := s.SetInput("Value1", "5"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	if err := s.SetInput("Value2", "4"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}

	// Poll until the watch reports the final product of both changes.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		reg.Poll(20 * time.Millisecond)
		select {
		case n := <-results:
			if n == 20 {
				return
			}
		default:
		}
	}
	t.Fatal("watch never reported Result = 20")
}

// Two sessions opened concurrently must each end up bound to the engine
// spawned for them, even when the first engine is slow to dial back and the
// second one races it to the accept loop.
func TestConcurrentOpensDoNotCrossWire(t *testing.T) {
	srv, err := channel.NewServer(0, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	addr := fmt.Sprintf("127.0.0.1:%d", srv.Port())

	var mu sync.Mutex
	procs := make(map[string]*goroutineProc)
	spawn := func(file string, output io.Writer) (supervisor.Process, error) {
		eng := simengine.New(file, nil)
		proc := &goroutineProc{kill: func() {}}
		mu.Lock()
		procs[file] = proc
		mu.Unlock()
		go func() {
			if file == "slow.wsx" {
				time.Sleep(300 * time.Millisecond)
			}
			_ = eng.Run(addr)
			proc.exited.Store(true)
		}()
		return proc, nil
	}

	reg, err := supervisor.NewRegistry(supervisor.Options{
		Channel:          srv,
		Spawn:            spawn,
		TerminateTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	sessions := make([]*supervisor.Session, 2)
	errs := make([]error, 2)
	for i, file := range []string{"slow.wsx", "fast.wsx"} {
		wg.Add(1)
		go func(i int, file string) {
			defer wg.Done()
			sessions[i], errs[i] = reg.Open(ctx, file)
		}(i, file)
		if i == 0 {
			// Let the slow open reach its handshake before racing it.
			time.Sleep(50 * time.Millisecond)
		}
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
	}
	slow, fast := sessions[0], sessions[1]

	if err := slow.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for slow.State() != supervisor.StateTerminated {
		if time.Now().After(deadline) {
			t.Fatalf("slow session state = %v, never reached terminated", slow.State())
		}
		reg.Poll(20 * time.Millisecond)
	}

	mu.Lock()
	slowProc, fastProc := procs["slow.wsx"], procs["fast.wsx"]
	mu.Unlock()
	if !slowProc.exited.Load() {
		t.Error("slow engine did not exit after its own terminate")
	}
	if fastProc.killed.Load() || fastProc.exited.Load() {
		t.Errorf("fast engine disturbed by the other session's terminate: killed=%v exited=%v",
			fastProc.killed.Load(), fastProc.exited.Load())
	}
	if fast.State() != supervisor.StateConnected {
		t.Fatalf("fast session state = %v, want %v", fast.State(), supervisor.StateConnected)
	}

	// The surviving session must still drive its own engine.
	if err := fast.SetInput("Value1", "3"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	if err := fast.SetInput("Value2", "9"); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	if ok, err := fast.RunOnceAndWait(ctx); err != nil || !ok {
		t.Fatalf("RunOnceAndWait = %v, %v", ok, err)
	}
	outputs, err := fast.Outputs(ctx)
	if err != nil {
		t.Fatalf("Outputs: %v", err)
	}
	if n, ok := outputs["Result"].Number(); !ok || n != 27 {
		t.Errorf("Result = %v, %v; want 27, true", n, ok)
	}
}

func TestTerminateReapsEngine(t *testing.T) {
	reg := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := reg.Open(ctx, "product.wsx")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		reg.Poll(20 * time.Millisecond)
		if s.State() == supervisor.StateTerminated {
			return
		}
	}
	t.Fatalf("session state = %v, never reached terminated", s.State())
}
