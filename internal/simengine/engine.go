// Package simengine is a stand-in workflow engine for development and tests.
// It dials a supervisor control channel and speaks the engine side of the
// frame protocol while executing a fixed product workflow:
//
//	Result = Value1 * Value2 * Scale
//
// Value1 and Value2 are top-level inputs, Scale is a global name. All three
// default to the values a freshly loaded workflow would carry.
package simengine

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strconv"

	"github.com/csiro-workspace/workspace-go/internal/channel"
	"github.com/csiro-workspace/workspace-go/internal/model"
	"github.com/csiro-workspace/workspace-go/internal/supervisor"
)

type watchReg struct {
	wl         *supervisor.WatchList
	autoDelete bool
}

// Engine is one simulated engine process. Run drives the whole lifetime on
// the calling goroutine; an Engine is not reusable.
type Engine struct {
	file   string
	logger *slog.Logger

	conn net.Conn
	key  int

	inputs  map[string]string
	globals map[string]string
	result  float64
	ran     bool

	continuous bool
	watches    map[string]watchReg
}

// New creates an engine for the given workflow file. The file name is only
// reported in logs; every simulated workflow computes the same product.
func New(file string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		file:    file,
		logger:  logger,
		inputs:  map[string]string{"Value1": "0", "Value2": "0"},
		globals: map[string]string{"Scale": "1"},
		watches: make(map[string]watchReg),
	}
}

// Run dials the supervisor at addr, completes the hello/welcome handshake
// and serves commands until a terminate arrives or the connection drops.
func (e *Engine) Run(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial supervisor: %w", err)
	}
	e.conn = conn
	defer conn.Close()

	if err := channel.WriteFrame(conn, channel.EventMsg{Kind: channel.EventHello}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	var welcome channel.Command
	if err := channel.ReadFrame(conn, &welcome); err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Op != channel.OpWelcome {
		return fmt.Errorf("handshake: expected %q, got %q", channel.OpWelcome, welcome.Op)
	}
	e.key = welcome.Key
	e.logger.Info("engine connected", "file", e.file, "key", e.key)

	for {
		var cmd channel.Command
		if err := channel.ReadFrame(conn, &cmd); err != nil {
			return fmt.Errorf("read command: %w", err)
		}
		done, err := e.handle(cmd)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (e *Engine) handle(cmd channel.Command) (done bool, err error) {
	switch cmd.Op {
	case channel.OpRunOnce:
		e.execute()
	case channel.OpRunContinuous:
		e.continuous = true
		e.execute()
	case channel.OpStop:
		e.continuous = false
	case channel.OpTerminate:
		e.logger.Info("engine terminating", "file", e.file)
		return true, nil
	case channel.OpSetInput:
		e.setItem(e.inputs, cmd.Name, cmd.Value)
	case channel.OpSetGlobalName:
		e.setItem(e.globals, cmd.Name, cmd.Value)
	case channel.OpWatch:
		wl, perr := supervisor.ParseWatchList(cmd.WatchList)
		if perr != nil {
			return false, e.sendError(fmt.Sprintf("bad watch list: %v", perr), "")
		}
		e.watches[wl.ID] = watchReg{wl: wl, autoDelete: cmd.AutoDelete}
	case channel.OpCancelWatch:
		delete(e.watches, cmd.WatchID)
	case channel.OpList:
		return false, e.sendList(cmd.Category)
	case channel.OpAck:
		// Acknowledgements carry no engine-side state in the simulator.
	default:
		return false, e.sendError(fmt.Sprintf("unknown command %q", cmd.Op), "")
	}
	return false, nil
}

// setItem applies a value to an input or global, reporting an unknown name
// back as an error event. In continuous mode every accepted change triggers
// a fresh execution pass.
func (e *Engine) setItem(items map[string]string, name, value string) {
	if _, ok := items[name]; !ok {
		e.sendError(fmt.Sprintf("no such item %q", name), name)
		return
	}
	items[name] = value
	if e.continuous {
		e.execute()
	}
}

// execute performs one pass of the product workflow and emits the outcome.
func (e *Engine) execute() {
	var vals [3]float64
	for i, raw := range []string{e.inputs["Value1"], e.inputs["Value2"], e.globals["Scale"]} {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			e.sendError(fmt.Sprintf("value %q is not numeric", raw), "")
			e.send(channel.EventMsg{Kind: channel.EventFailed, Message: "workflow execution failed"})
			return
		}
		vals[i] = f
	}

	e.result = vals[0] * vals[1] * vals[2]
	e.ran = true
	e.send(channel.EventMsg{Kind: channel.EventSuccess})
	e.fireWatches()
}

// fireWatches resolves and delivers every registered watch list. Auto-delete
// registrations are removed engine-side after their single delivery.
func (e *Engine) fireWatches() {
	for id, reg := range e.watches {
		resolved := e.resolve(reg.wl)
		raw, err := resolved.Encode()
		if err != nil {
			e.logger.Warn("encode watch delivery", "watch", id, "error", err)
			continue
		}
		e.send(channel.EventMsg{Kind: channel.EventWatch, WatchList: raw})
		if reg.autoDelete {
			delete(e.watches, id)
		}
	}
}

// resolve fills a watch request's entries with current workflow values,
// preserving the request's id.
func (e *Engine) resolve(req *supervisor.WatchList) *supervisor.WatchList {
	out := &supervisor.WatchList{
		ID:          req.ID,
		Inputs:      make(map[string]supervisor.Entry),
		Outputs:     make(map[string]supervisor.Entry),
		GlobalNames: make(map[string]supervisor.Entry),
	}
	for name := range req.Inputs {
		out.Inputs[name] = e.inputEntry(name)
	}
	for name := range req.Outputs {
		out.Outputs[name] = e.outputEntry(name)
	}
	for name := range req.GlobalNames {
		out.GlobalNames[name] = e.globalEntry(name)
	}
	return out
}

func (e *Engine) inputEntry(name string) supervisor.Entry {
	raw, ok := e.inputs[name]
	if !ok {
		return supervisor.Entry{}
	}
	return numericEntry(raw)
}

func (e *Engine) globalEntry(name string) supervisor.Entry {
	raw, ok := e.globals[name]
	if !ok {
		return supervisor.Entry{}
	}
	return numericEntry(raw)
}

func (e *Engine) outputEntry(name string) supervisor.Entry {
	if name != "Result" || !e.ran {
		return supervisor.Entry{}
	}
	if e.result == math.Trunc(e.result) {
		return supervisor.Entry{Type: "int", Value: int64(e.result)}
	}
	return supervisor.Entry{Type: "double", Value: e.result}
}

func numericEntry(raw string) supervisor.Entry {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return supervisor.Entry{Type: "int", Value: n}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return supervisor.Entry{Type: "double", Value: f}
	}
	return supervisor.Entry{Type: "string", Value: raw}
}

// sendList answers a list query with every item in the category resolved.
func (e *Engine) sendList(category string) error {
	wl := &supervisor.WatchList{
		ID:          model.NewID(),
		Inputs:      make(map[string]supervisor.Entry),
		Outputs:     make(map[string]supervisor.Entry),
		GlobalNames: make(map[string]supervisor.Entry),
	}
	switch category {
	case supervisor.CategoryInputs:
		for name := range e.inputs {
			wl.Inputs[name] = e.inputEntry(name)
		}
	case supervisor.CategoryOutputs:
		wl.Outputs["Result"] = e.outputEntry("Result")
	case supervisor.CategoryGlobalNames:
		for name := range e.globals {
			wl.GlobalNames[name] = e.globalEntry(name)
		}
	default:
		return e.sendError(fmt.Sprintf("unknown list category %q", category), "")
	}

	raw, err := wl.Encode()
	if err != nil {
		return fmt.Errorf("encode list reply: %w", err)
	}
	return e.send(channel.EventMsg{Kind: channel.EventList, Category: category, WatchList: raw})
}

func (e *Engine) sendError(message, item string) error {
	return e.send(channel.EventMsg{Kind: channel.EventError, Message: message, Item: item})
}

func (e *Engine) send(msg channel.EventMsg) error {
	if err := channel.WriteFrame(e.conn, msg); err != nil {
		e.logger.Warn("send event", "kind", msg.Kind, "error", err)
		return err
	}
	return nil
}
