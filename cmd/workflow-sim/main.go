// Command workflow-sim is a simulated workflow engine binary. It accepts the
// same command line a real engine is launched with:
//
//	workflow-sim <workflow-file> --port <port> [--log-level <level>]
//
// and dials the supervisor's loopback control channel on the given port.
// Useful for exercising workspaced without an engine installation.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/csiro-workspace/workspace-go/internal/simengine"
)

func main() {
	file, port, logLevel, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: %s <workflow-file> --port <port> [--log-level <level>]\n", os.Args[0])
		log.Fatalf("parse args: %v", err)
	}

	level := slog.LevelInfo
	if logLevel >= 6 {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	eng := simengine.New(file, logger)
	if err := eng.Run(fmt.Sprintf("127.0.0.1:%d", port)); err != nil {
		log.Fatalf("engine: %v", err)
	}
}

func parseArgs(args []string) (file string, port, logLevel int, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--port":
			if i+1 >= len(args) {
				return "", 0, 0, fmt.Errorf("--port requires a value")
			}
			i++
			port, err = strconv.Atoi(args[i])
			if err != nil {
				return "", 0, 0, fmt.Errorf("invalid port %q", args[i])
			}
		case "--log-level":
			if i+1 >= len(args) {
				return "", 0, 0, fmt.Errorf("--log-level requires a value")
			}
			i++
			logLevel, err = strconv.Atoi(args[i])
			if err != nil {
				return "", 0, 0, fmt.Errorf("invalid log level %q", args[i])
			}
		default:
			if file != "" {
				return "", 0, 0, fmt.Errorf("unexpected argument %q", args[i])
			}
			file = args[i]
		}
	}
	if file == "" {
		return "", 0, 0, fmt.Errorf("workflow file is required")
	}
	if port == 0 {
		return "", 0, 0, fmt.Errorf("--port is required")
	}
	return file, port, logLevel, nil
}
