package engine

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// OperationLog is the append-only CSV log described in §6: one line per
// processed command, "<unix_seconds>,<original_command_line>,<status>".
// Like every other piece of state here, no handle is held across calls:
// each Append opens, writes, and closes.
type OperationLog struct {
	path  string
	clock Clock
}

// NewOperationLog returns a log appending to path, stamped by clock.
func NewOperationLog(path string, clock Clock) *OperationLog {
	if clock == nil {
		clock = SystemClock{}
	}
	return &OperationLog{path: path, clock: clock}
}

// Append writes one entry recording whether command succeeded.
func (l *OperationLog) Append(command string, success bool) error {
	status := "failure"
	if success {
		status = "success"
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "engine: open operation log")
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d,%s,%s\n", l.clock.Now().Unix(), command, status); err != nil {
		return errors.Wrap(err, "engine: append operation log")
	}
	return nil
}
