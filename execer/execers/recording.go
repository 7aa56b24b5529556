package execers

import (
	"sync"

	"github.com/cgl-pipelines/dockerrun/execer"
)

// RecordingExecer is a fake Execer that records every command it is asked to
// run. Statuses are scripted via RunFunc, which is invoked when the process is
// waited on (not at Exec time), with the original command available so a
// script can read Stdin or write Stdout. A nil RunFunc completes with exit 0.
type RecordingExecer struct {
	// RunFunc scripts the outcome of each command, keyed by nothing but the
	// command itself. Must be set before the first Exec if set at all.
	RunFunc func(execer.Command) execer.ProcessStatus

	mu       sync.Mutex
	commands []execer.Command
}

func NewRecordingExecer() *RecordingExecer {
	return &RecordingExecer{}
}

func (e *RecordingExecer) Exec(command execer.Command) (execer.Process, error) {
	e.mu.Lock()
	e.commands = append(e.commands, command)
	e.mu.Unlock()
	return &recordedProcess{execer: e, command: command}, nil
}

// Commands returns a copy of every command passed to Exec, in order.
func (e *RecordingExecer) Commands() []execer.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]execer.Command{}, e.commands...)
}

func (e *RecordingExecer) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.commands)
}

type recordedProcess struct {
	execer  *RecordingExecer
	command execer.Command

	mu     sync.Mutex
	result *execer.ProcessStatus
}

func (p *recordedProcess) Wait() execer.ProcessStatus {
	p.mu.Lock()
	if p.result != nil {
		st := *p.result
		p.mu.Unlock()
		return st
	}
	p.mu.Unlock()

	st := execer.ProcessStatus{State: execer.COMPLETE, ExitCode: 0}
	if p.execer.RunFunc != nil {
		st = p.execer.RunFunc(p.command)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		p.result = &st
	}
	return *p.result
}

func (p *recordedProcess) Abort() execer.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		p.result = &execer.ProcessStatus{State: execer.FAILED, ExitCode: -1, Error: "aborted"}
	}
	return *p.result
}
