package execer

import "io"

// Execer lets you run one external command. It does not know about docker or
// jobs; it is just a way to run a process (or fake one). It's at the level of
// os/exec, not exec-as-a-service.

type Command struct {
	Argv []string

	// Working directory for the process. Empty means inherit.
	Dir string

	// Extra environment variables, added on top of the parent environment.
	EnvVars map[string]string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type ProcessState int

const (
	UNKNOWN ProcessState = iota
	RUNNING
	COMPLETE
	FAILED
)

func (s ProcessState) IsDone() bool {
	return s == COMPLETE || s == FAILED
}

func (s ProcessState) String() string {
	switch s {
	case RUNNING:
		return "RUNNING"
	case COMPLETE:
		return "COMPLETE"
	case FAILED:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type Execer interface {
	Exec(command Command) (Process, error)
}

type Process interface {
	// Wait blocks until the process exits and returns its final status.
	Wait() ProcessStatus
	// Abort kills the process and everything in its process group.
	Abort() ProcessStatus
}

type ProcessStatus struct {
	State    ProcessState
	ExitCode int
	Error    string
}
