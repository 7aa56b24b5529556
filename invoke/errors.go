package invoke

import "fmt"

// ConfigError reports an invalid invocation spec: mutually exclusive options
// set together, an invalid disposal policy, a malformed mount mapping. These
// fail before any process is spawned and are never retried.
type ConfigError struct {
	msg string
}

func NewConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	return e.msg
}

// MissingInputError reports a declared input file absent from the working
// directory at invocation time.
type MissingInputError struct {
	Path string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("declared input %s does not exist", e.Path)
}

// MissingOutputError reports a declared output file absent after execution.
// This is distinct from a non-zero exit: the tool may have exited zero and
// still silently failed to produce its output.
type MissingOutputError struct {
	Path string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("declared output %s does not exist after the call", e.Path)
}

// ExitError reports a container invocation that ran and exited non-zero, or
// failed outright before producing an exit status.
type ExitError struct {
	Tool     string
	ExitCode int
	Detail   string
}

func (e *ExitError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s exited %d: %s", e.Tool, e.ExitCode, e.Detail)
	}
	return fmt.Sprintf("%s exited %d", e.Tool, e.ExitCode)
}
