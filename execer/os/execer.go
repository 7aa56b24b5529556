package os

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/cgl-pipelines/dockerrun/execer"
)

type WriterDelegater interface {
	// Return an underlying Writer. Why? Because some methods type assert to
	// a more specific type and are more clever (e.g., if it's an *os.File, hook it up
	// directly to a new process's stdout/stderr.)
	WriterDelegate() io.Writer
}

// Implements execer.Execer over os/exec.
type osExecer struct{}

func NewExecer() execer.Execer {
	return &osExecer{}
}

// Start a command and return a process wrapper for it.
func (e *osExecer) Exec(command execer.Command) (execer.Process, error) {
	if len(command.Argv) == 0 {
		return nil, fmt.Errorf("no command specified")
	}

	cmd := exec.Command(command.Argv[0], command.Argv[1:]...)
	cmd.Dir = command.Dir
	cmd.Stdin = command.Stdin

	// Use the parent environment plus whatever additional env vars are provided.
	cmd.Env = os.Environ()
	for k, v := range command.EnvVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// Sets pgid of all child processes to cmd's pid, so Abort can kill the group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if command.Stdout == nil {
		command.Stdout = ioutil.Discard
	}
	if command.Stderr == nil {
		command.Stderr = ioutil.Discard
	}
	// Make sure to get the best possible Writer, so if possible os/exec can connect
	// the command's stdout/stderr directly to a file, instead of having to go through
	// our delegation.
	if stdoutW, ok := command.Stdout.(WriterDelegater); ok {
		command.Stdout = stdoutW.WriterDelegate()
	}
	if stderrW, ok := command.Stderr.(WriterDelegater); ok {
		command.Stderr = stderrW.WriterDelegate()
	}

	// Use pipes due to possible hang in process.Wait().
	// See: https://github.com/noxiouz/stout/commit/42cc533a0bece540f2424faff2a960876b21ffd2
	stdErrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	stdOutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(command.Stderr, stdErrPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(command.Stdout, stdOutPipe)
	}()

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &process{cmd: cmd, wg: &wg}, nil
}

type process struct {
	cmd    *exec.Cmd
	wg     *sync.WaitGroup
	mutex  sync.Mutex
	result *execer.ProcessStatus
}

// Wait blocks until the output copies drain and the process exits.
func (p *process) Wait() execer.ProcessStatus {
	p.wg.Wait()
	err := p.cmd.Wait()

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.result != nil {
		return *p.result
	}
	st := execer.ProcessStatus{}
	if err == nil {
		st.State = execer.COMPLETE
		st.ExitCode = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		st.State = execer.COMPLETE
		st.ExitCode = exitErr.Sys().(syscall.WaitStatus).ExitStatus()
		st.Error = exitErr.Error()
	} else {
		st.State = execer.FAILED
		st.Error = err.Error()
	}
	p.result = &st
	return st
}

// Abort kills the process group and reports the process as failed.
func (p *process) Abort() execer.ProcessStatus {
	p.mutex.Lock()
	if p.result != nil {
		st := *p.result
		p.mutex.Unlock()
		return st
	}
	st := execer.ProcessStatus{State: execer.FAILED, ExitCode: -1, Error: "aborted"}
	p.result = &st
	p.mutex.Unlock()

	if p.cmd.Process != nil {
		pid := p.cmd.Process.Pid
		if pgid, err := syscall.Getpgid(pid); err != nil {
			log.WithFields(log.Fields{"pid": pid, "error": err}).Error("Error finding pgid")
			p.cmd.Process.Kill()
		} else if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
			log.WithFields(log.Fields{"pgid": pgid, "error": err}).Error("Error killing process group")
		}
	}
	p.wg.Wait()
	p.cmd.Wait()
	return st
}
