// Package dockercli is a thin client over the docker command line. It covers
// only what container lifecycle management needs: a tri-state inspection
// query plus the stop and remove commands used by disposal.
package dockercli

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/cgl-pipelines/dockerrun/execer"
)

// State is the runtime's view of a container name.
type State int

const (
	// Absent means the runtime reports no such container: either it was never
	// created or it has already been reaped (e.g. by --rm).
	Absent State = iota
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Exited:
		return "EXITED"
	default:
		return "ABSENT"
	}
}

// ErrAmbiguousState reports an inspection that succeeded but printed neither
// true nor false. The runtime returned something unexpected; callers must not
// swallow this.
type ErrAmbiguousState struct {
	Container string
	Output    string
}

func (e *ErrAmbiguousState) Error() string {
	return fmt.Sprintf("unexpected State.Running value %q for container %q", e.Output, e.Container)
}

type Client struct {
	exec execer.Execer

	// Binary is the runtime CLI to drive. Defaults to "docker".
	Binary string
}

func NewClient(exec execer.Execer) *Client {
	return &Client{exec: exec, Binary: "docker"}
}

// run executes one docker CLI round trip and waits for it.
func (c *Client) run(stdout *bytes.Buffer, argv ...string) (execer.ProcessStatus, error) {
	cmd := execer.Command{Argv: append([]string{c.Binary}, argv...)}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	p, err := c.exec.Exec(cmd)
	if err != nil {
		return execer.ProcessStatus{State: execer.FAILED, Error: err.Error()}, err
	}
	return p.Wait(), nil
}

// Inspect queries whether the named container is running. A failed inspection
// is the common case for an already-reaped container and maps to Absent
// rather than an error.
func (c *Client) Inspect(name string) (State, error) {
	var out bytes.Buffer
	st, err := c.run(&out, "inspect", "--format", "{{.State.Running}}", name)
	if err != nil || st.State != execer.COMPLETE || st.ExitCode != 0 {
		log.WithFields(log.Fields{
			"container": name,
			"exitCode":  st.ExitCode,
		}).Debug("docker inspect failed, assuming container doesn't exist")
		return Absent, nil
	}
	switch strings.TrimSpace(out.String()) {
	case "true":
		return Running, nil
	case "false":
		return Exited, nil
	default:
		return Absent, &ErrAmbiguousState{Container: name, Output: strings.TrimSpace(out.String())}
	}
}

// Stop stops the named container.
func (c *Client) Stop(name string) error {
	st, err := c.run(nil, "stop", name)
	if err != nil {
		return err
	}
	if st.State != execer.COMPLETE || st.ExitCode != 0 {
		return fmt.Errorf("docker stop %s exited %d: %s", name, st.ExitCode, st.Error)
	}
	return nil
}

// Remove force-removes the named container. Removal races with --rm
// self-cleanup and daemon-side reaping, so transient failures are retried a
// few times before giving up.
func (c *Client) Remove(name string) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.Retry(func() error {
		st, err := c.run(nil, "rm", "-f", name)
		if err != nil {
			return err
		}
		if st.State != execer.COMPLETE || st.ExitCode != 0 {
			return fmt.Errorf("docker rm -f %s exited %d: %s", name, st.ExitCode, st.Error)
		}
		return nil
	}, b)
}
