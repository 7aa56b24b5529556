package invoke

import (
	"io"
	"sync"

	"github.com/cgl-pipelines/dockerrun/execer"
)

// Invocation wraps a Spec so calls can be chained: linking two invocations
// wires the upstream's standard output to the downstream's standard input.
// An invocation has at most one downstream and at most one upstream link.
type Invocation struct {
	inv  *Invoker
	tags Tags
	spec Spec

	pipeNext *Invocation
	pipePrev *Invocation
}

func (inv *Invoker) NewInvocation(tags Tags, spec Spec) *Invocation {
	return &Invocation{inv: inv, tags: tags, spec: spec}
}

// PipeTo links next's standard input to this invocation's standard output.
// Wiring a second downstream (or a second upstream on next) is an error.
func (c *Invocation) PipeTo(next *Invocation) error {
	if c.pipeNext != nil {
		return NewConfigError("invocation already has a downstream pipe")
	}
	if next.pipePrev != nil {
		return NewConfigError("invocation %s already has an upstream pipe", next.spec.Tool)
	}
	c.pipeNext = next
	next.pipePrev = c
	return nil
}

// Run executes the invocation and everything piped downstream of it.
// Downstream stages start first so their input ends are ready, the chain
// drains as upstream stages exit, and the result carries the last failing
// exit status in chain order (0 if all succeed) together with the final
// stage's captured output.
func (c *Invocation) Run() (*Result, error) {
	if c.pipePrev != nil {
		return nil, NewConfigError("run must start at the head of the pipe chain")
	}
	if c.pipeNext == nil {
		return c.inv.Call(c.tags, c.spec)
	}

	var stages []*Invocation
	for s := c; s != nil; s = s.pipeNext {
		stages = append(stages, s)
	}
	n := len(stages)

	readers := make([]*io.PipeReader, n-1)
	writers := make([]*io.PipeWriter, n-1)
	for i := 0; i < n-1; i++ {
		readers[i], writers[i] = io.Pipe()
	}
	closePipes := func() {
		for i := 0; i < n-1; i++ {
			writers[i].Close()
			readers[i].Close()
		}
	}

	// Start downstream-first so every reader is in place before its writer.
	states := make([]*callState, n)
	for i := n - 1; i >= 0; i-- {
		var stdin io.Reader
		var stdout io.Writer
		if i > 0 {
			stdin = readers[i-1]
		}
		if i < n-1 {
			stdout = writers[i]
		}
		st, err := c.inv.start(stages[i].tags, &stages[i].spec, stdin, stdout)
		if err != nil {
			for j := i + 1; j < n; j++ {
				if states[j].process != nil {
					states[j].process.Abort()
				}
			}
			closePipes()
			return nil, err
		}
		states[i] = st
	}

	// Drain the chain: close each stage's write end once it exits so the
	// next stage sees EOF.
	statuses := make([]execer.ProcessStatus, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if states[i].mocked {
			statuses[i] = execer.ProcessStatus{State: execer.COMPLETE}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// A mocked stage still has to drain its upstream, or a real
				// producer blocks on the pipe.
				if i > 0 {
					io.Copy(io.Discard, readers[i-1])
				}
				if i < n-1 {
					writers[i].Close()
				}
			}(i)
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = states[i].process.Wait()
			if i < n-1 {
				writers[i].Close()
			}
		}(i)
	}
	wg.Wait()

	var res *Result
	var chainErr error
	exitCode := 0
	for i := 0; i < n; i++ {
		var r *Result
		var err error
		if states[i].mocked {
			r = states[i].mockResult
		} else {
			r, err = c.inv.finish(states[i], statuses[i])
		}
		if i == n-1 {
			res = r
		}
		if err != nil {
			chainErr = err
		}
		if r != nil && r.ExitCode != 0 {
			exitCode = r.ExitCode
		}
	}
	if res == nil {
		res = &Result{}
	}
	res.ExitCode = exitCode
	return res, chainErr
}
