// Package invoke turns a tool-invocation spec into an executed container
// process, guaranteeing cleanup under all termination paths, and validates
// declared outputs. It is the single entry point the rest of a pipeline
// library goes through to run containerized tools.
package invoke

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cgl-pipelines/dockerrun/command"
	"github.com/cgl-pipelines/dockerrun/defers"
	"github.com/cgl-pipelines/dockerrun/dockercli"
	"github.com/cgl-pipelines/dockerrun/execer"
	"github.com/cgl-pipelines/dockerrun/staging"
	"github.com/cgl-pipelines/dockerrun/stats"
)

// Tags identify the unit of work on whose behalf a container runs. They feed
// both log fields and the container identity, which must not collide across
// concurrently running jobs in the same workflow.
type Tags struct {
	WorkflowID string
	JobID      string
}

func (t Tags) fields() log.Fields {
	return log.Fields{"workflowID": t.WorkflowID, "jobID": t.JobID}
}

// Spec describes one container invocation.
type Spec struct {
	// Tool is the image reference to run (e.g. quay.io/ucsc_cgl/samtools).
	Tool string
	// Parameters are the command line arguments passed to the tool inside
	// the container.
	Parameters []string
	// WorkDir is bind-mounted into the container at the invoker's MountPoint.
	WorkDir string

	// Rm runs the container with --rm. Mutually exclusive with Detached; the
	// runtime rejects that combination. Independent of Defer, except that
	// Rm with no explicit Defer resolves the policy to Remove.
	Rm bool
	// Detached runs the container with -d.
	Detached bool

	// Env vars added to the container (not the launcher process).
	Env map[string]string
	// Outfile, when set, receives the container's standard output.
	Outfile io.Writer
	// CheckOutput captures standard output and returns it on the Result
	// instead of streaming it. Outfile takes precedence when both are set.
	CheckOutput bool

	// Inputs are filenames that must already exist under WorkDir.
	Inputs []string
	// Outputs maps declared output filenames to an optional source URL. The
	// URL is only consulted in mock mode; validation applies always. Names
	// may be absolute paths for outputs living outside WorkDir.
	Outputs map[string]string

	// DockerParams are extra raw options for docker run.
	DockerParams []string
	// Defer is the explicit disposal policy. Nil means infer from Rm.
	Defer *Policy
	// ContainerName overrides the synthesized container identity.
	ContainerName string
	// Mounts are additional host-path to container-path bind mounts.
	Mounts map[string]string

	// Mock overrides the invoker-level mock mode for this call.
	Mock *bool
}

// Result is the outcome of a call that ran (or was mocked).
type Result struct {
	ContainerName string
	ExitCode      int
	// Output holds captured standard output when CheckOutput was set.
	Output []byte
	Mocked bool
}

// Invoker executes container invocations. Exported fields may be adjusted
// between calls; the zero value is not usable, use NewInvoker.
type Invoker struct {
	Exec     execer.Execer
	Docker   *dockercli.Client
	Deferrer defers.Deferrer
	Stager   staging.Stager
	Stat     stats.StatsReceiver

	// Mock skips the real runtime and synthesizes declared outputs, so
	// pipelines are testable without the target tool installed. Explicit
	// configuration, not ambient environment state.
	Mock bool

	// FixOwnership controls the post-execution ownership-fix pass, which
	// re-invokes the tool image with its entrypoint overridden to ChownTool
	// so root-owned output files become accessible to the host user. Disable
	// it for images that don't carry a chown binary.
	FixOwnership bool
	ChownTool    string

	// MountPoint is the container-side path of the WorkDir bind mount.
	MountPoint string
}

func NewInvoker(exec execer.Execer, deferrer defers.Deferrer) *Invoker {
	return &Invoker{
		Exec:         exec,
		Docker:       dockercli.NewClient(exec),
		Deferrer:     deferrer,
		Stager:       staging.NewHTTPStager(),
		Stat:         stats.NilStatsReceiver(),
		FixOwnership: true,
		ChownTool:    "chown",
		MountPoint:   "/data",
	}
}

// Call runs one container invocation synchronously: validate, register the
// deferred disposal, execute, fix ownership, validate outputs.
func (inv *Invoker) Call(tags Tags, spec Spec) (*Result, error) {
	defer inv.Stat.Latency("callLatency_ms").Time().Stop()
	inv.Stat.Counter("calls").Inc(1)

	st, err := inv.start(tags, &spec, nil, nil)
	if err != nil {
		inv.Stat.Counter("callFailures").Inc(1)
		return nil, err
	}
	if st.mocked {
		return st.mockResult, nil
	}
	res, err := inv.finish(st, st.process.Wait())
	if err != nil {
		inv.Stat.Counter("callFailures").Inc(1)
	}
	return res, err
}

// callState carries one started (or mocked) invocation between start and
// finish, so pipe chains can interleave stages.
type callState struct {
	tags    Tags
	spec    *Spec
	name    string
	capture *bytes.Buffer
	process execer.Process

	mocked     bool
	mockResult *Result
}

// start validates the spec, handles mock mode, registers the deferred
// cleanup actions and starts the container process. Registration happens
// strictly before process start, so a kill arriving during start is still
// covered once the container exists.
func (inv *Invoker) start(tags Tags, spec *Spec, stdin io.Reader, stdout io.Writer) (*callState, error) {
	// Docker does not allow --rm together with detached mode.
	if spec.Rm && spec.Detached {
		return nil, NewConfigError("conflicting options 'rm' and 'detached'")
	}
	if spec.Defer != nil && !spec.Defer.Valid() {
		return nil, NewConfigError("invalid disposal policy %d", int(*spec.Defer))
	}
	for host, cont := range spec.Mounts {
		if host == "" || cont == "" || strings.ContainsRune(host, ':') || strings.ContainsRune(cont, ':') {
			return nil, NewConfigError("malformed mount mapping %q -> %q", host, cont)
		}
	}

	for _, name := range spec.Inputs {
		path := filepath.Join(spec.WorkDir, name)
		if !isFile(path) {
			return nil, &MissingInputError{Path: path}
		}
	}

	mock := inv.Mock
	if spec.Mock != nil {
		mock = *spec.Mock
	}
	if mock {
		res, err := inv.mockCall(tags, spec)
		if err != nil {
			return nil, err
		}
		return &callState{tags: tags, spec: spec, mocked: true, mockResult: res}, nil
	}

	name := spec.ContainerName
	if name == "" {
		name = containerName(tags)
	}
	policy := ResolvePolicy(spec)

	// Defer the ownership fix to handle unexpected job death; the normal
	// path also runs it inline from finish.
	if inv.FixOwnership {
		fixSpec := *spec
		inv.Deferrer.Defer(func() {
			if err := inv.fixOwnership(tags, &fixSpec); err != nil {
				log.WithFields(tags.fields()).WithField("error", err).
					Error("Deferred ownership fix failed")
			}
		})
	}
	// Defer the container on-exit action before the process starts.
	inv.Deferrer.Defer(func() {
		inv.Dispose(name, policy)
	})

	cmd, err := inv.buildRun(spec, name, stdin, stdout)
	if err != nil {
		return nil, err
	}
	st := &callState{tags: tags, spec: spec, name: name}
	if w, ok := cmd.Stdout.(*bytes.Buffer); ok && spec.Outfile == nil && stdout == nil {
		st.capture = w
	}

	log.WithFields(tags.fields()).WithFields(log.Fields{
		"container": name,
		"tool":      spec.Tool,
	}).Debugf("Calling docker with %s", strings.Join(cmd.Argv, " "))

	p, err := inv.Exec.Exec(cmd)
	if err != nil {
		// The process never started; still run the fix pass inline so the
		// error path matches the normal one (the deferred copy would run it
		// anyway, only later).
		if fixErr := inv.fixOwnership(tags, spec); fixErr != nil {
			log.WithFields(tags.fields()).WithField("error", fixErr).
				Error("Ownership fix failed after exec error")
		}
		return nil, errors.Wrapf(err, "could not exec docker run for %s", spec.Tool)
	}
	st.process = p
	return st, nil
}

// finish observes the process exit, runs the inline ownership-fix pass
// regardless of exit status, surfaces execution failures, and validates
// declared outputs.
func (inv *Invoker) finish(st *callState, ps execer.ProcessStatus) (*Result, error) {
	res := &Result{ContainerName: st.name, ExitCode: ps.ExitCode}
	if st.capture != nil {
		res.Output = st.capture.Bytes()
	}

	fixErr := inv.fixOwnership(st.tags, st.spec)

	if ps.State != execer.COMPLETE || ps.ExitCode != 0 {
		if fixErr != nil {
			// The primary failure wins; the fix failure is logged only.
			log.WithFields(st.tags.fields()).WithField("error", fixErr).
				Error("Ownership fix failed after failed call")
		}
		if ps.ExitCode == 0 {
			res.ExitCode = -1
		}
		return res, &ExitError{Tool: st.spec.Tool, ExitCode: res.ExitCode, Detail: ps.Error}
	}
	if fixErr != nil {
		return res, errors.Wrap(fixErr, "ownership fix failed")
	}

	if err := validateOutputs(st.spec); err != nil {
		return res, err
	}
	return res, nil
}

// mockCall synthesizes the declared outputs instead of touching the runtime:
// outputs without a source get a placeholder file, outputs with a source URL
// are materialized by the stager.
func (inv *Invoker) mockCall(tags Tags, spec *Spec) (*Result, error) {
	log.WithFields(tags.fields()).WithField("tool", spec.Tool).Info("Mock mode, skipping docker call")
	for _, name := range sortedKeys(spec.Outputs) {
		src := spec.Outputs[name]
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(spec.WorkDir, path)
		}
		if isFile(path) {
			continue
		}
		if src == "" {
			if err := os.WriteFile(path, []byte("contents"), 0666); err != nil {
				return nil, errors.Wrapf(err, "could not synthesize output %s", path)
			}
			continue
		}
		if err := inv.Stager.Stage(src, path); err != nil {
			return nil, errors.Wrapf(err, "could not stage output %s from %s", path, src)
		}
		if !isFile(path) {
			return nil, &MissingOutputError{Path: path}
		}
	}
	return &Result{ExitCode: 0, Mocked: true}, nil
}

// buildRun assembles the full docker run command for a spec.
func (inv *Invoker) buildRun(spec *Spec, name string, stdin io.Reader, stdout io.Writer) (execer.Command, error) {
	b := command.NewBuilder()
	b.SetCommand(command.Runtime, "docker", "run")
	b.AddOption(command.Runtime, "log_driver", "none")
	if err := inv.addMounts(b, spec); err != nil {
		return execer.Command{}, err
	}
	b.AddOption(command.Runtime, "name", name)
	if spec.Rm {
		b.AddFlag(command.Runtime, "rm")
	} else if spec.Detached {
		b.AddFlag(command.Runtime, "d")
	}
	for _, k := range sortedKeys(spec.Env) {
		b.AddPair(command.Runtime, "e", k, spec.Env[k])
	}
	b.AddArgs(command.Runtime, spec.DockerParams...)
	b.AddArgs(command.Runtime, spec.Tool)
	b.AddArgs(command.Inner, spec.Parameters...)

	if err := b.SetFuncParam("dir", spec.WorkDir); err != nil {
		return execer.Command{}, err
	}
	out := stdout
	if out == nil {
		if spec.Outfile != nil {
			out = spec.Outfile
		} else if spec.CheckOutput {
			out = &bytes.Buffer{}
		}
	}
	if out != nil {
		if err := b.SetFuncParam("stdout", out); err != nil {
			return execer.Command{}, err
		}
	}
	if stdin != nil {
		// docker run only forwards stdin to the container with -i.
		b.AddFlag(command.Runtime, "i")
		if err := b.SetFuncParam("stdin", stdin); err != nil {
			return execer.Command{}, err
		}
	}
	return b.BuildCommand()
}

// addMounts adds the working-directory bind mount plus any extra mounts.
func (inv *Invoker) addMounts(b *command.Builder, spec *Spec) error {
	absWork, err := filepath.Abs(spec.WorkDir)
	if err != nil {
		return errors.Wrapf(err, "could not resolve work dir %s", spec.WorkDir)
	}
	b.AddOption(command.Runtime, "v", absWork+":"+inv.MountPoint)
	for _, host := range sortedKeys(spec.Mounts) {
		b.AddOption(command.Runtime, "v", host+":"+spec.Mounts[host])
	}
	return nil
}

// fixOwnership re-invokes the tool image with its entrypoint overridden to a
// recursive chown of the mount point, so files the container wrote as root
// end up owned by the host owner of the working directory.
func (inv *Invoker) fixOwnership(tags Tags, spec *Spec) error {
	if !inv.FixOwnership {
		return nil
	}
	var stat unix.Stat_t
	if err := unix.Stat(spec.WorkDir, &stat); err != nil {
		return errors.Wrapf(err, "could not stat work dir %s", spec.WorkDir)
	}

	b := command.NewBuilder()
	b.SetCommand(command.Runtime, "docker", "run")
	b.AddOption(command.Runtime, "log_driver", "none")
	if err := inv.addMounts(b, spec); err != nil {
		return err
	}
	b.AddOption(command.Runtime, "entrypoint", inv.ChownTool)
	// The fix container itself should not persist.
	b.AddFlag(command.Runtime, "rm")
	b.AddArgs(command.Runtime, spec.Tool)
	b.AddArgs(command.Inner, "-R", fmt.Sprintf("%d:%d", stat.Uid, stat.Gid), inv.MountPoint)

	cmd, err := b.BuildCommand()
	if err != nil {
		return err
	}
	log.WithFields(tags.fields()).WithField("tool", spec.Tool).
		Debugf("Fixing ownership with %s", strings.Join(cmd.Argv, " "))
	p, err := inv.Exec.Exec(cmd)
	if err != nil {
		return errors.Wrap(err, "could not exec ownership fix")
	}
	if ps := p.Wait(); ps.State != execer.COMPLETE || ps.ExitCode != 0 {
		return fmt.Errorf("ownership fix exited %d: %s", ps.ExitCode, ps.Error)
	}
	return nil
}

// validateOutputs checks every declared output exists, by absolute path or
// relative to the working directory.
func validateOutputs(spec *Spec) error {
	for _, name := range sortedKeys(spec.Outputs) {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(spec.WorkDir, path)
		}
		if !isFile(path) {
			return &MissingOutputError{Path: path}
		}
	}
	return nil
}

// containerName synthesizes a process-unique container identity from the
// workflow id, the job id and a random suffix. Names are never reused; a
// clash would make disposal target the wrong container.
func containerName(tags Tags) string {
	var parts []string
	if tags.WorkflowID != "" {
		parts = append(parts, tags.WorkflowID)
	}
	if tags.JobID != "" {
		parts = append(parts, tags.JobID)
	}
	parts = append(parts, randomSuffix())
	return strings.Join(parts, "--")
}

func randomSuffix() string {
	for attempt := 0; attempt < 2; attempt++ {
		if id, err := uuid.NewV4(); err == nil {
			return id.String()
		}
	}
	// Practically unreachable; fall back to something still unique within
	// this process.
	return fmt.Sprintf("t%d", time.Now().UnixNano())
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
