package invoke

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/cgl-pipelines/dockerrun/defers"
	"github.com/cgl-pipelines/dockerrun/dockercli"
	"github.com/cgl-pipelines/dockerrun/execer"
	"github.com/cgl-pipelines/dockerrun/execer/execers"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0666); err != nil {
		t.Fatal(err)
	}
}

func TestConflictingRmAndDetached(t *testing.T) {
	inv, e := newFakeInvoker(newFakeRuntime())
	_, err := inv.Call(Tags{}, Spec{Tool: "ubuntu", WorkDir: t.TempDir(), Rm: true, Detached: true})
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("got %v, want ConfigError", err)
	}
	if e.Count() != 0 {
		t.Fatalf("launcher was invoked %d times for a config error", e.Count())
	}
}

func TestInvalidPolicyInSpec(t *testing.T) {
	inv, _ := newFakeInvoker(newFakeRuntime())
	bad := Policy(42)
	_, err := inv.Call(Tags{}, Spec{Tool: "ubuntu", WorkDir: t.TempDir(), Defer: &bad})
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("got %v, want ConfigError", err)
	}
}

func TestMalformedMount(t *testing.T) {
	inv, _ := newFakeInvoker(newFakeRuntime())
	_, err := inv.Call(Tags{}, Spec{
		Tool:    "ubuntu",
		WorkDir: t.TempDir(),
		Mounts:  map[string]string{"/host:with:colons": "/c"},
	})
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("got %v, want ConfigError", err)
	}
}

// Two declared inputs, one absent: the missing-input error fires before any
// foreign process is launched.
func TestMissingInputBeforeLaunch(t *testing.T) {
	workDir := t.TempDir()
	touch(t, filepath.Join(workDir, "present.bam"))

	inv, e := newFakeInvoker(newFakeRuntime())
	_, err := inv.Call(Tags{}, Spec{
		Tool:    "ubuntu",
		WorkDir: workDir,
		Inputs:  []string{"present.bam", "absent.bam"},
	})
	missing, ok := err.(*MissingInputError)
	if !ok {
		t.Fatalf("got %v, want MissingInputError", err)
	}
	if !strings.HasSuffix(missing.Path, "absent.bam") {
		t.Fatalf("wrong path in error: %s", missing.Path)
	}
	if e.Count() != 0 {
		t.Fatalf("launcher was invoked %d times before input validation", e.Count())
	}
}

func TestCallBuildsDockerRun(t *testing.T) {
	workDir := t.TempDir()
	touch(t, filepath.Join(workDir, "in.fq"))
	touch(t, filepath.Join(workDir, "out.bam"))

	f := newFakeRuntime()
	inv, e := newFakeInvoker(f)
	res, err := inv.Call(Tags{WorkflowID: "wf1", JobID: "job7"}, Spec{
		Tool:         "quay.io/ucsc_cgl/samtools",
		Parameters:   []string{"view", "-b", "in.fq"},
		WorkDir:      workDir,
		Rm:           true,
		Env:          map[string]string{"JAVA_OPTS": "-Xmx2G"},
		Mounts:       map[string]string{"/refs": "/refs"},
		DockerParams: []string{"--memory=4g"},
		Inputs:       []string{"in.fq"},
		Outputs:      map[string]string{"out.bam": ""},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.HasPrefix(res.ContainerName, "wf1--job7--") {
		t.Fatalf("container name %q missing workflow/job prefix", res.ContainerName)
	}

	// Primary run plus the ownership-fix pass.
	cmds := e.Commands()
	if len(cmds) != 2 {
		t.Fatalf("got %d commands, want 2:\n%s", len(cmds), spew.Sdump(cmds))
	}
	argv := cmds[0].Argv
	absWork, _ := filepath.Abs(workDir)
	wantPrefix := []string{"docker", "run", "--log-driver=none", "-v=" + absWork + ":/data", "-v=/refs:/refs",
		"--name=" + res.ContainerName, "--rm", "-e=JAVA_OPTS=-Xmx2G", "--memory=4g", "quay.io/ucsc_cgl/samtools"}
	wantArgv := append(wantPrefix, "view", "-b", "in.fq")
	if strings.Join(argv, " ") != strings.Join(wantArgv, " ") {
		t.Fatalf("argv:\n got %v\nwant %v", argv, wantArgv)
	}
	if cmds[0].Dir != workDir {
		t.Fatalf("work dir not set on command, got %q", cmds[0].Dir)
	}

	fix := cmds[1].Argv
	if !isFixPass(fix) || fix[len(fix)-1] != "/data" {
		t.Fatalf("second command is not the ownership fix: %v", fix)
	}
	for _, tok := range fix {
		if tok == "--name="+res.ContainerName {
			t.Fatalf("fix pass should not reuse the container name: %v", fix)
		}
	}
}

// Registration of the deferred cleanup happens strictly before the process
// starts, so a kill during start is still covered.
func TestDeferRegisteredBeforeStart(t *testing.T) {
	workDir := t.TempDir()
	inv, e := newFakeInvoker(newFakeRuntime())
	registered := 0
	inv.Deferrer = defers.DeferrerFunc(func(f func()) {
		registered++
		if e.Count() != 0 {
			t.Fatalf("deferred action registered after %d commands already ran", e.Count())
		}
	})
	if _, err := inv.Call(Tags{}, Spec{Tool: "ubuntu", WorkDir: workDir, Rm: true}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	// Ownership fix and disposal.
	if registered != 2 {
		t.Fatalf("got %d deferred registrations, want 2", registered)
	}
}

// rm=true with no explicit policy resolves to REMOVE: after the deferred
// callback runs, the runtime has no trace of the container.
func TestDeferredCleanupLeavesNoTrace(t *testing.T) {
	workDir := t.TempDir()
	f := newFakeRuntime()
	e := execers.NewRecordingExecer()
	e.RunFunc = f.runFunc
	registry := defers.NewRegistry()
	inv := NewInvoker(e, registry)

	res, err := inv.Call(Tags{WorkflowID: "wf"}, Spec{Tool: "ubuntu", WorkDir: workDir, Rm: true})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	// The fake runtime leaves the container behind in RUNNING state, as if
	// the job had been killed before docker could reap it.
	if f.state(res.ContainerName) != dockercli.Running {
		t.Fatalf("precondition: container should linger")
	}
	registry.Drain()
	if got := f.state(res.ContainerName); got != dockercli.Absent {
		t.Fatalf("after deferred cleanup container is %v, want ABSENT", got)
	}
}

// The ownership-fix pass runs even when the primary invocation failed, and
// the original failure is still the one surfaced.
func TestFixOwnershipRunsAfterFailure(t *testing.T) {
	workDir := t.TempDir()
	f := newFakeRuntime()
	f.runExit = func(argv []string) int {
		if isFixPass(argv) {
			return 0
		}
		return 42
	}
	inv, e := newFakeInvoker(f)
	_, err := inv.Call(Tags{}, Spec{Tool: "ubuntu", WorkDir: workDir, Rm: true})
	exit, ok := err.(*ExitError)
	if !ok {
		t.Fatalf("got %v, want ExitError", err)
	}
	if exit.ExitCode != 42 {
		t.Fatalf("got exit %d, want 42", exit.ExitCode)
	}
	cmds := e.Commands()
	if len(cmds) != 2 || !isFixPass(cmds[1].Argv) {
		t.Fatalf("ownership fix did not run after failure:\n%s", spew.Sdump(cmds))
	}
}

func TestFixOwnershipDisabled(t *testing.T) {
	workDir := t.TempDir()
	inv, e := newFakeInvoker(newFakeRuntime())
	inv.FixOwnership = false
	if _, err := inv.Call(Tags{}, Spec{Tool: "ubuntu", WorkDir: workDir, Rm: true}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if e.Count() != 1 {
		t.Fatalf("got %d commands, want just the run", e.Count())
	}
}

func TestMissingOutput(t *testing.T) {
	workDir := t.TempDir()
	inv, _ := newFakeInvoker(newFakeRuntime())
	_, err := inv.Call(Tags{}, Spec{
		Tool:    "ubuntu",
		WorkDir: workDir,
		Rm:      true,
		Outputs: map[string]string{"never-written.vcf": ""},
	})
	if _, ok := err.(*MissingOutputError); !ok {
		t.Fatalf("got %v, want MissingOutputError", err)
	}
}

// Declared outputs may be absolute paths physically outside the working
// directory.
func TestAbsoluteOutputPath(t *testing.T) {
	workDir := t.TempDir()
	elsewhere := filepath.Join(t.TempDir(), "result.txt")
	touch(t, elsewhere)

	inv, _ := newFakeInvoker(newFakeRuntime())
	if _, err := inv.Call(Tags{}, Spec{
		Tool:    "ubuntu",
		WorkDir: workDir,
		Rm:      true,
		Outputs: map[string]string{elsewhere: ""},
	}); err != nil {
		t.Fatalf("absolute output path should validate, got %v", err)
	}
}

func TestCheckOutputCapture(t *testing.T) {
	workDir := t.TempDir()
	f := newFakeRuntime()
	e := execers.NewRecordingExecer()
	e.RunFunc = func(cmd execer.Command) execer.ProcessStatus {
		if len(cmd.Argv) > 1 && cmd.Argv[1] == "run" && !isFixPass(cmd.Argv) {
			cmd.Stdout.Write([]byte("chr1\t100\n"))
		}
		return f.runFunc(cmd)
	}
	inv := NewInvoker(e, nopDeferrer{})
	res, err := inv.Call(Tags{}, Spec{Tool: "ubuntu", WorkDir: workDir, Rm: true, CheckOutput: true})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(res.Output) != "chr1\t100\n" {
		t.Fatalf("captured output %q", res.Output)
	}
}

func TestMockModeSynthesizesOutputs(t *testing.T) {
	workDir := t.TempDir()
	inv, e := newFakeInvoker(newFakeRuntime())
	inv.Mock = true
	res, err := inv.Call(Tags{}, Spec{
		Tool:    "ubuntu",
		WorkDir: workDir,
		Rm:      true,
		Outputs: map[string]string{"synth.txt": ""},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !res.Mocked {
		t.Fatalf("result not marked mocked")
	}
	if e.Count() != 0 {
		t.Fatalf("mock mode touched the runtime (%d commands)", e.Count())
	}
	if !isFile(filepath.Join(workDir, "synth.txt")) {
		t.Fatalf("placeholder output not synthesized")
	}
}

type recordingStager struct {
	staged [][2]string
}

func (s *recordingStager) Stage(src, dst string) error {
	s.staged = append(s.staged, [2]string{src, dst})
	return os.WriteFile(dst, []byte("staged"), 0666)
}

func TestMockModeStagesURLOutputs(t *testing.T) {
	workDir := t.TempDir()
	inv, _ := newFakeInvoker(newFakeRuntime())
	stager := &recordingStager{}
	inv.Stager = stager

	mock := true
	_, err := inv.Call(Tags{}, Spec{
		Tool:    "ubuntu",
		WorkDir: workDir,
		Rm:      true,
		Mock:    &mock,
		Outputs: map[string]string{"ref.fa": "http://example.com/ref.fa"},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(stager.staged) != 1 || stager.staged[0][0] != "http://example.com/ref.fa" {
		t.Fatalf("stager calls: %v", stager.staged)
	}
	if !isFile(filepath.Join(workDir, "ref.fa")) {
		t.Fatalf("staged output missing")
	}
}

// Per-call Mock=false overrides an invoker-level mock default.
func TestMockOverridePerCall(t *testing.T) {
	workDir := t.TempDir()
	inv, e := newFakeInvoker(newFakeRuntime())
	inv.Mock = true
	noMock := false
	if _, err := inv.Call(Tags{}, Spec{Tool: "ubuntu", WorkDir: workDir, Rm: true, Mock: &noMock}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if e.Count() == 0 {
		t.Fatalf("override to real mode still skipped the runtime")
	}
}

func TestExplicitContainerName(t *testing.T) {
	workDir := t.TempDir()
	inv, _ := newFakeInvoker(newFakeRuntime())
	res, err := inv.Call(Tags{}, Spec{Tool: "ubuntu", WorkDir: workDir, Rm: true, ContainerName: "mine"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.ContainerName != "mine" {
		t.Fatalf("got container name %q, want mine", res.ContainerName)
	}
}

func TestContainerNamesUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		name := containerName(Tags{WorkflowID: "wf", JobID: "j"})
		if seen[name] {
			t.Fatalf("container name %q repeated", name)
		}
		seen[name] = true
	}
}

func TestResolvePolicy(t *testing.T) {
	if got := ResolvePolicy(&Spec{Rm: true}); got != Remove {
		t.Fatalf("rm with no policy resolved to %v, want REMOVE", got)
	}
	if got := ResolvePolicy(&Spec{}); got != Forgo {
		t.Fatalf("default resolved to %v, want FORGO", got)
	}
	if got := ResolvePolicy(&Spec{Rm: true, Defer: PolicyPtr(Stop)}); got != Stop {
		t.Fatalf("explicit policy resolved to %v, want STOP", got)
	}
}
