package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cgl-pipelines/dockerrun/defers"
	osexecer "github.com/cgl-pipelines/dockerrun/execer/os"
	"github.com/cgl-pipelines/dockerrun/invoke"
)

// dockerrun exposes the invocation library on the command line: run a tool
// image with guaranteed cleanup, drive disposal by hand, or query a
// container's state.

func main() {
	logLevelFlag := flag.String("log_level", "info", "Log everything at this level and above (error|info|debug)")
	flag.Parse()

	level, err := log.ParseLevel(*logLevelFlag)
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
	log.SetLevel(level)

	registry := defers.NewRegistry()
	stop := registry.DrainOnSignal()
	defer stop()

	inv := invoke.NewInvoker(osexecer.NewExecer(), registry)
	// Environment config belongs at this outermost edge only; the library
	// itself takes mock mode as explicit configuration.
	if v := os.Getenv("DOCKERRUN_MOCK_MODE"); v != "" && v != "0" {
		inv.Mock = true
	}

	err = makeCLI(inv).Execute()
	registry.Drain()
	if err != nil {
		os.Exit(1)
	}
}

func makeCLI(inv *invoke.Invoker) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "dockerrun",
		Short:        "run containerized tools with guaranteed cleanup",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(makeRunCmd(inv))
	rootCmd.AddCommand(makeDisposeCmd(inv))
	rootCmd.AddCommand(makeStateCmd(inv))
	return rootCmd
}

func makeRunCmd(inv *invoke.Invoker) *cobra.Command {
	var (
		workDir       string
		rm            bool
		detached      bool
		envs          []string
		mounts        []string
		inputs        []string
		outputs       []string
		dockerParams  []string
		containerName string
		deferPolicy   string
		checkOutput   bool
		workflowID    string
		jobID         string
	)
	cmd := &cobra.Command{
		Use:   "run IMAGE [-- PARAMETERS...]",
		Short: "invoke a containerized tool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := invoke.Spec{
				Tool:          args[0],
				Parameters:    args[1:],
				WorkDir:       workDir,
				Rm:            rm,
				Detached:      detached,
				DockerParams:  dockerParams,
				ContainerName: containerName,
				CheckOutput:   checkOutput,
				Inputs:        inputs,
			}
			var err error
			if spec.Env, err = parsePairs(envs, "="); err != nil {
				return err
			}
			if spec.Mounts, err = parsePairs(mounts, ":"); err != nil {
				return err
			}
			spec.Outputs = map[string]string{}
			for _, o := range outputs {
				parts := strings.SplitN(o, "=", 2)
				if len(parts) == 2 {
					spec.Outputs[parts[0]] = parts[1]
				} else {
					spec.Outputs[parts[0]] = ""
				}
			}
			if deferPolicy != "" {
				p, err := invoke.ParsePolicy(deferPolicy)
				if err != nil {
					return err
				}
				spec.Defer = invoke.PolicyPtr(p)
			}
			res, err := inv.Call(invoke.Tags{WorkflowID: workflowID, JobID: jobID}, spec)
			if err != nil {
				return err
			}
			if checkOutput {
				os.Stdout.Write(res.Output)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workDir, "work-dir", ".", "directory to bind mount into the container")
	cmd.Flags().BoolVar(&rm, "rm", false, "run the container with --rm")
	cmd.Flags().BoolVar(&detached, "detach", false, "run the container detached")
	cmd.Flags().StringSliceVar(&envs, "env", nil, "environment variable NAME=value (repeatable)")
	cmd.Flags().StringSliceVar(&mounts, "mount", nil, "extra bind mount host:container (repeatable)")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "declared input filename under the work dir (repeatable)")
	cmd.Flags().StringSliceVar(&outputs, "output", nil, "declared output filename[=source-url] (repeatable)")
	cmd.Flags().StringSliceVar(&dockerParams, "docker-param", nil, "raw extra docker run option (repeatable)")
	cmd.Flags().StringVar(&containerName, "name", "", "explicit container name")
	cmd.Flags().StringVar(&deferPolicy, "defer", "", "disposal policy: forgo, stop or remove")
	cmd.Flags().BoolVar(&checkOutput, "check-output", false, "capture stdout and print it after the call")
	cmd.Flags().StringVar(&workflowID, "workflow-id", "", "workflow id for the container identity")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id for the container identity")
	return cmd
}

func makeDisposeCmd(inv *invoke.Invoker) *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "dispose NAME",
		Short: "apply a disposal policy to a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := invoke.ParsePolicy(policy)
			if err != nil {
				return err
			}
			return inv.Dispose(args[0], p)
		},
	}
	cmd.Flags().StringVar(&policy, "policy", "remove", "disposal policy: forgo, stop or remove")
	return cmd
}

func makeStateCmd(inv *invoke.Invoker) *cobra.Command {
	return &cobra.Command{
		Use:   "state NAME",
		Short: "print a container's runtime state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := inv.QueryState(args[0])
			if err != nil {
				return err
			}
			fmt.Println(state)
			return nil
		},
	}
}

func parsePairs(pairs []string, sep string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		parts := strings.SplitN(p, sep, 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("malformed pair %q, want KEY%sVALUE", p, sep)
		}
		m[parts[0]] = parts[1]
	}
	return m, nil
}
