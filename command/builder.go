// Package command assembles layered process invocations. A Builder holds
// three layers: the outer process (the local launcher), the runtime layer
// (the container-runtime-facing command, e.g. docker run), and the inner
// layer (the program running inside the container). Each layer accumulates
// commands, named options and positional arguments independently, and the
// whole thing flattens into a single argument vector.
package command

import (
	"fmt"
	"io"
	"strings"

	"github.com/cgl-pipelines/dockerrun/execer"
)

type Layer int

const (
	// Outer is the local launcher layer. When a Builder is flattened into an
	// execer.Command, Outer doubles as the function-call context holding
	// invocation-level settings (working dir, stream redirection), so it must
	// not carry commands of its own in that mode.
	Outer Layer = iota
	// Runtime is the container-runtime-facing layer ("docker run ...").
	Runtime
	// Inner is the entrypoint/program running inside the container.
	Inner

	numLayers
)

func (l Layer) String() string {
	switch l {
	case Outer:
		return "outer"
	case Runtime:
		return "runtime"
	case Inner:
		return "inner"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

// LayerByName maps the string form back to a Layer. Unknown names are an
// error so that shorthand dispatch can fail loudly on typos.
func LayerByName(name string) (Layer, error) {
	switch name {
	case "outer":
		return Outer, nil
	case "runtime":
		return Runtime, nil
	case "inner":
		return Inner, nil
	default:
		return 0, fmt.Errorf("unknown command layer %q", name)
	}
}

type optKind int

const (
	flagOpt optKind = iota
	negateOpt
	scalarOpt
	pairOpt
)

// option is one (key, value) occurrence in a layer's options group.
// Occurrences are append-only and insertion order is significant; repeated
// keys are how repeated flags (e.g. multiple -e entries) are expressed.
type option struct {
	key  string
	kind optKind
	val  string
	sub  string // second component of a pair option
}

type layerState struct {
	commands []string
	opts     []option
	args     []string
}

// Reserved function-param key: the argument vector is owned by the layers and
// can never be set directly.
const argvParam = "argv"

// Builder accumulates a layered command. The zero value is not usable; use
// NewBuilder.
type Builder struct {
	layers [numLayers]layerState

	dir    string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	env    map[string]string
}

func NewBuilder() *Builder {
	return &Builder{}
}

// SetCommand replaces the layer's commands group wholesale. Last write wins;
// it is not cumulative like options and arguments.
func (b *Builder) SetCommand(layer Layer, tokens ...string) *Builder {
	b.layers[layer].commands = append([]string{}, tokens...)
	return b
}

// AddArgs appends positional arguments to the layer. Cumulative.
func (b *Builder) AddArgs(layer Layer, args ...string) *Builder {
	b.layers[layer].args = append(b.layers[layer].args, args...)
	return b
}

// AddFlag appends a boolean flag occurrence (rendered with no value).
func (b *Builder) AddFlag(layer Layer, key string) *Builder {
	b.layers[layer].opts = append(b.layers[layer].opts, option{key: key, kind: flagOpt})
	return b
}

// NegateFlag retroactively cancels every prior flag occurrence of key within
// this layer. Flags added afterwards are unaffected, as are other layers.
func (b *Builder) NegateFlag(layer Layer, key string) *Builder {
	b.layers[layer].opts = append(b.layers[layer].opts, option{key: key, kind: negateOpt})
	return b
}

// AddOption appends a scalar option occurrence, rendered as --key=value.
func (b *Builder) AddOption(layer Layer, key, value string) *Builder {
	b.layers[layer].opts = append(b.layers[layer].opts, option{key: key, kind: scalarOpt, val: value})
	return b
}

// AddPair appends a two-part option occurrence, rendered as --key=k=v. This
// is the shape of environment-variable style options (-e NAME=value).
func (b *Builder) AddPair(layer Layer, key, k, v string) *Builder {
	b.layers[layer].opts = append(b.layers[layer].opts, option{key: key, kind: pairOpt, val: k, sub: v})
	return b
}

// Apply is the shorthand form "<layer>__<key>". An empty key appends the
// values as positional arguments; no values appends a boolean flag; otherwise
// each value becomes one scalar occurrence of the option. Unknown layer
// prefixes are an error.
func (b *Builder) Apply(name string, values ...string) error {
	parts := strings.SplitN(name, "__", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed shorthand %q, want <layer>__<key>", name)
	}
	layer, err := LayerByName(parts[0])
	if err != nil {
		return err
	}
	key := parts[1]
	switch {
	case key == "":
		b.AddArgs(layer, values...)
	case len(values) == 0:
		b.AddFlag(layer, key)
	default:
		for _, v := range values {
			b.AddOption(layer, key, v)
		}
	}
	return nil
}

// SetFuncParam sets an invocation-level setting on the outer layer's
// function-call context. Supported keys: dir (string), stdin (io.Reader),
// stdout, stderr (io.Writer), env (map[string]string). The argv key is
// reserved and rejected: the argument vector belongs to the layers.
func (b *Builder) SetFuncParam(key string, value interface{}) error {
	switch key {
	case argvParam:
		return fmt.Errorf("function param %q is reserved", key)
	case "dir":
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("function param dir wants a string, got %T", value)
		}
		b.dir = v
	case "stdin":
		v, ok := value.(io.Reader)
		if !ok {
			return fmt.Errorf("function param stdin wants an io.Reader, got %T", value)
		}
		b.stdin = v
	case "stdout":
		v, ok := value.(io.Writer)
		if !ok {
			return fmt.Errorf("function param stdout wants an io.Writer, got %T", value)
		}
		b.stdout = v
	case "stderr":
		v, ok := value.(io.Writer)
		if !ok {
			return fmt.Errorf("function param stderr wants an io.Writer, got %T", value)
		}
		b.stderr = v
	case "env":
		v, ok := value.(map[string]string)
		if !ok {
			return fmt.Errorf("function param env wants a map[string]string, got %T", value)
		}
		b.env = v
	default:
		return fmt.Errorf("unknown function param %q", key)
	}
	return nil
}

// renderKey turns an option key into its dashed form: single-character keys
// get one dash, longer keys get two dashes and underscores become hyphens.
func renderKey(key string) string {
	if len(key) == 1 {
		return "-" + key
	}
	return "--" + strings.Replace(key, "_", "-", -1)
}

// Render flattens one layer: commands, then options in insertion order (minus
// flags retroactively cancelled by a negation of the same key within this
// layer), then positional arguments. Render does not mutate the builder, so
// rendering twice yields identical output.
func (b *Builder) Render(layer Layer) []string {
	ls := b.layers[layer]

	type rendered struct {
		token   string
		flagKey string // non-empty only for flag tokens, for cancellation
	}
	var opts []rendered
	for _, o := range ls.opts {
		switch o.kind {
		case flagOpt:
			opts = append(opts, rendered{token: renderKey(o.key), flagKey: o.key})
		case negateOpt:
			kept := make([]rendered, 0, len(opts))
			for _, r := range opts {
				if r.flagKey != o.key {
					kept = append(kept, r)
				}
			}
			opts = kept
		case scalarOpt:
			opts = append(opts, rendered{token: renderKey(o.key) + "=" + o.val})
		case pairOpt:
			opts = append(opts, rendered{token: renderKey(o.key) + "=" + o.val + "=" + o.sub})
		}
	}

	out := make([]string, 0, len(ls.commands)+len(opts)+len(ls.args))
	out = append(out, ls.commands...)
	for _, r := range opts {
		out = append(out, r.token)
	}
	out = append(out, ls.args...)
	return out
}

// BuildCommand flattens all three layers into an execer.Command: the outer
// layer's function params plus the concatenation of the outer, runtime and
// inner renders. The outer layer acts as the function-call context here, so
// commands set on it are a caller error.
func (b *Builder) BuildCommand() (execer.Command, error) {
	if len(b.layers[Outer].commands) > 0 {
		return execer.Command{}, fmt.Errorf(
			"outer layer has commands %v but is being used as a function-call context",
			b.layers[Outer].commands)
	}
	var argv []string
	argv = append(argv, b.Render(Outer)...)
	argv = append(argv, b.Render(Runtime)...)
	argv = append(argv, b.Render(Inner)...)
	return execer.Command{
		Argv:    argv,
		Dir:     b.dir,
		EnvVars: b.env,
		Stdin:   b.stdin,
		Stdout:  b.stdout,
		Stderr:  b.stderr,
	}, nil
}
