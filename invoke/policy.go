package invoke

import "fmt"

// Policy governs what happens to a container once the job that launched it
// concludes, whether it returned, errored, or was killed outright.
type Policy int

const (
	// Forgo leaves the container untouched.
	Forgo Policy = iota
	// Stop stops a running container with `docker stop` but leaves it on the
	// system (useful for debugging).
	Stop
	// Remove stops the container and then forcefully removes it with
	// `docker rm -f`.
	Remove
)

func (p Policy) String() string {
	switch p {
	case Forgo:
		return "FORGO"
	case Stop:
		return "STOP"
	case Remove:
		return "REMOVE"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func (p Policy) Valid() bool {
	return p >= Forgo && p <= Remove
}

// ResolvePolicy resolves a Spec's disposal policy: an explicit Defer wins;
// otherwise Rm implies Remove and everything else defaults to Forgo. The
// inference is documented default behavior: a spec with Rm=false and no
// explicit policy deliberately resolves to Forgo.
func ResolvePolicy(spec *Spec) Policy {
	if spec.Defer != nil {
		return *spec.Defer
	}
	if spec.Rm {
		return Remove
	}
	return Forgo
}

// PolicyPtr is a convenience for building Specs with an explicit policy.
func PolicyPtr(p Policy) *Policy {
	return &p
}

// ParsePolicy parses the lowercase string form used by CLIs and config.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "forgo":
		return Forgo, nil
	case "stop":
		return Stop, nil
	case "remove":
		return Remove, nil
	default:
		return 0, fmt.Errorf("invalid disposal policy %q (want forgo, stop or remove)", s)
	}
}
