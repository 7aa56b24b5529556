package invoke

import (
	log "github.com/sirupsen/logrus"

	"github.com/cgl-pipelines/dockerrun/dockercli"
)

// Dispose applies a disposal policy to a container. It is registered as the
// deferred cleanup action for every invocation and may also be called
// directly; both paths converge safely because disposal is idempotent: a
// second call observes ABSENT and no-ops.
//
// Stop/remove failures are best-effort cleanup, logged and tolerated, never
// allowed to mask a job's primary result. An ambiguous inspection result is
// the one fatal case: the runtime returned something unexpected and that is
// surfaced, not swallowed.
func (inv *Invoker) Dispose(name string, policy Policy) error {
	if !policy.Valid() {
		return NewConfigError("invalid disposal policy %d", int(policy))
	}
	fields := log.Fields{"container": name, "policy": policy.String()}

	state, err := inv.Docker.Inspect(name)
	if err != nil {
		log.WithFields(fields).WithField("error", err).Error("Disposal state query returned nonsense")
		return err
	}
	if state == dockercli.Absent {
		// Common case for containers run with --rm that already exited, and
		// for the second of two disposal attempts.
		log.WithFields(fields).Info("Container appears to have already been removed, nothing to do")
		return nil
	}
	if policy == Forgo {
		log.WithFields(fields).Info("Container continues to exist as we were asked to forgo cleanup")
		return nil
	}

	inv.Stat.Counter("disposals").Inc(1)
	if state == dockercli.Running {
		log.WithFields(fields).Info("Stopping container")
		if err := inv.Docker.Stop(name); err != nil {
			log.WithFields(fields).WithField("error", err).Error("docker stop failed")
		}
	} else {
		log.WithFields(fields).Info("Container was not found to be running")
	}

	if policy >= Remove {
		// Stop most likely removed a --rm container already, so re-check
		// before removing.
		state, err = inv.Docker.Inspect(name)
		if err != nil {
			log.WithFields(fields).WithField("error", err).Error("Disposal state query returned nonsense")
			return err
		}
		if state != dockercli.Absent {
			log.WithFields(fields).Info("Removing container")
			if err := inv.Docker.Remove(name); err != nil {
				log.WithFields(fields).WithField("error", err).Error("docker rm failed")
			}
		} else {
			log.WithFields(fields).Info("Container was not found on the system, nothing to remove")
		}
	}
	return nil
}

// QueryState wraps the runtime inspection call for callers that want to
// branch on container state directly.
func (inv *Invoker) QueryState(name string) (dockercli.State, error) {
	return inv.Docker.Inspect(name)
}
