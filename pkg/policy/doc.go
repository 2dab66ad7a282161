// Package policy admits desired resources against Open Policy Agent (Rego)
// policies before the runner applies them.
//
// # Architecture
//
//  1. Engine - compiles policies into prepared queries and evaluates them
//  2. Loader - loads .rego and .json files and bundles, and watches them
//  3. Built-in policies - rules every runner enforces
//
// The Engine implements engine.Admitter. A blocking violation rejects the
// resource with a *DeniedError, which the runner reports as errored and
// retries at the resync interval.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.WithRunnerID(runnerID))
//	if err != nil {
//	    return err
//	}
//	if err := eng.Watch(ctx, []string{"/etc/stratus/policies"}); err != nil {
//	    return err
//	}
//	runner, err := engine.NewRunner(server, dialer, executors, tel, engine.Options{Admitter: eng})
//
// # Built-in Policies
//
//  1. image-tag - deployments pin a tag or digest; latest only warns
//  2. scale-bounds - 0 <= min <= max <= 256
//  3. ports - ports in 1..65535 with a known protocol, probes on exposed ports
//  4. managed-url - a domain, an absolute path and a complete target
//  5. database-plan - a volume, and a warning below 256MB of memory
//
// # Custom Policies
//
// A policy is a Rego module defining a deny set. Each element is a message
// string or an object:
//
//	package custom.naming
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.resource.name == ""
//	    violation := {"message": "resources must be named", "severity": "error"}
//	}
//
// The input document is {"resource": <desired resource>, "context":
// {"operation", "runner_id", "timestamp", "dry_run"}}. Elements without a
// severity take the policy's, which defaults to error for files. Only error
// and critical violations block.
//
// # Hot Reload
//
// Engine.Watch reloads every custom policy when a watched file changes. A
// reload that fails to compile keeps the previous set.
package policy
