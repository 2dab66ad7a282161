// Package kubernetes realises runner resources as Kubernetes objects.
//
// Every workspace gets its own namespace. Objects carry the stratus.dev
// resource, workspace, runner and kind labels, which is how ListRunning finds
// them and Delete removes them. Builders are pure functions of the desired
// resource; the executors apply them with create-or-update so a repeated
// upsert leaves the cluster unchanged.
package kubernetes
