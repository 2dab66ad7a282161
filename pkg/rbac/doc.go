// Package rbac evaluates resource-scoped permissions for workspace members.
//
// A user's grants are folded into a Grants snapshot keyed by workspace.
// HasPermission answers a single question against that snapshot without I/O:
//
//  1. the workspace super-admin is allowed everything
//  2. an exclusion of the permission on the resource denies it
//  3. an inclusion of the permission on the resource allows it
//  4. a grant of the permission on the resource's type allows it
//
// Authorizer wraps the evaluation with name resolution through a Registry,
// resource ownership checks and a snapshot Cache backed by a Source such as
// PostgresSource.
package rbac
