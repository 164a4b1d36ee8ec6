// ABOUTME: Distributed directory of which process owns which agent connection.
// ABOUTME: TTL-keyed, best-effort; local registry state always wins.

package directory

import "context"

// Directory publishes which gateway instance currently owns a given agent id
// and credential. It is a lagging, best-effort mirror used for cross-process
// diagnostics and duplicate-credential bookkeeping, never as a source of
// truth for local routing decisions. All write-side methods are invoked
// fire-and-forget by the registry; failures are logged and ignored.
type Directory interface {
	// Register publishes ownership records for an admitted connection.
	Register(ctx context.Context, id, credential string) error

	// Refresh extends the TTL on all records for the connection.
	Refresh(ctx context.Context, id, credential string) error

	// Remove deletes the connection's records. The credential→instance
	// record is only dropped once the credential's id set is empty.
	Remove(ctx context.Context, id, credential string) error

	// Owner returns the instance id that owns the agent id, or "" when no
	// record exists anywhere.
	Owner(ctx context.Context, id string) (string, error)

	// OwnerOfCredential returns the instance id that accepted the most
	// recent connection for the credential, or "".
	OwnerOfCredential(ctx context.Context, credential string) (string, error)

	// Members returns the agent ids recorded for a credential across the
	// deployment. Diagnostic only.
	Members(ctx context.Context, credential string) ([]string, error)

	// InstanceID identifies this process in the directory.
	InstanceID() string

	Close() error
}

// Noop is a Directory for single-process deployments and tests. It records
// nothing and never reports an owner, so every lookup miss means "not
// connected anywhere".
type Noop struct {
	Instance string
}

func (n Noop) Register(context.Context, string, string) error  { return nil }
func (n Noop) Refresh(context.Context, string, string) error   { return nil }
func (n Noop) Remove(context.Context, string, string) error    { return nil }
func (n Noop) Owner(context.Context, string) (string, error)   { return "", nil }
func (n Noop) Members(context.Context, string) ([]string, error) {
	return nil, nil
}
func (n Noop) OwnerOfCredential(context.Context, string) (string, error) {
	return "", nil
}
func (n Noop) InstanceID() string { return n.Instance }
func (n Noop) Close() error       { return nil }
