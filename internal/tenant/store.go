package tenant

import "context"

// Store is the Tenant State Store collaborator's read surface for
// workspace configuration and catalogs (the write path and conversation
// state live in internal/store). A Postgres-backed implementation lives
// in internal/store; YAMLStore backs local/dev mode.
type Store interface {
	LoadWorkspaceConfig(ctx context.Context, workspaceID string) (*WorkspaceConfig, error)
}
