package tools

import (
	"context"

	"github.com/fireflydesk/flydesk/internal/auth"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// BuiltinSource serves the always-available builtin tools. It satisfies
// the prompt enricher's ToolSource.
type BuiltinSource struct {
	Deps BuiltinDeps
}

func (s BuiltinSource) ToolsFor(ctx context.Context, sess *auth.Session) ([]Tool, error) {
	return Builtins(s.Deps, sess), nil
}

// CustomSource loads the enabled custom tools from the catalog store
// and binds them to a sandbox runner.
type CustomSource struct {
	Store  storage.CatalogStore
	Runner SandboxRunner
}

func (s CustomSource) ToolsFor(ctx context.Context, sess *auth.Session) ([]Tool, error) {
	return CustomTools(ctx, s.Store, s.Runner)
}
