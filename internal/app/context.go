package app

import (
	"context"
	"fmt"

	"dealdesk/internal/domain"
	"dealdesk/internal/repo"
)

// ResolveProject picks the active project for a CLI invocation. It prefers
// the explicit override, then a single-project workspace.
func ResolveProject(ctx context.Context, projectOverride string, r repo.Repo) (domain.Project, error) {
	if projectOverride != "" {
		p, err := r.GetProject(ctx, projectOverride)
		if err != nil {
			return domain.Project{}, fmt.Errorf("project %s: %w", projectOverride, err)
		}
		return p, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		return domain.Project{}, fmt.Errorf("project not specified; use --project: %w", err)
	}
	return p, nil
}
