package app

import (
	"context"
	"database/sql"
	"fmt"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/migrate"
	"agentline/internal/repo"
)

// Open prepares a workspace for use: ensures the .agentline directory,
// opens the database, runs migrations, and loads agentline.yml (defaults
// when absent). Callers own closing the returned connection.
func Open(workspace string) (*sql.DB, *config.Config, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

// ResolveProject picks the project to operate on: the override when given,
// otherwise the only project in the database.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	if len(projects) == 1 {
		return projects[0].ID, nil
	}
	return "", fmt.Errorf("project not specified; use --project")
}
