package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed sql/pre_automigrate.sql
var preAutoMigrateSQL string

//go:embed sql/post_automigrate.sql
var postAutoMigrateSQL string

func (p *Pool) autoMigrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	if err := executeMigrationSQL(ctx, p, "pre-auto-migrate", preAutoMigrateSQL); err != nil {
		return err
	}

	if err := p.gdb.WithContext(ctx).AutoMigrate(autoMigrateModels()...); err != nil {
		return fmt.Errorf("gorm auto-migrate models: %w", err)
	}

	if err := executeMigrationSQL(ctx, p, "post-auto-migrate", postAutoMigrateSQL); err != nil {
		return err
	}

	return nil
}

// verifyEmbeddingDims compares the configured embedding dimension against the
// live vector columns. A mismatch is a startup configuration error, never a
// per-call runtime failure.
func (p *Pool) verifyEmbeddingDims(ctx context.Context, configuredDims int) error {
	const q = `
SELECT c.relname, a.atttypmod
FROM pg_attribute a
JOIN pg_class c ON c.oid = a.attrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = 'beacon'
  AND c.relname IN ('resources', 'members', 'candidate_embeddings')
  AND a.attname = 'embedding'
`

	rows, err := p.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("inspect embedding columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table string
		var dims int
		if err := rows.Scan(&table, &dims); err != nil {
			return fmt.Errorf("scan embedding column dims: %w", err)
		}
		if dims > 0 && dims != configuredDims {
			return fmt.Errorf(
				"embedding dimension mismatch: beacon.%s.embedding is vector(%d) but BEACON_EMBEDDING_DIMS=%d",
				table, dims, configuredDims,
			)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate embedding columns: %w", err)
	}
	return nil
}

func executeMigrationSQL(ctx context.Context, p *Pool, label, sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return nil
	}
	if err := p.gdb.WithContext(ctx).Exec(trimmed).Error; err != nil {
		return fmt.Errorf("execute %s SQL: %w", label, err)
	}
	return nil
}
