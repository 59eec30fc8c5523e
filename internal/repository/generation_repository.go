package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nanobanana/imagebot/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

// Append creates the audit row in pending status and returns its id.
func (r *GenerationRepository) Append(ctx context.Context, gen *models.Generation) (int64, error) {
	const query = `
INSERT INTO generations (user_id, model, prompt, aspect_ratio, resolution, status, cost)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, gen.UserID, gen.Model, gen.Prompt, gen.AspectRatio, gen.Resolution, models.StatusPending, gen.Cost)
	if err != nil {
		return 0, fmt.Errorf("insert generation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("generation last insert id: %w", err)
	}
	return id, nil
}

// MarkStatus moves a pending row to its terminal status. The WHERE clause
// keeps terminal rows immutable.
func (r *GenerationRepository) MarkStatus(ctx context.Context, id int64, status models.GenerationStatus, tokensUsed int, resultURL string) error {
	const query = `
UPDATE generations SET status = ?, tokens_used = ?, result_url = NULLIF(?, '')
WHERE id = ? AND status = ?`
	if _, err := r.db.ExecContext(ctx, query, status, tokensUsed, resultURL, id, models.StatusPending); err != nil {
		return fmt.Errorf("update generation status: %w", err)
	}
	return nil
}

func (r *GenerationRepository) Recent(ctx context.Context, limit int) ([]models.Generation, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
SELECT id, user_id, model, prompt, aspect_ratio, resolution, status, cost, tokens_used, COALESCE(result_url, ''), created_at
FROM generations
ORDER BY created_at DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent generations: %w", err)
	}
	defer rows.Close()

	var gens []models.Generation
	for rows.Next() {
		var g models.Generation
		if err := rows.Scan(&g.ID, &g.UserID, &g.Model, &g.Prompt, &g.AspectRatio, &g.Resolution, &g.Status, &g.Cost, &g.TokensUsed, &g.ResultURL, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		gens = append(gens, g)
	}
	return gens, rows.Err()
}
