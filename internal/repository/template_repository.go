package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/unclebandit/outreach-engine/internal/model"
)

type TemplateRepositoryInterface interface {
	// FindByName returns nil, nil when the template does not exist.
	FindByName(ctx context.Context, name string) (*model.Template, error)
	Upsert(ctx context.Context, t *model.Template) error
}

type TemplateRepository struct {
	DB *sql.DB
}

func (r *TemplateRepository) FindByName(ctx context.Context, name string) (*model.Template, error) {
	query := `
		SELECT id, name, subject, body, created_at, updated_at
		FROM templates WHERE name=$1
	`
	var t model.Template
	err := r.DB.QueryRowContext(ctx, query, name).Scan(&t.ID, &t.Name, &t.Subject, &t.Body, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *TemplateRepository) Upsert(ctx context.Context, t *model.Template) error {
	query := `
		INSERT INTO templates (name, subject, body, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE SET subject=EXCLUDED.subject, body=EXCLUDED.body, updated_at=NOW()
		RETURNING id
	`
	return r.DB.QueryRowContext(ctx, query, t.Name, t.Subject, t.Body).Scan(&t.ID)
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
