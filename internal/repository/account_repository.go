package repository

import (
	"context"
	"database/sql"
	"errors"

	"golang.org/x/oauth2"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
)

type AccountRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	ListActive(ctx context.Context) ([]*model.Account, error)
	UpdateToken(ctx context.Context, id int64, tok *oauth2.Token) error
}

type AccountRepository struct {
	DB *sql.DB
}

const accountColumns = `id, email, display_name, provider, access_token, refresh_token, token_expiry, active`

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Provider, &a.AccessToken, &a.RefreshToken, &a.TokenExpiry, &a.Active); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	a, err := scanAccount(r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("account", id)
		}
		return nil, err
	}
	return a, nil
}

func (r *AccountRepository) ListActive(ctx context.Context) ([]*model.Account, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []*model.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateToken persists a refreshed mailbox credential.
func (r *AccountRepository) UpdateToken(ctx context.Context, id int64, tok *oauth2.Token) error {
	query := `UPDATE accounts SET access_token=$2, refresh_token=$3, token_expiry=$4 WHERE id=$1`
	var expiry any
	if !tok.Expiry.IsZero() {
		expiry = tok.Expiry
	}
	_, err := r.DB.ExecContext(ctx, query, id, tok.AccessToken, tok.RefreshToken, expiry)
	return err
}

var _ AccountRepositoryInterface = (*AccountRepository)(nil)
