package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const credentialCreate = `
INSERT INTO credentials (name, username, password, description)
VALUES ($1, $2, $3, $4)
RETURNING id, name, username, password, description, created_at, updated_at
`

type CredentialCreateParams struct {
	Name        string
	Username    string
	Password    string
	Description pgtype.Text
}

func (q *Queries) CredentialCreate(ctx context.Context, arg *CredentialCreateParams) (*Credential, error) {
	row := q.db.QueryRow(ctx, credentialCreate,
		arg.Name,
		arg.Username,
		arg.Password,
		arg.Description,
	)
	var i Credential
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Username,
		&i.Password,
		&i.Description,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return &i, err
}

const credentialList = `
SELECT id, name, username, password, description, created_at, updated_at
FROM credentials ORDER BY id ASC
`

func (q *Queries) CredentialList(ctx context.Context) ([]*Credential, error) {
	rows, err := q.db.Query(ctx, credentialList)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Credential
	for rows.Next() {
		var i Credential
		if err := rows.Scan(
			&i.ID,
			&i.Name,
			&i.Username,
			&i.Password,
			&i.Description,
			&i.CreatedAt,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, &i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const credentialFindById = `
SELECT id, name, username, password, description, created_at, updated_at
FROM credentials WHERE id = $1
`

func (q *Queries) CredentialFindById(ctx context.Context, id int64) (*Credential, error) {
	row := q.db.QueryRow(ctx, credentialFindById, id)
	var i Credential
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Username,
		&i.Password,
		&i.Description,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return &i, err
}

const credentialDelete = `
DELETE FROM credentials WHERE id = $1
`

func (q *Queries) CredentialDelete(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, credentialDelete, id)
	return err
}
