package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanifr/go-storefront-orders/internal/store"
)

// DocStore keeps every collection in one JSONB table keyed by
// (collection, key). Upsert-on-save makes writes idempotent.
type DocStore struct {
	DB *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, key)
)`

func NewDocStore(ctx context.Context, db *pgxpool.Pool) (*DocStore, error) {
	if _, err := db.Exec(ctx, schema); err != nil {
		return nil, err
	}
	return &DocStore{DB: db}, nil
}

func (s *DocStore) Load(ctx context.Context, collection, key string, out any) error {
	var b []byte
	err := s.DB.QueryRow(ctx,
		`SELECT doc FROM documents WHERE collection=$1 AND key=$2`,
		collection, key).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (s *DocStore) Save(ctx context.Context, collection, key string, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO documents(collection, key, doc, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`, collection, key, b)
	return err
}

func (s *DocStore) Delete(ctx context.Context, collection, key string) error {
	_, err := s.DB.Exec(ctx,
		`DELETE FROM documents WHERE collection=$1 AND key=$2`, collection, key)
	return err
}

func (s *DocStore) List(ctx context.Context, collection string, out any) error {
	rows, err := s.DB.Query(ctx,
		`SELECT doc FROM documents WHERE collection=$1 ORDER BY key`, collection)
	if err != nil {
		return err
	}
	defer rows.Close()

	slice := reflect.ValueOf(out).Elem()
	elemType := slice.Type().Elem()
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return err
		}
		v := reflect.New(elemType)
		if err := json.Unmarshal(b, v.Interface()); err != nil {
			return err
		}
		slice.Set(reflect.Append(slice, v.Elem()))
	}
	return rows.Err()
}
