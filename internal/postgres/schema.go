package postgres

import "context"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		price_cents BIGINT NOT NULL CHECK (price_cents > 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS products_name_key ON products (lower(name))`,
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		wallet_cents BIGINT NOT NULL CHECK (wallet_cents >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		product_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS orders_pending_idx ON orders (updated_at) WHERE status IN ('created', 'error')`,
	`CREATE TABLE IF NOT EXISTS payments (
		order_id BIGINT PRIMARY KEY REFERENCES orders(id),
		user_id BIGINT NOT NULL,
		amount_cents BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		consumer TEXT NOT NULL,
		event_id TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (consumer, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id BIGSERIAL PRIMARY KEY,
		queue TEXT NOT NULL,
		kind TEXT NOT NULL,
		order_id BIGINT NOT NULL,
		payload JSONB NOT NULL,
		available_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_due_idx ON outbox (available_at) WHERE published_at IS NULL`,
}

// InitSchema creates the saga tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
