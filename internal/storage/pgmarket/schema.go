package pgmarket

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS subscriptions (
  user_id TEXT PRIMARY KEY,
  plan TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NULL,
  loads_this_month BIGINT NOT NULL DEFAULT 0,
  bids_this_month BIGINT NOT NULL DEFAULT 0,
  usage_reset_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS vehicles (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  type TEXT NOT NULL,
  plate_number TEXT NOT NULL,
  capacity_kg DOUBLE PRECISION NOT NULL,
  active BOOLEAN NOT NULL DEFAULT TRUE,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`ALTER TABLE vehicles DROP CONSTRAINT IF EXISTS vehicles_plate_number_key`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_vehicles_active_plate ON vehicles(plate_number) WHERE active`,
		`CREATE INDEX IF NOT EXISTS idx_vehicles_owner_id ON vehicles(owner_id)`,
		`
CREATE TABLE IF NOT EXISTS loads (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  cargo_type TEXT NOT NULL DEFAULT '',
  weight_kg DOUBLE PRECISION NOT NULL,
  vehicle_types TEXT[] NOT NULL,
  pickup_address TEXT NOT NULL,
  pickup_lat DOUBLE PRECISION NULL,
  pickup_lng DOUBLE PRECISION NULL,
  delivery_address TEXT NOT NULL,
  delivery_lat DOUBLE PRECISION NULL,
  delivery_lng DOUBLE PRECISION NULL,
  pickup_date TIMESTAMPTZ NOT NULL,
  delivery_date TIMESTAMPTZ NOT NULL,
  suggested_price DOUBLE PRECISION NULL,
  currency TEXT NOT NULL,
  status TEXT NOT NULL,
  published_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_loads_status_published_at ON loads(status, published_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_loads_owner_id ON loads(owner_id)`,
		`
CREATE TABLE IF NOT EXISTS bids (
  id TEXT PRIMARY KEY,
  load_id TEXT NOT NULL REFERENCES loads(id) ON DELETE CASCADE,
  driver_id TEXT NOT NULL,
  vehicle_id TEXT NULL REFERENCES vehicles(id),
  proposed_price DOUBLE PRECISION NOT NULL CHECK (proposed_price > 0),
  message TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  reject_reason TEXT NULL,
  expires_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_bids_load_id_price ON bids(load_id, proposed_price, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bids_driver_id ON bids(driver_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_bids_pending_expires_at ON bids(expires_at) WHERE status = 'PENDING'`,
		// One pending bid per driver and load, one accepted bid per load.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_bids_pending_driver ON bids(load_id, driver_id) WHERE status = 'PENDING'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_bids_accepted_load ON bids(load_id) WHERE status = 'ACCEPTED'`,
		`
CREATE TABLE IF NOT EXISTS trips (
  id TEXT PRIMARY KEY,
  load_id TEXT NOT NULL REFERENCES loads(id),
  bid_id TEXT NOT NULL REFERENCES bids(id),
  driver_id TEXT NOT NULL,
  vehicle_id TEXT NULL,
  agreed_price DOUBLE PRECISION NOT NULL,
  status TEXT NOT NULL,
  started_at TIMESTAMPTZ NULL,
  completed_at TIMESTAMPTZ NULL,
  cancelled_at TIMESTAMPTZ NULL,
  cancel_reason TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (load_id),
  UNIQUE (bid_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_trips_driver_id ON trips(driver_id, created_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS trip_route_points (
  trip_id TEXT NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
  seq INT NOT NULL,
  lat DOUBLE PRECISION NOT NULL,
  lng DOUBLE PRECISION NOT NULL,
  recorded_at TIMESTAMPTZ NOT NULL,
  reported_at TIMESTAMPTZ,
  PRIMARY KEY (trip_id, seq)
)`,
		`ALTER TABLE trip_route_points ADD COLUMN IF NOT EXISTS reported_at TIMESTAMPTZ`,
		`
CREATE UNIQUE INDEX IF NOT EXISTS uq_route_points_reported
ON trip_route_points(trip_id, reported_at)
WHERE reported_at IS NOT NULL`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
