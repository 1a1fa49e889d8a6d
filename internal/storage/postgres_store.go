package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the bundled schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	b, err := migrations.ReadFile("migrations/001_create_rides.sql")
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply 001_create_rides.sql: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveRide(ctx context.Context, r models.Ride) error {
	route, err := json.Marshal(r.Route)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(id, driver_id, rider_ids, status, pooled, fare, degraded, payment_ref, route, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET driver_id=EXCLUDED.driver_id, rider_ids=EXCLUDED.rider_ids, status=EXCLUDED.status,
			pooled=EXCLUDED.pooled, fare=EXCLUDED.fare, degraded=EXCLUDED.degraded, payment_ref=EXCLUDED.payment_ref,
			route=EXCLUDED.route, created_at=EXCLUDED.created_at, updated_at=EXCLUDED.updated_at`,
		r.ID, r.Driver.ID, riderIDs(r), string(r.Status), r.Pooled, r.Route.Fare, r.Route.Degraded, r.PaymentRef, route, r.CreatedAt, r.LastUpdated)
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r models.Ride) error {
	route, err := json.Marshal(r.Route)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status=$1, fare=$2, degraded=$3, route=$4, updated_at=$5 WHERE id=$6`,
		string(r.Status), r.Route.Fare, r.Route.Degraded, route, r.LastUpdated, r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.NotFound("ride", r.ID)
	}
	return nil
}

// GetRide rebuilds a ride from the log. Rider and driver details beyond ids
// are not stored.
func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	var (
		r      models.Ride
		riders string
		status string
		route  []byte
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, driver_id, rider_ids, status, pooled, payment_ref, route, created_at, updated_at FROM rides WHERE id=$1`, id).
		Scan(&r.ID, &r.Driver.ID, &riders, &status, &r.Pooled, &r.PaymentRef, &route, &r.CreatedAt, &r.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, models.NotFound("ride", id)
	}
	if err != nil {
		return models.Ride{}, err
	}
	r.Status = models.RideStatus(status)
	for _, uid := range strings.Split(riders, ",") {
		if uid != "" {
			r.Users = append(r.Users, models.User{ID: uid})
		}
	}
	if err := json.Unmarshal(route, &r.Route); err != nil {
		return models.Ride{}, fmt.Errorf("decode route of ride %s: %w", id, err)
	}
	return r, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func riderIDs(r models.Ride) string {
	ids := make([]string, len(r.Users))
	for i, u := range r.Users {
		ids[i] = u.ID
	}
	return strings.Join(ids, ",")
}
