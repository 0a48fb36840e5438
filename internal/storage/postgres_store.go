package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/tow-dispatch/internal/models"
)

// PostgresStore implements RequestStore on Postgres. Conditional updates are
// guarded UPDATEs checked through RowsAffected, which gives the same
// compare-and-swap semantics as the in-memory store without row locks.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *models.ServiceRequest) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO service_requests(id, requester_id, service_type, lat, lon, notes, status, assigned_driver, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.RequesterID, r.ServiceType, r.Loc.Lat, r.Loc.Lon, r.Notes, r.Status, r.AssignedDriver, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, requester_id, service_type, lat, lon, notes, status, assigned_driver, COALESCE(payment_hold, ''), created_at, updated_at
		 FROM service_requests WHERE id=$1`, id)
	var r models.ServiceRequest
	err := row.Scan(&r.ID, &r.RequesterID, &r.ServiceType, &r.Loc.Lat, &r.Loc.Lon, &r.Notes, &r.Status, &r.AssignedDriver, &r.PaymentHoldID, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to models.RequestStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE service_requests SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`,
		to, time.Now(), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) Assign(ctx context.Context, id, driverID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE service_requests SET status=$1, assigned_driver=$2, updated_at=$3
		 WHERE id=$4 AND status=$5 AND assigned_driver=''`,
		models.StatusAssigned, driverID, time.Now(), id, models.StatusOffered)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) SetPaymentHold(ctx context.Context, id, holdID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE service_requests SET payment_hold=$1, updated_at=$2 WHERE id=$3`, holdID, time.Now(), id)
	return err
}
