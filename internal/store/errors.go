package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/apperr"
)

// Classify maps driver errors onto the apperr taxonomy.
//
// SQLSTATE classes 08 (connection), 40 (serialization/deadlock), 53 (resources),
// 57 (operator intervention) and network/timeout errors are transient. Integrity
// and data exceptions (22, 23) can never succeed on retry and are permanent.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, "no rows")
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Transient(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Transient(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return apperr.Transient(op, err)
		default:
			return apperr.Permanent(op, err)
		}
	}

	// Anything else came from the connection layer.
	return apperr.Transient(op, err)
}
