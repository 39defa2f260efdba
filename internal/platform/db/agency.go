package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	AgencyIDKey contextKey = "agency_id"
	DBConnKey   contextKey = "db_conn"
	DBTxKey     contextKey = "db_tx"
)

var agencyIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName returns the Postgres schema that holds an agency's cases.
func SchemaName(agencyID string) string {
	return fmt.Sprintf("agency_%s", agencyID)
}

// AgencyMiddleware pins one pooled connection per request to the calling
// agency's schema. Every repository call in the request reuses that connection.
func AgencyMiddleware(pool *pgxpool.Pool, defaultAgency string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			agencyID := extractAgencyID(c, defaultAgency)

			if !agencyIDPattern.MatchString(agencyID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid agency identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", SchemaName(agencyID)))
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "agency resolution failed")
			}

			ctx = context.WithValue(ctx, AgencyIDKey, agencyID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("agency_id", agencyID)

			return next(c)
		}
	}
}

func extractAgencyID(c echo.Context, defaultAgency string) string {
	// 1. Session claim (set by auth middleware)
	if aid, ok := c.Get("session_agency_id").(string); ok && aid != "" {
		return aid
	}

	// 2. X-Agency-ID header
	if aid := c.Request().Header.Get("X-Agency-ID"); aid != "" {
		return aid
	}

	// 3. Query parameter
	if aid := c.QueryParam("agency_id"); aid != "" {
		return aid
	}

	return defaultAgency
}

// WithAgencyConn acquires a connection scoped to the agency schema for work that
// runs outside an HTTP request, such as scheduled detection runs.
func WithAgencyConn(ctx context.Context, pool *pgxpool.Pool, agencyID string, fn func(ctx context.Context) error) error {
	if !agencyIDPattern.MatchString(agencyID) {
		return fmt.Errorf("invalid agency identifier: %s", agencyID)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", SchemaName(agencyID))); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	ctx = context.WithValue(ctx, AgencyIDKey, agencyID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

// ConnFromContext retrieves the agency-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// AgencyFromContext retrieves the agency ID from context.
func AgencyFromContext(ctx context.Context) string {
	aid, _ := ctx.Value(AgencyIDKey).(string)
	return aid
}

// CreateAgencySchema creates the schema for an agency and applies every
// migration found in migrations. A nil migrations skips that step.
func CreateAgencySchema(ctx context.Context, pool *pgxpool.Pool, agencyID string, migrations fs.FS, logger zerolog.Logger) error {
	if !agencyIDPattern.MatchString(agencyID) {
		return fmt.Errorf("invalid agency identifier: %s", agencyID)
	}

	schema := SchemaName(agencyID)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		if _, err := NewMigrator(pool, migrations, logger).Up(ctx, agencyID, 0); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}

// ListAgencies returns the identifiers of every provisioned agency schema.
func ListAgencies(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT substring(schema_name FROM 8) FROM information_schema.schemata
		WHERE schema_name LIKE 'agency\_%' ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("list agency schemas: %w", err)
	}
	defer rows.Close()

	var agencies []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		agencies = append(agencies, id)
	}
	return agencies, rows.Err()
}
