package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"cloudcollab/config"
	"cloudcollab/pkg/logger"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// DSN builds a postgres:// connection string from the database settings.
func DSN(c config.DatabaseConfig) (string, error) {
	if c.Host == "" || c.User == "" || c.Name == "" {
		return "", fmt.Errorf("invalid database config: host, user and name are required")
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%s", c.Host, c.Port),
		Path:   c.Name,
		User:   url.UserPassword(c.User, c.Password),
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the pool and pings it, retrying a few times in case of
// temporary DNS/network blips.
func Connect(c config.DatabaseConfig) (*sql.DB, error) {
	connStr, err := DSN(c)
	if err != nil {
		return nil, err
	}

	// Wrap lib/pq so every query becomes a span.
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, connStr)
	if err != nil {
		return nil, fmt.Errorf("open database connection: %w", err)
	}

	for i := 0; i < 5; i++ {
		if err = db.Ping(); err == nil {
			logger.Sugar.Info("Successfully connected to the database")
			return db, nil
		}
		logger.Sugar.Infof("Database connection failed, retrying in 2s... (%v)", err)
		time.Sleep(2 * time.Second)
	}
	_ = db.Close()
	return nil, fmt.Errorf("could not connect to database after retries: %w", err)
}
