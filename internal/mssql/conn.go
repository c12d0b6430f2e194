// Package mssql opens SQL Server sessions for the sync engine: connection
// URL construction, verified dialing, transient error classification with
// retry, and target database provisioning.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb" // registers the sqlserver driver
	"go.uber.org/zap"
)

const driverName = "sqlserver"

// Config describes one SQL Server session.
type Config struct {
	Server   string
	Port     int
	Database string // empty connects to the login's default database
	Username string
	Password string

	ConnectTimeout time.Duration // dial + login budget; defaults to 5s
	AppName        string
}

// DSN renders the sqlserver:// connection URL. Certificate validation is
// relaxed because branch servers ship self-signed certificates.
func (c Config) DSN() string {
	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	q := url.Values{}
	if c.Database != "" {
		q.Set("database", c.Database)
	}
	q.Set("connection timeout", strconv.Itoa(int(timeout.Seconds())))
	q.Set("dial timeout", strconv.Itoa(int(timeout.Seconds())))
	q.Set("TrustServerCertificate", "true")
	if c.AppName != "" {
		q.Set("app name", c.AppName)
	}
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Server, c.Port),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Redacted returns the DSN with the password masked, for logs.
func (c Config) Redacted() string {
	masked := c
	masked.Password = "xxxxx"
	return masked.DSN()
}

func (c Config) describe() string {
	db := c.Database
	if db == "" {
		db = "(default)"
	}
	return fmt.Sprintf("%s:%d/%s", c.Server, c.Port, db)
}

// Open dials the server and verifies the session with a retried ping.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Open(driverName, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.describe(), err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := WithRetry(ctx, func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to %s: %w", cfg.describe(), err)
	}

	logger.Debug("connected",
		zap.String("server", cfg.Server),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database))
	return db, nil
}

// EnsureDatabase creates the named database when missing. The session must
// be connected to master (or anywhere with CREATE DATABASE rights);
// CREATE DATABASE cannot run inside a transaction, so both statements
// autocommit.
func EnsureDatabase(ctx context.Context, admin *sqlx.DB, name string, logger *zap.Logger) error {
	var found string
	err := admin.QueryRowxContext(ctx, "SELECT name FROM sys.databases WHERE name = @p1", name).Scan(&found)
	switch {
	case err == nil:
		logger.Debug("database already exists", zap.String("database", name))
		return nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("check database %s: %w", name, err)
	}

	logger.Info("creating database", zap.String("database", name))
	if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+QuoteIdent(name)); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

// QuoteIdent bracket-quotes a SQL Server identifier, doubling any closing
// brackets inside the name.
func QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}
