package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"sqlinx/internal/core"
	"sqlinx/internal/data"

	_ "github.com/alexbrainman/odbc"
	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

const (
	DefaultConnectTimeout = 10 * time.Second

	maxOpenConns    = 5
	maxIdleConns    = 2
	connMaxLifetime = 5 * time.Minute
)

// Resolver turns a connection config into a live handle.
type Resolver struct {
	ConnectTimeout time.Duration
	// PostgresSSLMode is passed to lib/pq as sslmode.
	PostgresSSLMode string
	Logger          *slog.Logger

	open func(driverName, dsn string) (*sql.DB, error)
}

func NewResolver(timeout time.Duration, logger *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		ConnectTimeout:  timeout,
		PostgresSSLMode: "disable",
		Logger:          logger,
		open:            sql.Open,
	}
}

// Resolve opens the database described by cfg and pings it within the connect timeout.
// For sqlite-sample, cfg.FilePath must point at an initialized sample database.
func (r *Resolver) Resolve(ctx context.Context, cfg core.ConnectionConfig) (*core.Handle, error) {
	driverName, dsn, err := r.BuildDSN(cfg)
	if err != nil {
		return nil, &core.ConnectionError{Code: core.ConnConfig, Kind: cfg.Kind, Err: err}
	}

	if cfg.Kind == core.KindSQLiteUpload || cfg.Kind == core.KindSQLiteConverted {
		if _, err := os.Stat(cfg.FilePath); err != nil {
			return nil, &core.ConnectionError{Code: core.ConnConfig, Kind: cfg.Kind, Err: fmt.Errorf("database file: %w", err)}
		}
	}

	db, err := r.open(driverName, dsn)
	if err != nil {
		return nil, &core.ConnectionError{Code: core.ConnConfig, Kind: cfg.Kind, Err: err}
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, r.ConnectTimeout)
	defer cancel()

	start := time.Now()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		code := classifyConnectError(err)
		if errors.Is(pingCtx.Err(), context.DeadlineExceeded) {
			code = core.ConnTimeout
			err = fmt.Errorf("no response after %s: %w", r.ConnectTimeout, err)
		}
		r.Logger.Warn("connection failed", "target", cfg.Describe(), "code", code, "error", err)
		return nil, &core.ConnectionError{Code: code, Kind: cfg.Kind, Err: err}
	}

	r.Logger.Info("connected", "target", cfg.Describe(), "driver", driverName, "duration", time.Since(start))
	return &core.Handle{Kind: cfg.Kind, Dialect: driverName, DB: db, Config: cfg}, nil
}

// BuildDSN returns the database/sql driver name and data source name for cfg.
func (r *Resolver) BuildDSN(cfg core.ConnectionConfig) (string, string, error) {
	if cfg.Kind.IsSQLite() {
		if cfg.FilePath == "" {
			return "", "", errors.New("file path is required")
		}
		return data.SQLiteDriverName, data.SQLiteDSN(cfg.FilePath), nil
	}

	if cfg.Host == "" {
		return "", "", errors.New("host is required")
	}
	port := cfg.Port
	if port == 0 {
		port = cfg.Kind.DefaultPort()
	}
	timeoutSecs := int(r.ConnectTimeout / time.Second)
	if timeoutSecs < 1 {
		timeoutSecs = 1
	}

	switch cfg.Kind {
	case core.KindPostgres:
		return "postgres", buildPostgresDSN(cfg, port, r.PostgresSSLMode, timeoutSecs), nil

	case core.KindMySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		mc.DBName = cfg.Database
		mc.Timeout = r.ConnectTimeout
		mc.ParseTime = true
		return "mysql", mc.FormatDSN(), nil

	case core.KindSQLServer:
		if cfg.Driver != "" {
			return "odbc", buildODBCConnString(cfg, port), nil
		}
		return "sqlserver", buildSQLServerDSN(cfg, port, timeoutSecs), nil
	}

	return "", "", fmt.Errorf("unsupported kind %q", cfg.Kind)
}

func buildPostgresDSN(cfg core.ConnectionConfig, port int, sslmode string, timeoutSecs int) string {
	if sslmode == "" {
		sslmode = "disable"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("connect_timeout", strconv.Itoa(timeoutSecs))
	u.RawQuery = q.Encode()
	return u.String()
}

func buildSQLServerDSN(cfg core.ConnectionConfig, port int, timeoutSecs int) string {
	u := url.URL{
		Scheme: "sqlserver",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	q := url.Values{}
	if cfg.Database != "" {
		q.Set("database", cfg.Database)
	}
	q.Set("dial timeout", strconv.Itoa(timeoutSecs))
	u.RawQuery = q.Encode()
	return u.String()
}

// buildODBCConnString builds a SQL Server ODBC connection string. Values containing
// separators are wrapped in braces, with closing braces doubled.
func buildODBCConnString(cfg core.ConnectionConfig, port int) string {
	parts := []string{
		"DRIVER=" + odbcValue(cfg.Driver),
		"SERVER=" + odbcValue(cfg.Host+","+strconv.Itoa(port)),
	}
	if cfg.Database != "" {
		parts = append(parts, "DATABASE="+odbcValue(cfg.Database))
	}
	if cfg.User != "" {
		parts = append(parts, "UID="+odbcValue(cfg.User), "PWD="+odbcValue(cfg.Password))
	}
	return strings.Join(parts, ";")
}

func odbcValue(v string) string {
	if v == "" || strings.ContainsAny(v, ";{}= ") {
		return "{" + strings.ReplaceAll(v, "}", "}}") + "}"
	}
	return v
}

func classifyConnectError(err error) core.ConnectionCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ConnTimeout
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "28" || pqErr.Code == "3D000" {
			return core.ConnAuth
		}
		return core.ConnUnreachable
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045, 1049, 1698:
			return core.ConnAuth
		}
		return core.ConnUnreachable
	}

	var msErr mssql.Error
	if errors.As(err, &msErr) {
		switch msErr.Number {
		case 18456, 4060:
			return core.ConnAuth
		}
		return core.ConnUnreachable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.ConnTimeout
	}
	return core.ConnUnreachable
}
