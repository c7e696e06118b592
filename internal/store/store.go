package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"fmair/internal/config"
	"fmair/internal/models"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

// Client is a thin wrapper over the central MySQL store. It owns the
// connection pool; the sync engine receives it at construction and never
// touches ambient database state.
type Client struct {
	db     *sql.DB
	logger *zerolog.Logger
}

// New opens a pooled MySQL connection using the parameters supplied via
// configuration (MYSQL_HOST and friends). Reachability is not required at
// construction time: the client regularly starts offline.
func New(cfg config.MySQLConfig, logger *zerolog.Logger) (*Client, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.Database
	mc.Timeout = cfg.ConnectTimeout()
	mc.ReadTimeout = cfg.ConnectTimeout()
	mc.WriteTimeout = cfg.ConnectTimeout()
	mc.ParseTime = true
	mc.Params = map[string]string{"charset": "utf8mb4"}

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(5 * time.Minute)

	logger.Debug().Str("addr", mc.Addr).Str("database", cfg.Database).Msg("mysql client configured")
	return &Client{db: db, logger: logger}, nil
}

// Ping checks remote reachability. Used only for startup logging.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// EnsureSchema creates the readings table when the account has DDL rights.
// Failure is not fatal; many deployments provision the schema out of band.
func (c *Client) EnsureSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS readings (
            device_id  VARCHAR(64)  NOT NULL,
            sequence   BIGINT       NOT NULL,
            sensor_id  VARCHAR(128) NOT NULL,
            value      DOUBLE       NOT NULL,
            recorded_at BIGINT      NOT NULL,
            received_at TIMESTAMP   NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (device_id, sequence)
        )`)
	if err != nil {
		return fmt.Errorf("ensure readings schema: %w", err)
	}
	return nil
}

// WriteBatch inserts readings in one statement. The (device_id, sequence)
// key makes redelivery idempotent: a batch that was written but never
// acknowledged lands on the same rows the second time.
func (c *Client) WriteBatch(ctx context.Context, readings []models.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO readings (device_id, sequence, sensor_id, value, recorded_at) VALUES `)
	args := make([]interface{}, 0, len(readings)*5)
	for i, r := range readings {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, r.DeviceID, r.Sequence, r.SensorID, r.Value, r.Timestamp)
	}
	sb.WriteString(` ON DUPLICATE KEY UPDATE value = VALUES(value), recorded_at = VALUES(recorded_at)`)

	if _, err := c.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return 0, fmt.Errorf("write batch of %d: %w", len(readings), err)
	}
	return len(readings), nil
}

// ServerStatus reads the uplink gate from the status_server table.
// Best-effort: any error or missing row reports an empty status so the
// caller keeps delivering.
func (c *Client) ServerStatus(ctx context.Context) (string, error) {
	var status sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT status FROM status_server ORDER BY id DESC LIMIT 1`,
	).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("read server status: %w", err)
	}
	if !status.Valid {
		return "", nil
	}
	return strings.ToLower(strings.TrimSpace(status.String)), nil
}

func (c *Client) Close() error {
	return c.db.Close()
}
