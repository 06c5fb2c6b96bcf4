package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// Config holds database configuration
type Config struct {
	Host            string        `env:"DB_HOST" envDefault:"localhost"`
	Port            string        `env:"DB_PORT" envDefault:"5432"`
	User            string        `env:"DB_USER" envDefault:"ctf"`
	Password        string        `env:"DB_PASSWORD" envDefault:"ctf_password"`
	DBName          string        `env:"DB_NAME" envDefault:"ctf_db"`
	SSLMode         string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"10m"`
}

// LoadConfigFromEnv loads database configuration from environment variables
func LoadConfigFromEnv() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	return &cfg, nil
}

// DSN returns the lib/pq connection string
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// NewConnection creates a new database connection with the provided configuration
func NewConnection(ctx context.Context, config *Config) (*DB, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("[Database] Connected to %s:%s/%s", config.Host, config.Port, config.DBName)
	log.Printf("[Database] Pool config: MaxOpen=%d, MaxIdle=%d", config.MaxOpenConns, config.MaxIdleConns)

	return &DB{db}, nil
}

// InitSchema creates database tables if they don't exist
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS teams (
		id INTEGER PRIMARY KEY,
		name VARCHAR(50) UNIQUE NOT NULL,
		color VARCHAR(7) NOT NULL,
		description TEXT
	);

	INSERT INTO teams (id, name, color, description) VALUES
		(1, 'Titans', '#E74C3C', 'Strength through unity, aggressive expansion'),
		(2, 'Guardians', '#3498DB', 'Protect and defend, honor above all'),
		(3, 'Phantoms', '#2ECC71', 'Speed and stealth, strike from shadows')
	ON CONFLICT (id) DO NOTHING;

	CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		username VARCHAR(50) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		team_id INTEGER NOT NULL REFERENCES teams(id),
		xp BIGINT NOT NULL DEFAULT 0 CHECK (xp >= 0),
		level INTEGER NOT NULL DEFAULT 0 CHECK (level >= 0),
		capture_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS flags (
		id UUID PRIMARY KEY,
		name VARCHAR(100) NOT NULL,
		latitude DOUBLE PRECISION NOT NULL CHECK (latitude BETWEEN -90 AND 90),
		longitude DOUBLE PRECISION NOT NULL CHECK (longitude BETWEEN -180 AND 180),
		type VARCHAR(20) NOT NULL DEFAULT 'common' CHECK (type IN ('common', 'rare', 'legendary')),
		capture_radius DOUBLE PRECISION NOT NULL DEFAULT 30 CHECK (capture_radius > 0),
		owner_team_id INTEGER REFERENCES teams(id),
		owner_user_id INTEGER REFERENCES users(id),
		captured_at TIMESTAMPTZ,
		total_captures BIGINT NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		CHECK ((owner_team_id IS NULL) = (owner_user_id IS NULL))
	);

	CREATE TABLE IF NOT EXISTS active_defenders (
		id UUID PRIMARY KEY,
		flag_id UUID UNIQUE NOT NULL REFERENCES flags(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id),
		defender_type_id INTEGER NOT NULL,
		name VARCHAR(50) NOT NULL,
		strength INTEGER NOT NULL,
		deployed_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS captures (
		id UUID PRIMARY KEY,
		flag_id UUID NOT NULL REFERENCES flags(id),
		user_id INTEGER NOT NULL REFERENCES users(id),
		team_id INTEGER NOT NULL REFERENCES teams(id),
		xp_earned BIGINT NOT NULL,
		previous_owner_team_id INTEGER REFERENCES teams(id),
		duration_held_seconds BIGINT,
		battle_occurred BOOLEAN NOT NULL DEFAULT FALSE,
		captured_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id UUID PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		type VARCHAR(50) NOT NULL,
		title VARCHAR(255) NOT NULL,
		body TEXT NOT NULL,
		data JSONB,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_users_xp ON users(xp DESC, id);
	CREATE INDEX IF NOT EXISTS idx_users_team_xp ON users(team_id, xp DESC, id);
	CREATE INDEX IF NOT EXISTS idx_flags_owner_team ON flags(owner_team_id);
	CREATE INDEX IF NOT EXISTS idx_flags_location ON flags(latitude, longitude) WHERE is_active;
	CREATE INDEX IF NOT EXISTS idx_defenders_expires_at ON active_defenders(expires_at);
	CREATE INDEX IF NOT EXISTS idx_captures_flag ON captures(flag_id, captured_at DESC);
	CREATE INDEX IF NOT EXISTS idx_captures_user ON captures(user_id);
	CREATE INDEX IF NOT EXISTS idx_captures_team ON captures(team_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at DESC);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := db.initTriggers(ctx); err != nil {
		return fmt.Errorf("failed to initialize triggers: %w", err)
	}

	log.Println("[Database] Schema initialized with indexes and triggers")
	return nil
}

// initTriggers creates database triggers for automation
func (db *DB) initTriggers(ctx context.Context) error {
	triggers := `
	CREATE OR REPLACE FUNCTION update_users_timestamp()
	RETURNS TRIGGER AS $$
	BEGIN
		NEW.updated_at = CURRENT_TIMESTAMP;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_update_users_timestamp ON users;
	CREATE TRIGGER trg_update_users_timestamp
		BEFORE UPDATE ON users
		FOR EACH ROW
		EXECUTE FUNCTION update_users_timestamp();

	-- XP and level only grow
	CREATE OR REPLACE FUNCTION guard_user_progress()
	RETURNS TRIGGER AS $$
	BEGIN
		IF NEW.xp < OLD.xp OR NEW.level < OLD.level THEN
			RAISE EXCEPTION 'progress of user % cannot decrease', OLD.id;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_guard_user_progress ON users;
	CREATE TRIGGER trg_guard_user_progress
		BEFORE UPDATE OF xp, level ON users
		FOR EACH ROW
		EXECUTE FUNCTION guard_user_progress();

	CREATE OR REPLACE FUNCTION guard_flag_captures()
	RETURNS TRIGGER AS $$
	BEGIN
		IF NEW.total_captures < OLD.total_captures THEN
			RAISE EXCEPTION 'total_captures of flag % cannot decrease', OLD.id;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_guard_flag_captures ON flags;
	CREATE TRIGGER trg_guard_flag_captures
		BEFORE UPDATE OF total_captures ON flags
		FOR EACH ROW
		EXECUTE FUNCTION guard_flag_captures();
	`

	_, err := db.ExecContext(ctx, triggers)
	return err
}
