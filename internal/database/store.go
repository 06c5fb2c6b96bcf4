package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ctfgame/api/internal/geo"
	"github.com/ctfgame/api/internal/models"
	"github.com/ctfgame/api/internal/store"
	"github.com/google/uuid"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the Postgres implementation of store.Store. Flag and user rows
// are locked with SELECT ... FOR UPDATE for the life of a unit of work, always
// flag before user.
type Store struct {
	db *DB
}

var _ store.Store = (*Store)(nil)

// NewStore creates a Postgres-backed store
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

const flagColumns = `id, name, latitude, longitude, type, capture_radius,
	owner_team_id, owner_user_id, captured_at, total_captures, is_active`

func scanFlag(row interface{ Scan(...any) error }) (*models.Flag, error) {
	var (
		f          models.Flag
		tier       string
		ownerTeam  sql.NullInt64
		ownerUser  sql.NullInt64
		capturedAt sql.NullTime
	)
	err := row.Scan(&f.ID, &f.Name, &f.Latitude, &f.Longitude, &tier, &f.CaptureRadius,
		&ownerTeam, &ownerUser, &capturedAt, &f.TotalCaptures, &f.IsActive)
	if err != nil {
		return nil, err
	}
	f.Tier = models.FlagTier(tier)
	f.OwnerTeamID = intPtr(ownerTeam)
	f.OwnerUserID = intPtr(ownerUser)
	if capturedAt.Valid {
		t := capturedAt.Time
		f.CapturedAt = &t
	}
	return &f, nil
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

// WithFlagLock implements store.Store
func (s *Store) WithFlagLock(ctx context.Context, flagID uuid.UUID, fn func(tx store.FlagTx, flag *models.Flag) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	flag, err := scanFlag(tx.QueryRowContext(ctx,
		`SELECT `+flagColumns+` FROM flags WHERE id = $1 FOR UPDATE`, flagID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock flag: %w", err)
	}

	if err := fn(&pgTx{q: tx}, flag); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit capture: %w", err)
	}
	return nil
}

// WithUserLock implements store.Store
func (s *Store) WithUserLock(ctx context.Context, fn func(tx store.UserTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit progress: %w", err)
	}
	return nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Printf("[Database] Rollback failed: %v", err)
	}
}

// GetFlag implements store.Store
func (s *Store) GetFlag(ctx context.Context, flagID uuid.UUID) (*models.Flag, error) {
	flag, err := scanFlag(s.db.QueryRowContext(ctx,
		`SELECT `+flagColumns+` FROM flags WHERE id = $1`, flagID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flag: %w", err)
	}
	return flag, nil
}

// ActiveFlagsWithin implements store.Store
func (s *Store) ActiveFlagsWithin(ctx context.Context, box geo.Box) ([]models.Flag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE is_active
		  AND latitude BETWEEN $1 AND $2
		  AND longitude BETWEEN $3 AND $4`,
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby flags: %w", err)
	}
	defer rows.Close()

	flags := []models.Flag{}
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		flags = append(flags, *f)
	}
	return flags, rows.Err()
}

// GetDefender implements store.Store
func (s *Store) GetDefender(ctx context.Context, flagID uuid.UUID) (*models.Defender, error) {
	return getDefender(ctx, s.db, flagID, false)
}

const defenderColumns = `id, flag_id, user_id, defender_type_id, name, strength, deployed_at, expires_at`

func getDefender(ctx context.Context, q querier, flagID uuid.UUID, lock bool) (*models.Defender, error) {
	query := `SELECT ` + defenderColumns + ` FROM active_defenders WHERE flag_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var d models.Defender
	err := q.QueryRowContext(ctx, query, flagID).Scan(
		&d.ID, &d.FlagID, &d.UserID, &d.DefenderTypeID, &d.Name, &d.Strength, &d.DeployedAt, &d.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get defender: %w", err)
	}
	return &d, nil
}

// RecentCaptures implements store.Store
func (s *Store) RecentCaptures(ctx context.Context, flagID uuid.UUID, limit int) ([]models.CaptureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flag_id, user_id, team_id, xp_earned, previous_owner_team_id,
			duration_held_seconds, battle_occurred, captured_at
		FROM captures
		WHERE flag_id = $1
		ORDER BY captured_at DESC, id
		LIMIT $2`, flagID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()

	records := make([]models.CaptureRecord, 0, limit)
	for rows.Next() {
		var (
			rec      models.CaptureRecord
			previous sql.NullInt64
			held     sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.FlagID, &rec.UserID, &rec.TeamID, &rec.XPEarned,
			&previous, &held, &rec.BattleOccurred, &rec.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		rec.PreviousOwnerTeamID = intPtr(previous)
		if held.Valid {
			secs := held.Int64
			rec.DurationHeldSeconds = &secs
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetUserProgress implements store.Store
func (s *Store) GetUserProgress(ctx context.Context, userID int) (*models.UserProgress, error) {
	return getProgress(ctx, s.db, userID, false)
}

func getProgress(ctx context.Context, q querier, userID int, lock bool) (*models.UserProgress, error) {
	query := `SELECT id, username, team_id, xp, level, capture_count FROM users WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var p models.UserProgress
	err := q.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.Username, &p.TeamID, &p.XP, &p.Level, &p.CaptureCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user progress: %w", err)
	}
	return &p, nil
}

// TopUsers implements store.Store
func (s *Store) TopUsers(ctx context.Context, limit, offset int) ([]models.LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, team_id, xp, level
		FROM users
		ORDER BY xp DESC, id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	entries := make([]models.LeaderboardEntry, 0, limit)
	for rows.Next() {
		e := models.LeaderboardEntry{Rank: int64(offset + len(entries) + 1)}
		if err := rows.Scan(&e.UserID, &e.Username, &e.TeamID, &e.XP, &e.Level); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UserRank implements store.Store. Ties rank by id, as in TopUsers.
func (s *Store) UserRank(ctx context.Context, userID int) (*models.LeaderboardEntry, error) {
	e := models.LeaderboardEntry{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT u.username, u.team_id, u.xp, u.level,
			(SELECT COUNT(*) + 1 FROM users o
			 WHERE o.xp > u.xp OR (o.xp = u.xp AND o.id < u.id))
		FROM users u
		WHERE u.id = $1`, userID,
	).Scan(&e.Username, &e.TeamID, &e.XP, &e.Level, &e.Rank)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rank for user %d: %w", userID, err)
	}
	return &e, nil
}

// TeamStats implements store.Store
func (s *Store) TeamStats(ctx context.Context, teamID, topMembers int) (*models.TeamStats, error) {
	stats := &models.TeamStats{TeamID: teamID}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users WHERE team_id = $1),
			(SELECT COUNT(*) FROM flags WHERE is_active AND owner_team_id = $1),
			(SELECT COUNT(*) FROM captures WHERE team_id = $1),
			(SELECT COALESCE(SUM(xp), 0) FROM users WHERE team_id = $1),
			(SELECT COALESCE(AVG(level), 0) FROM users WHERE team_id = $1)`, teamID,
	).Scan(&stats.MemberCount, &stats.FlagsControlled, &stats.TotalCaptures, &stats.TotalTeamXP, &stats.AvgLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats for team %d: %w", teamID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, team_id, xp, level
		FROM users
		WHERE team_id = $1
		ORDER BY xp DESC, id
		LIMIT $2`, teamID, topMembers)
	if err != nil {
		return nil, fmt.Errorf("failed to query team members: %w", err)
	}
	defer rows.Close()

	stats.TopMembers = make([]models.LeaderboardEntry, 0, topMembers)
	for rows.Next() {
		e := models.LeaderboardEntry{Rank: int64(len(stats.TopMembers) + 1)}
		if err := rows.Scan(&e.UserID, &e.Username, &e.TeamID, &e.XP, &e.Level); err != nil {
			return nil, fmt.Errorf("failed to scan team member: %w", err)
		}
		stats.TopMembers = append(stats.TopMembers, e)
	}
	return stats, rows.Err()
}

// GetUserByUsername implements store.Store
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, team_id, created_at FROM users WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.TeamID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// InsertNotification implements store.Store
func (s *Store) InsertNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("failed to encode notification data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, body, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, n.Type, n.Title, n.Body, data, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// DeleteExpiredDefenders implements store.Store. Rows locked by an in-flight
// capture are waited on, never removed underneath it.
func (s *Store) DeleteExpiredDefenders(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM active_defenders WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired defenders: %w", err)
	}
	return res.RowsAffected()
}

// pgTx implements store.FlagTx and store.UserTx on one transaction
type pgTx struct {
	q querier
}

func (t *pgTx) GetDefender(ctx context.Context, flagID uuid.UUID) (*models.Defender, error) {
	return getDefender(ctx, t.q, flagID, true)
}

func (t *pgTx) UpsertDefender(ctx context.Context, d *models.Defender) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO active_defenders (`+defenderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (flag_id) DO UPDATE SET
			id = EXCLUDED.id,
			user_id = EXCLUDED.user_id,
			defender_type_id = EXCLUDED.defender_type_id,
			name = EXCLUDED.name,
			strength = EXCLUDED.strength,
			deployed_at = EXCLUDED.deployed_at,
			expires_at = EXCLUDED.expires_at`,
		d.ID, d.FlagID, d.UserID, d.DefenderTypeID, d.Name, d.Strength, d.DeployedAt, d.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert defender: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteDefender(ctx context.Context, flagID uuid.UUID) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM active_defenders WHERE flag_id = $1`, flagID); err != nil {
		return fmt.Errorf("failed to delete defender: %w", err)
	}
	return nil
}

func (t *pgTx) LockUserProgress(ctx context.Context, userID int) (*models.UserProgress, error) {
	return getProgress(ctx, t.q, userID, true)
}

func (t *pgTx) SaveUserProgress(ctx context.Context, p *models.UserProgress) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE users SET xp = $2, level = $3, capture_count = $4 WHERE id = $1`,
		p.UserID, p.XP, p.Level, p.CaptureCount)
	if err != nil {
		return fmt.Errorf("failed to save user progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", p.UserID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpdateFlag(ctx context.Context, f *models.Flag) error {
	var capturedAt sql.NullTime
	if f.CapturedAt != nil {
		capturedAt = sql.NullTime{Time: *f.CapturedAt, Valid: true}
	}

	_, err := t.q.ExecContext(ctx, `
		UPDATE flags
		SET owner_team_id = $2, owner_user_id = $3, captured_at = $4, total_captures = $5
		WHERE id = $1`,
		f.ID, nullInt(f.OwnerTeamID), nullInt(f.OwnerUserID), capturedAt, f.TotalCaptures)
	if err != nil {
		return fmt.Errorf("failed to update flag: %w", err)
	}
	return nil
}

func (t *pgTx) InsertCapture(ctx context.Context, rec *models.CaptureRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	var held sql.NullInt64
	if rec.DurationHeldSeconds != nil {
		held = sql.NullInt64{Int64: *rec.DurationHeldSeconds, Valid: true}
	}

	_, err := t.q.ExecContext(ctx, `
		INSERT INTO captures (id, flag_id, user_id, team_id, xp_earned, previous_owner_team_id,
			duration_held_seconds, battle_occurred, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.FlagID, rec.UserID, rec.TeamID, rec.XPEarned, nullInt(rec.PreviousOwnerTeamID),
		held, rec.BattleOccurred, rec.CapturedAt)
	if err != nil {
		return fmt.Errorf("failed to insert capture: %w", err)
	}
	return nil
}
