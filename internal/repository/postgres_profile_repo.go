package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/mindful/internal/model"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

const profileColumns = `id, username, full_name, avatar_url, email,
	streak_days, longest_streak, total_minutes_meditated, level,
	preferred_categories, created_at, updated_at`

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*model.Profile, error) {
	p := &model.Profile{}
	var username, fullName, avatarURL, email sql.NullString
	var categories pq.StringArray

	err := row.Scan(
		&p.ID, &username, &fullName, &avatarURL, &email,
		&p.StreakDays, &p.LongestStreak, &p.TotalMinutesMeditated, &p.Level,
		&categories, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Username = username.String
	p.FullName = fullName.String
	p.AvatarURL = avatarURL.String
	p.Email = email.String
	p.PreferredCategories = []string(categories)
	return p, nil
}

// SelectProfileByID は指定IDのプロフィールを取得する。
// 見つからない場合はmodel.ErrProfileNotFoundを返す。
func (r *PostgresProfileRepo) SelectProfileByID(ctx context.Context, id string) (*model.Profile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrProfileNotFound
	}

	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	return p, nil
}

// InsertProfileRow はIdentityに対応する初期プロフィール行を作成する。
// 既に行が存在する場合はON CONFLICT DO NOTHINGで何もせず、既存の行を返す。
func (r *PostgresProfileRepo) InsertProfileRow(ctx context.Context, identity *model.Identity) (*model.Profile, error) {
	if identity == nil {
		return nil, errors.New("identity is required")
	}
	if _, err := uuid.Parse(identity.ID); err != nil {
		return nil, fmt.Errorf("invalid identity id %q: %w", identity.ID, err)
	}

	initial := model.NewProfileForIdentity(identity, time.Now().UTC())
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (id, email, level, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		initial.ID, nullString(initial.Email), initial.Level, initial.CreatedAt, initial.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの作成に失敗しました: %w", err)
	}

	return r.SelectProfileByID(ctx, identity.ID)
}

// UpdateProfile はプロフィールを部分更新し、更新後の行を返す。
// nilフィールドはCOALESCEで既存の値を維持する。
func (r *PostgresProfileRepo) UpdateProfile(ctx context.Context, id string, update model.ProfileUpdate) (*model.Profile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrProfileNotFound
	}

	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`UPDATE profiles SET
		    username = COALESCE($2, username),
		    full_name = COALESCE($3, full_name),
		    avatar_url = COALESCE($4, avatar_url),
		    preferred_categories = COALESCE($5::text[], preferred_categories),
		    updated_at = $6
		 WHERE id = $1
		 RETURNING `+profileColumns,
		id,
		optionalString(update.Username),
		optionalString(update.FullName),
		optionalString(update.AvatarURL),
		pq.Array(update.PreferredCategories),
		time.Now().UTC(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrProfileNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func optionalString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
