// Package persistence provides the Token Store (Component A, §4.1) and the
// OAuth CSRF state store backing Component B.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"worker_server/core/domain"
	"worker_server/core/port/out"
	"worker_server/pkg/crypto"
	"worker_server/pkg/logger"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteDialect = "sqlite3"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS azure_app_config (
	client_id TEXT PRIMARY KEY,
	client_secret TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT 'common',
	redirect_uri TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS azure_user_info (
	email TEXT PRIMARY KEY,
	azure_object_id TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	job_title TEXT NOT NULL DEFAULT '',
	department TEXT NOT NULL DEFAULT '',
	mobile_phone TEXT NOT NULL DEFAULT '',
	business_phones TEXT NOT NULL DEFAULT '',
	preferred_language TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS azure_token_info (
	email TEXT PRIMARY KEY REFERENCES azure_user_info(email) ON DELETE CASCADE,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '',
	access_token_expires_at TEXT NOT NULL,
	refresh_token_expires_at TEXT NOT NULL,
	id_token TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// OpenTokenStore opens (creating if absent) the SQLite-backed Token Store at
// path, in WAL mode for single-writer/many-reader concurrency (§4.1).
func OpenTokenStore(path string) (*TokenStoreAdapter, error) {
	db, err := sqlx.Connect("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, err
	}

	encryptionEnabled := crypto.Init() == nil
	if !encryptionEnabled {
		logger.Warn("[token store] AZURE_TOKEN_ENCRYPTION_KEY not set, tokens stored in plaintext")
	}

	return &TokenStoreAdapter{db: db, encryptionEnabled: encryptionEnabled}, nil
}

// TokenStoreAdapter implements out.TokenStore against SQLite (§4.1). Writes
// for a single user are serialized by a per-email mutex; readers proceed
// concurrently.
type TokenStoreAdapter struct {
	db                *sqlx.DB
	encryptionEnabled bool
	writeMu           sync.Map // email -> *sync.Mutex
}

var _ out.TokenStore = (*TokenStoreAdapter)(nil)

func (a *TokenStoreAdapter) lockFor(email string) *sync.Mutex {
	v, _ := a.writeMu.LoadOrStore(email, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (a *TokenStoreAdapter) encrypt(s string) string {
	if !a.encryptionEnabled || s == "" {
		return s
	}
	enc, err := crypto.EncryptToken(s)
	if err != nil {
		logger.Warn("[token store] encrypt failed, storing plaintext: %v", err)
		return s
	}
	return enc
}

func (a *TokenStoreAdapter) decrypt(s string) string {
	if s == "" || !crypto.IsEncrypted(s) {
		return s
	}
	dec, err := crypto.DecryptToken(s)
	if err != nil {
		return s
	}
	return dec
}

// parseTimestamp tolerates ISO-8601 both with and without a trailing Z (§4.1).
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// SaveUser upserts UserRecord (§4.1 save_user).
func (a *TokenStoreAdapter) SaveUser(ctx context.Context, email string, profile *domain.GraphProfile) (*domain.UserRecord, error) {
	lock := a.lockFor(email)
	lock.Lock()
	defer lock.Unlock()

	now := formatTimestamp(time.Now())
	rec := profile.ToUserRecord()

	phones := ""
	for i, p := range rec.BusinessPhones {
		if i > 0 {
			phones += ","
		}
		phones += p
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO azure_user_info (email, azure_object_id, display_name, job_title, department, mobile_phone, business_phones, preferred_language, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			azure_object_id=excluded.azure_object_id, display_name=excluded.display_name,
			job_title=excluded.job_title, department=excluded.department, mobile_phone=excluded.mobile_phone,
			business_phones=excluded.business_phones, preferred_language=excluded.preferred_language,
			updated_at=excluded.updated_at`,
		email, rec.AzureObjectID, rec.DisplayName, rec.JobTitle, rec.Department, rec.MobilePhone, phones, rec.PreferredLanguage, now, now)
	if err != nil {
		return nil, err
	}
	return a.getUserLocked(ctx, email)
}

func (a *TokenStoreAdapter) getUserLocked(ctx context.Context, email string) (*domain.UserRecord, error) {
	var row struct {
		Email             string `db:"email"`
		AzureObjectID     string `db:"azure_object_id"`
		DisplayName       string `db:"display_name"`
		JobTitle          string `db:"job_title"`
		Department        string `db:"department"`
		MobilePhone       string `db:"mobile_phone"`
		BusinessPhones    string `db:"business_phones"`
		PreferredLanguage string `db:"preferred_language"`
		CreatedAt         string `db:"created_at"`
		UpdatedAt         string `db:"updated_at"`
	}
	err := a.db.GetContext(ctx, &row, `SELECT * FROM azure_user_info WHERE email = ?`, email)
	if err != nil {
		return nil, err
	}
	return &domain.UserRecord{
		Email: row.Email, AzureObjectID: row.AzureObjectID, DisplayName: row.DisplayName,
		JobTitle: row.JobTitle, Department: row.Department, MobilePhone: row.MobilePhone,
		PreferredLanguage: row.PreferredLanguage,
		CreatedAt:         parseTimestamp(row.CreatedAt), UpdatedAt: parseTimestamp(row.UpdatedAt),
	}, nil
}

// SaveToken upserts TokenRecord (§4.1 save_token): refresh-token expiry is
// computed as now+90d if a refresh token is present.
func (a *TokenStoreAdapter) SaveToken(ctx context.Context, email string, info *domain.TokenInfo) (*domain.TokenRecord, error) {
	lock := a.lockFor(email)
	lock.Lock()
	defer lock.Unlock()
	return a.upsertTokenLocked(ctx, email, info)
}

func (a *TokenStoreAdapter) upsertTokenLocked(ctx context.Context, email string, info *domain.TokenInfo) (*domain.TokenRecord, error) {
	now := time.Now().UTC()
	accessExpiry := now.Add(time.Duration(info.ExpiresIn) * time.Second)

	// Preserve refresh-token expiry across an update that doesn't carry a new
	// refresh token, otherwise compute the flat 90-day window (§4.1, §9).
	refreshExpiry := now.Add(domain.DefaultRefreshTokenLifetime)
	if info.RefreshToken == "" {
		if existing, _ := a.getTokenLocked(ctx, email); existing != nil {
			refreshExpiry = existing.RefreshTokenExpresAt
		}
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO azure_token_info (email, access_token, refresh_token, scope, access_token_expires_at, refresh_token_expires_at, id_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			access_token=excluded.access_token,
			refresh_token=CASE WHEN excluded.refresh_token = '' THEN azure_token_info.refresh_token ELSE excluded.refresh_token END,
			scope=excluded.scope,
			access_token_expires_at=excluded.access_token_expires_at,
			refresh_token_expires_at=excluded.refresh_token_expires_at,
			id_token=excluded.id_token,
			updated_at=excluded.updated_at`,
		email, a.encrypt(info.AccessToken), a.encrypt(info.RefreshToken), info.Scope,
		formatTimestamp(accessExpiry), formatTimestamp(refreshExpiry), info.IDToken,
		formatTimestamp(now), formatTimestamp(now))
	if err != nil {
		return nil, err
	}
	return a.getTokenLocked(ctx, email)
}

func (a *TokenStoreAdapter) getTokenLocked(ctx context.Context, email string) (*domain.TokenRecord, error) {
	var row struct {
		Email                 string `db:"email"`
		AccessToken           string `db:"access_token"`
		RefreshToken          string `db:"refresh_token"`
		Scope                 string `db:"scope"`
		AccessTokenExpiresAt  string `db:"access_token_expires_at"`
		RefreshTokenExpiresAt string `db:"refresh_token_expires_at"`
		IDToken               string `db:"id_token"`
		CreatedAt             string `db:"created_at"`
		UpdatedAt             string `db:"updated_at"`
	}
	err := a.db.GetContext(ctx, &row, `SELECT * FROM azure_token_info WHERE email = ?`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.TokenRecord{
		Email:                row.Email,
		AccessToken:          a.decrypt(row.AccessToken),
		RefreshToken:         a.decrypt(row.RefreshToken),
		Scope:                row.Scope,
		AccessTokenExpiresAt: parseTimestamp(row.AccessTokenExpiresAt),
		RefreshTokenExpresAt: parseTimestamp(row.RefreshTokenExpiresAt),
		IDToken:              row.IDToken,
		CreatedAt:            parseTimestamp(row.CreatedAt),
		UpdatedAt:            parseTimestamp(row.UpdatedAt),
	}, nil
}

// GetToken returns the token for email, or nil if absent (§4.1 get_token).
func (a *TokenStoreAdapter) GetToken(ctx context.Context, email string) (*domain.TokenRecord, error) {
	return a.getTokenLocked(ctx, email)
}

// UpdateToken is an alias for SaveToken (§4.1).
func (a *TokenStoreAdapter) UpdateToken(ctx context.Context, email string, info *domain.TokenInfo) (*domain.TokenRecord, error) {
	return a.SaveToken(ctx, email, info)
}

// DeleteToken removes the TokenRecord for email (§4.1 delete_token).
func (a *TokenStoreAdapter) DeleteToken(ctx context.Context, email string) error {
	lock := a.lockFor(email)
	lock.Lock()
	defer lock.Unlock()
	_, err := a.db.ExecContext(ctx, `DELETE FROM azure_token_info WHERE email = ?`, email)
	return err
}

// ListUsers joins UserRecord with TokenRecord, flagging has_valid_token
// (§4.1 list_users).
func (a *TokenStoreAdapter) ListUsers(ctx context.Context) ([]domain.UserWithTokenStatus, error) {
	ds := goqu.Dialect(sqliteDialect).From(goqu.T("azure_user_info").As("u")).
		LeftJoin(goqu.T("azure_token_info").As("t"), goqu.On(goqu.Ex{"u.email": goqu.I("t.email")})).
		Select(
			goqu.I("u.email"), goqu.I("u.azure_object_id"), goqu.I("u.display_name"),
			goqu.I("u.job_title"), goqu.I("u.department"), goqu.I("u.mobile_phone"),
			goqu.I("u.preferred_language"), goqu.I("u.created_at"), goqu.I("u.updated_at"),
			goqu.I("t.access_token_expires_at"),
		).
		Order(goqu.I("u.email").Asc())

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	var result []domain.UserWithTokenStatus
	for rows.Next() {
		var email, objID, displayName, jobTitle, dept, phone, lang, createdAt, updatedAt string
		var expiresAt sql.NullString
		if err := rows.Scan(&email, &objID, &displayName, &jobTitle, &dept, &phone, &lang, &createdAt, &updatedAt, &expiresAt); err != nil {
			return nil, err
		}
		hasValid := false
		if expiresAt.Valid {
			hasValid = parseTimestamp(expiresAt.String).After(now)
		}
		result = append(result, domain.UserWithTokenStatus{
			User: &domain.UserRecord{
				Email: email, AzureObjectID: objID, DisplayName: displayName, JobTitle: jobTitle,
				Department: dept, MobilePhone: phone, PreferredLanguage: lang,
				CreatedAt: parseTimestamp(createdAt), UpdatedAt: parseTimestamp(updatedAt),
			},
			HasValidToken: hasValid,
		})
	}
	return result, rows.Err()
}

// CleanupExpiredTokens deletes token rows whose access or refresh expiry has
// passed, returning the count removed (§4.1 cleanup_expired_tokens).
func (a *TokenStoreAdapter) CleanupExpiredTokens(ctx context.Context) (int, error) {
	now := formatTimestamp(time.Now())
	res, err := a.db.ExecContext(ctx, `
		DELETE FROM azure_token_info WHERE access_token_expires_at < ? OR refresh_token_expires_at < ?`, now, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (a *TokenStoreAdapter) Close() error {
	return a.db.Close()
}
