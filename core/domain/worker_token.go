package domain

import "time"

// DefaultRefreshTokenLifetime is Azure's default refresh-token window (§3, §4.1).
const DefaultRefreshTokenLifetime = 90 * 24 * time.Hour

// DefaultExpiryBuffer is how far ahead of the real expiry a token is treated
// as already expired (§4.2 is_token_expired).
const DefaultExpiryBuffer = 300 * time.Second

// TokenRecord is one record per user, foreign-keyed to UserRecord by email (§3).
type TokenRecord struct {
	Email                string     `db:"email" json:"email"`
	AccessToken          string     `db:"access_token" json:"-"`
	RefreshToken         string     `db:"refresh_token" json:"-"`
	Scope                string     `db:"scope" json:"scope"`
	AccessTokenExpiresAt time.Time  `db:"access_token_expires_at" json:"access_token_expires_at"`
	RefreshTokenExpresAt time.Time  `db:"refresh_token_expires_at" json:"refresh_token_expires_at"`
	IDToken              string     `db:"id_token" json:"-"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// TokenInfo is the wire shape exchanged with the Azure AD token endpoint and
// returned by the Auth Service's refresh/exchange operations.
type TokenInfo struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	TokenType    string
	ExpiresIn    int64 // seconds, as returned by Azure
	IDToken      string
}

// IsExpired reports whether the access token is expired, with buffer applied,
// per §4.2 is_token_expired.
func (t *TokenRecord) IsExpired(buffer time.Duration) bool {
	return !time.Now().UTC().Before(t.AccessTokenExpiresAt.Add(-buffer))
}

// IsRefreshExpired reports whether the refresh token's lifetime has elapsed,
// per §4.2 is_refresh_token_expired.
func (t *TokenRecord) IsRefreshExpired() bool {
	if t.RefreshToken == "" {
		return true
	}
	return !time.Now().UTC().Before(t.RefreshTokenExpresAt)
}

// RefreshOutcome is the sum type returned by check_and_refresh_if_needed (§4.2,
// §9 "model auth outcomes as a sum type").
type RefreshOutcome string

const (
	RefreshOutcomeValid              RefreshOutcome = "valid"
	RefreshOutcomeRefreshed          RefreshOutcome = "refreshed"
	RefreshOutcomeErrNoToken         RefreshOutcome = "error_no_token"
	RefreshOutcomeErrNoRefreshToken  RefreshOutcome = "error_no_refresh_token"
	RefreshOutcomeErrRefreshExpired  RefreshOutcome = "error_refresh_expired"
	RefreshOutcomeErrRefreshFailed   RefreshOutcome = "error_refresh_failed"
)
