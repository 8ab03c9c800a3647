package domain

import "time"

// AppConfig is one record per registered Azure AD application (§3).
type AppConfig struct {
	ClientID     string    `db:"client_id" json:"client_id"`
	ClientSecret string    `db:"client_secret" json:"-"`
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	RedirectURI  string    `db:"redirect_uri" json:"redirect_uri"`
	Name         string    `db:"name" json:"name"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// DefaultTenantID is substituted when a caller does not supply one.
const DefaultTenantID = "common"
