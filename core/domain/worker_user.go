package domain

import "time"

// UserRecord is one record per authenticated user, keyed by email (§3).
// It is upserted on every successful authentication and never deleted by
// the core itself.
type UserRecord struct {
	Email             string    `db:"email" json:"email"`
	AzureObjectID     string    `db:"azure_object_id" json:"azure_object_id"`
	DisplayName       string    `db:"display_name" json:"display_name"`
	JobTitle          string    `db:"job_title" json:"job_title,omitempty"`
	Department        string    `db:"department" json:"department,omitempty"`
	MobilePhone       string    `db:"mobile_phone" json:"mobile_phone,omitempty"`
	BusinessPhones    []string  `db:"-" json:"business_phones,omitempty"`
	BusinessPhonesRaw string    `db:"business_phones" json:"-"`
	PreferredLanguage string    `db:"preferred_language" json:"preferred_language,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// UserWithTokenStatus pairs a UserRecord with whether its current access
// token is unexpired, as returned by list_users (§4.1).
type UserWithTokenStatus struct {
	User          *UserRecord `json:"user"`
	HasValidToken bool        `json:"has_valid_token"`
}

// GraphProfile is the subset of GET /me consumed when upserting a UserRecord.
type GraphProfile struct {
	ID                string   `json:"id"`
	Mail              string   `json:"mail"`
	UserPrincipalName string   `json:"userPrincipalName"`
	DisplayName       string   `json:"displayName"`
	JobTitle          string   `json:"jobTitle"`
	Department        string   `json:"department"`
	MobilePhone       string   `json:"mobilePhone"`
	BusinessPhones    []string `json:"businessPhones"`
	PreferredLanguage string   `json:"preferredLanguage"`
}

// Email resolves the identifying address per §4.2: mail if present, else
// userPrincipalName.
func (p *GraphProfile) Email() string {
	if p.Mail != "" {
		return p.Mail
	}
	return p.UserPrincipalName
}

// ToUserRecord projects a Graph profile into the persisted shape.
func (p *GraphProfile) ToUserRecord() *UserRecord {
	return &UserRecord{
		Email:             p.Email(),
		AzureObjectID:     p.ID,
		DisplayName:       p.DisplayName,
		JobTitle:          p.JobTitle,
		Department:        p.Department,
		MobilePhone:       p.MobilePhone,
		BusinessPhones:    p.BusinessPhones,
		PreferredLanguage: p.PreferredLanguage,
	}
}
