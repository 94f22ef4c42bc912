package models

import "time"

// Affiliate is the directory record the commission engine walks.
// SponsorId is set once at registration; the sponsor graph is assumed acyclic.
type Affiliate struct {
	ID        string    `gorm:"primary_key;size:64" json:"id"`
	UserId    string    `gorm:"size:64;index" json:"user_id"`
	SponsorId *string   `gorm:"size:64;index:idx_affiliate_sponsor_active,priority:1" json:"sponsor_id"`
	Name      string    `gorm:"size:150" json:"name"`
	Cpf       string    `gorm:"size:14;index" json:"cpf"`
	PixKey    string    `gorm:"size:140" json:"pix_key"`
	IsActive  *bool     `gorm:"not null;default:true;index:idx_affiliate_sponsor_active,priority:2" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a Affiliate) Active() bool {
	return a.IsActive != nil && *a.IsActive
}

// Sponsor returns the sponsor id, or "" for a root affiliate.
func (a Affiliate) Sponsor() string {
	if a.SponsorId == nil {
		return ""
	}
	return *a.SponsorId
}

// LedgerKey is the profile id the affiliate's ledger account is stored under.
func (a Affiliate) LedgerKey() string {
	if a.UserId != "" {
		return a.UserId
	}
	return a.ID
}
