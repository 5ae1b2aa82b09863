package gormdb

import "time"

// UserStatsModel is the GORM model for the user_stats table.
type UserStatsModel struct {
	UserID      string    `gorm:"primaryKey;type:text"`
	PromptCount int       `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (UserStatsModel) TableName() string { return "user_stats" }

// GuestModel is the GORM model for the guest_tracking table.
type GuestModel struct {
	FingerprintID string `gorm:"column:fingerprint_id;primaryKey;type:text"`
	PromptCount   int    `gorm:"not null"`
	LastIP        string `gorm:"column:last_ip;type:text;not null"`
}

func (GuestModel) TableName() string { return "guest_tracking" }

// IPAbuseModel is the GORM model for the ip_abuse_monitor table.
type IPAbuseModel struct {
	IPAddress      string    `gorm:"column:ip_address;primaryKey;type:text"`
	RequestCount1h int       `gorm:"column:request_count_1h;not null"`
	IsBlocked      bool      `gorm:"not null"`
	LastRequestAt  time.Time `gorm:"not null"`
}

func (IPAbuseModel) TableName() string { return "ip_abuse_monitor" }
