package database

import "time"

// VaultRecord holds one encrypted credential. The key that sealed it is
// never stored in this database.
type VaultRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	IdentityRef string    `gorm:"uniqueIndex;not null" json:"identity_ref"`
	Scheme      string    `gorm:"not null" json:"scheme"`
	Nonce       []byte    `json:"-"`
	Ciphertext  []byte    `gorm:"not null" json:"-"`
	Tag         []byte    `json:"-"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// VaultMeta stores non-secret vault state such as the key verifier and the
// passphrase KDF salt.
type VaultMeta struct {
	Name      string    `gorm:"primaryKey" json:"name"`
	Value     []byte    `gorm:"not null" json:"-"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ConnectionLog is an append-only history of session lifecycle events.
type ConnectionLog struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	IdentityRef string    `gorm:"index;not null" json:"identity_ref"`
	Event       string    `gorm:"not null" json:"event"`
	Details     string    `json:"details"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
