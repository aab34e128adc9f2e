package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// APIVersion is reported by the health endpoint and checked by clients
// before starting an upload session.
const APIVersion = "1.2.0"

// DocumentStatus is the server-side lifecycle state of an uploaded document.
type DocumentStatus string

const (
	// StatusScanning means the content check has not finished yet; clients
	// keep polling while they see this value.
	StatusScanning DocumentStatus = "scanning"
	// StatusScanFailed means the scan itself errored out.
	StatusScanFailed DocumentStatus = "scan-failed"
	// StatusDownloadable means the document passed the scan.
	StatusDownloadable DocumentStatus = "downloadable"
	// StatusNotDownloadable means the document was uploaded but held back.
	StatusNotDownloadable DocumentStatus = "not-downloadable"
)

// Document represents a stored document and its scan state
type Document struct {
	ID          uuid.UUID      `json:"id" gorm:"primaryKey"`
	FileName    string         `json:"file_name" gorm:"not null"`
	ContentType string         `json:"content_type"`
	Size        int64          `json:"size"`
	SHA256      string         `json:"sha256" gorm:"index"`
	StoragePath string         `json:"-" gorm:"not null"`
	Status      DocumentStatus `json:"status" gorm:"not null;default:scanning"`
	ScanMessage string         `json:"scan_message,omitempty"`
	UploadedBy  uuid.UUID      `json:"uploaded_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// BeforeCreate generates a UUID for the document ID
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// User represents a user in the system
type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"uniqueIndex;not null"`
	Password  string    `json:"-" gorm:"not null"`
	IsActive  bool      `json:"is_active" gorm:"default:true"`
	IsAdmin   bool      `json:"is_admin" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the user ID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// APIKey represents an API key for programmatic access
type APIKey struct {
	ID         uuid.UUID  `json:"id" gorm:"primaryKey"`
	UserID     uuid.UUID  `json:"user_id" gorm:"not null"`
	Name       string     `json:"name" gorm:"not null"`
	KeyHash    string     `json:"-" gorm:"uniqueIndex;not null"`
	ExpiresAt  *time.Time `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	IsActive   bool       `json:"is_active" gorm:"default:true"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	User       User       `json:"user" gorm:"foreignKey:UserID"`
}

// BeforeCreate generates a UUID for the API key ID
func (a *APIKey) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// UploadResponse is the body returned by the upload endpoint. The document
// id key is configurable on the server, so it is serialized by hand in the
// handler rather than through struct tags.
type UploadResponse struct {
	Success    bool   `json:"success"`
	DocumentID string `json:"documentId,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ScanStatusResponse is the body returned by the status endpoint
type ScanStatusResponse struct {
	Status DocumentStatus `json:"status"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthToken represents a JWT token
type AuthToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    uuid.UUID `json:"user_id"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
