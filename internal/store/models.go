package store

import "time"

const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
)

type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         string
	Department   string
	IsActive     bool
	LastLogin    *time.Time
	AuthProvider string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Subcategory struct {
	Name        string
	Description string
}

type Category struct {
	ID            string
	Name          string
	Description   string
	Subcategories []Subcategory
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasSubcategory reports whether name is one of the category's subcategories.
func (c Category) HasSubcategory(name string) bool {
	for _, sub := range c.Subcategories {
		if sub.Name == name {
			return true
		}
	}
	return false
}

// FileRef points at a stored blob.
type FileRef struct {
	Path     string
	Name     string
	Size     int64
	MimeType string
}

type Document struct {
	ID             string
	Title          string
	Description    string
	CategoryID     string
	Subcategory    string
	Tags           []string
	File           FileRef
	UploadedBy     string
	LastModifiedBy string
	ReviewDate     time.Time
	Status         string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Filled on reads only.
	CategoryName       string
	UploadedByName     string
	LastModifiedByName string
}

// DocumentPatch carries a partial update; nil fields are left unchanged.
type DocumentPatch struct {
	Title       *string
	Description *string
	CategoryID  *string
	Subcategory *string
	Tags        *[]string
	ReviewDate  *time.Time
	Status      *string
}

type DocumentFilter struct {
	CategoryID  string
	Subcategory string
	Status      string
	Search      string
	Sort        string
	Desc        bool
	Page        int
	Limit       int
}

type DocumentPage struct {
	Items []Document
	Total int
	Page  int
	Limit int
	Pages int
}

type Revision struct {
	ID            string
	DocumentID    string
	Version       int
	File          FileRef
	Changes       string
	CreatedBy     string
	CreatedByName string
	CreatedAt     time.Time
}

type Notification struct {
	ID         string
	UserID     string
	Type       string
	Title      string
	Message    string
	DocumentID string
	Read       bool
	CreatedAt  time.Time
}
