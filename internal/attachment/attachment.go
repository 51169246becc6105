// Package attachment names, classifies and uploads files bound to incident
// records and contributions. A failed upload is recorded, never dropped.
package attachment

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// DefaultPrefix is used when no file prefix is configured
const DefaultPrefix = "fichier"

// OwnerType is the kind of record an attachment belongs to
type OwnerType string

const (
	OwnerAlerte       OwnerType = "alerte"
	OwnerContribution OwnerType = "contribution"
)

// Kind is the coarse media type, inferred from the file extension
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
)

// Status tracks the upload of an attachment
type Status string

const (
	StatusPending  Status = "pending"
	StatusUploaded Status = "uploaded"
	StatusFailed   Status = "failed"
)

// Attachment is a file bound to a parent record
type Attachment struct {
	ID           types.ID  `json:"id"`
	OwnerType    OwnerType `json:"owner_type"`
	OwnerID      types.ID  `json:"owner_id"`
	Name         string    `json:"name"`
	OriginalName string    `json:"original_name"`
	Kind         Kind      `json:"kind"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	Bucket       string    `json:"-"`
	StorageKey   string    `json:"storage_key,omitempty"`
	RemoteURL    string    `json:"remote_url,omitempty"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Uploaded reports whether the file reached object storage
func (a *Attachment) Uploaded() bool {
	return a.Status == StatusUploaded && a.RemoteURL != ""
}

var isoReplacer = strings.NewReplacer(":", "-", ".", "-")

// Rename builds a collision-resistant name:
// prefix_2024-05-01T10-22-33-123Z.JPG. The extension is kept as typed; a
// name without one gets none.
func Rename(prefix, original string, now time.Time) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	stamp := isoReplacer.Replace(now.UTC().Format("2006-01-02T15:04:05.000Z"))
	return prefix + "_" + stamp + filepath.Ext(filepath.Base(original))
}

// DetectKind classifies a file by extension, ignoring case
func DetectKind(name string) Kind {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "jpg", "jpeg", "png", "gif":
		return KindImage
	case "mp4", "mov", "avi":
		return KindVideo
	default:
		return KindDocument
	}
}

// StorageKey is the object key: <epoch millis>_<renamed>
func StorageKey(now time.Time, renamed string) string {
	return strconv.FormatInt(now.UnixMilli(), 10) + "_" + renamed
}
