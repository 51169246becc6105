package attachment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apex/log"
	"github.com/gabriel-vasile/mimetype"

	"github.com/autonome-sdmis/platform/internal/shared/errors"
	"github.com/autonome-sdmis/platform/internal/shared/metrics"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// sniffLen is how much of a file is read to detect its content type
const sniffLen = 3072

// ObjectStore is the object storage capability of the hosted backend
type ObjectStore interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader) error
	PublicURL(bucket, key string) string
}

// File is a file received from the client
type File struct {
	Name string
	Size int64
	Body io.Reader
}

// Uploader stores files in one bucket
type Uploader struct {
	store  ObjectStore
	bucket string
	prefix string
	now    func() time.Time
}

// NewUploader creates an uploader for bucket. Files are renamed with prefix.
func NewUploader(store ObjectStore, bucket, prefix string) *Uploader {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Uploader{store: store, bucket: bucket, prefix: prefix, now: time.Now}
}

// Bucket returns the bucket files are stored in
func (u *Uploader) Bucket() string {
	return u.bucket
}

// Upload stores f and returns the attachment describing it. Upload errors
// do not fail the call: the attachment comes back with status failed, the
// error message and no remote URL, so the parent record can still be saved.
func (u *Uploader) Upload(ctx context.Context, owner OwnerType, ownerID types.ID, f File) *Attachment {
	now := u.now()
	a := &Attachment{
		ID:           types.NewID(),
		OwnerType:    owner,
		OwnerID:      ownerID,
		Name:         Rename(u.prefix, f.Name, now),
		OriginalName: f.Name,
		Kind:         DetectKind(f.Name),
		Size:         f.Size,
		Bucket:       u.bucket,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	u.put(ctx, a, f.Body, now)
	return a
}

// Retry uploads the file of a failed attachment again under a fresh key.
// Uploaded attachments are immutable. The returned attachment reflects the
// new attempt even when it fails again.
func (u *Uploader) Retry(ctx context.Context, a *Attachment, f File) (*Attachment, error) {
	if a.Status != StatusFailed {
		return nil, errors.Conflict("only failed attachments can be retried")
	}

	retried := *a
	if f.Size > 0 {
		retried.Size = f.Size
	}
	retried.Error = ""
	u.put(ctx, &retried, f.Body, u.now())

	if retried.Status != StatusUploaded {
		return &retried, errors.Upload(fmt.Errorf("retry failed: %s", retried.Error)).WithDetail("attachment_id", retried.ID.String())
	}
	return &retried, nil
}

func (u *Uploader) put(ctx context.Context, a *Attachment, body io.Reader, now time.Time) {
	a.StorageKey = StorageKey(now, a.Name)
	a.UpdatedAt = now
	a.RemoteURL = ""

	logger := log.WithFields(log.Fields{
		"attachment_id": a.ID,
		"bucket":        u.bucket,
		"key":           a.StorageKey,
	})

	if body == nil {
		u.fail(a, logger, errors.BadRequest("empty file"))
		return
	}

	header := make([]byte, sniffLen)
	n, err := io.ReadFull(body, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		u.fail(a, logger, err)
		return
	}
	header = header[:n]
	a.ContentType = mimetype.Detect(header).String()

	err = u.store.Upload(ctx, u.bucket, a.StorageKey, a.ContentType, io.MultiReader(bytes.NewReader(header), body))
	if err != nil {
		u.fail(a, logger, err)
		return
	}

	a.Status = StatusUploaded
	a.RemoteURL = u.store.PublicURL(u.bucket, a.StorageKey)
	metrics.RecordAttachmentUpload(string(a.Kind), true)
	logger.Debug("attachment uploaded")
}

func (u *Uploader) fail(a *Attachment, logger *log.Entry, err error) {
	a.Status = StatusFailed
	a.Error = err.Error()
	metrics.RecordAttachmentUpload(string(a.Kind), false)
	logger.WithError(err).Warn("attachment upload failed")
}
