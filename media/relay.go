// Package media hands out presigned URLs for encrypted attachments. The relay
// never sees attachment bytes.
package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"baatcheet/models"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"gopkg.in/op/go-logging.v1"
)

const (
	DefaultURLExpiry = 5 * time.Minute
	fileKeyLength    = 12
	uploadPrefix     = "uploads/"
)

// Relay issues upload and download URLs for authenticated callers.
type Relay struct {
	presigner  Presigner
	publicHost string
	expiry     time.Duration
	log        *logging.Logger

	newKeyID func() (string, error)
}

// NewRelay returns a relay. publicHost is the CDN host used in fileUrl.
func NewRelay(presigner Presigner, publicHost string, expiry time.Duration, log *logging.Logger) *Relay {
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}
	return &Relay{
		presigner:  presigner,
		publicHost: strings.TrimSuffix(publicHost, "/"),
		expiry:     expiry,
		log:        log,
		newKeyID:   func() (string, error) { return gonanoid.New(fileKeyLength) },
	}
}

// UploadURL reserves a fresh object key for contentType and signs a PUT.
func (r *Relay) UploadURL(ctx context.Context, identityID, contentType string) (models.UploadURLResponse, error) {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return models.UploadURLResponse{}, models.Reason(models.ErrInvalidPayload, "contentType required")
	}

	id, err := r.newKeyID()
	if err != nil {
		return models.UploadURLResponse{}, fmt.Errorf("generate file key: %w", err)
	}
	key := uploadPrefix + id + "." + subtype(contentType)

	uploadURL, err := r.presigner.PresignPut(ctx, key, contentType, r.expiry)
	if err != nil {
		return models.UploadURLResponse{}, err
	}
	r.log.Debugf("Upload URL issued to %s for %s", identityID, key)

	return models.UploadURLResponse{
		UploadURL: uploadURL,
		FileURL:   "https://" + r.publicHost + "/" + key,
		FileKey:   key,
	}, nil
}

// DownloadURL signs a GET for fileKey.
func (r *Relay) DownloadURL(ctx context.Context, identityID, fileKey string) (models.DownloadURLResponse, error) {
	fileKey = strings.TrimSpace(fileKey)
	if fileKey == "" {
		return models.DownloadURLResponse{}, models.Reason(models.ErrInvalidPayload, "fileKey required")
	}
	if strings.Contains(fileKey, "..") || strings.HasPrefix(fileKey, "/") {
		return models.DownloadURLResponse{}, models.Reason(models.ErrInvalidPayload, "Invalid fileKey")
	}

	downloadURL, err := r.presigner.PresignGet(ctx, fileKey, r.expiry)
	if err != nil {
		return models.DownloadURLResponse{}, err
	}
	r.log.Debugf("Download URL issued to %s for %s", identityID, fileKey)
	return models.DownloadURLResponse{DownloadURL: downloadURL}, nil
}

// subtype returns the MIME subtype used as the object extension, "bin" when
// contentType has none.
func subtype(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	_, sub, ok := strings.Cut(strings.TrimSpace(contentType), "/")
	sub = strings.ToLower(strings.TrimSpace(sub))
	if !ok || sub == "" {
		return "bin"
	}
	return sub
}
