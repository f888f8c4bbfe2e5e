package storage

import (
	"context"
	"time"

	"checkout-svc/models"
)

// ObjectStore issues time-limited download URLs for stored objects.
//
// IssueSignedURL does not check that the object exists; callers resolve
// keys through the catalog first. ObjectExists never fails: any error is
// reported as false.
type ObjectStore interface {
	IssueSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (models.DownloadGrant, error)
	ObjectExists(ctx context.Context, objectKey string) bool
}
