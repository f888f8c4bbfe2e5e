package models

import "time"

// DownloadGrant is a freshly minted bearer URL. It is never stored.
type DownloadGrant struct {
	ID        string
	URL       string
	ObjectKey string
	ExpiresAt time.Time
}
