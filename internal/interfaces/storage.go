package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/stash/internal/models"
)

// QueueStorage persists durable job rows. Dequeue is a single atomic claim:
// the highest-priority due job is selected with group fairness, marked
// running, and leased in one storage round-trip.
type QueueStorage interface {
	InsertJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	DeleteJob(ctx context.Context, jobID string) error

	// FindOpenByIdempotencyKey returns an open (pending/running) job on the
	// queue carrying the key, or nil.
	FindOpenByIdempotencyKey(ctx context.Context, queue, key string) (*models.Job, error)

	// ClaimNext atomically claims the next due job on the queue, or returns
	// ErrNoJob when nothing is eligible.
	ClaimNext(ctx context.Context, queue string, lease time.Duration) (*models.Job, error)

	// RenewLease extends the lease on a running job (runner heartbeat).
	RenewLease(ctx context.Context, jobID string, lease time.Duration) error

	// ResetExpiredLeases returns running jobs with lapsed leases to pending.
	ResetExpiredLeases(ctx context.Context, now time.Time) (int, error)

	Stats(ctx context.Context, queue string) (*models.QueueStats, error)
	CountOpen(ctx context.Context, queue string) (int, error)
	CancelAllNonRunning(ctx context.Context, queue string) (int, error)
}

// BookmarkStorage persists bookmark rows
type BookmarkStorage interface {
	SaveBookmark(ctx context.Context, b *models.Bookmark) error
	GetBookmark(ctx context.Context, id string) (*models.Bookmark, error)
	DeleteBookmark(ctx context.Context, id string) error
	FindByURL(ctx context.Context, userID, url string) (*models.Bookmark, error)

	// UpdateBookmark applies fn to the current row and persists the result
	// under the store lock, giving read-modify-write atomicity.
	UpdateBookmark(ctx context.Context, id string, fn func(*models.Bookmark) error) (*models.Bookmark, error)
}

// AssetStorage persists asset metadata rows and the per-user quota ledger
type AssetStorage interface {
	SaveAsset(ctx context.Context, a *models.Asset) error
	GetAsset(ctx context.Context, id string) (*models.Asset, error)
	DeleteAsset(ctx context.Context, id string) error
	ListByBookmark(ctx context.Context, bookmarkID string) ([]*models.Asset, error)
	FindByRole(ctx context.Context, bookmarkID string, role models.AssetRole) (*models.Asset, error)

	// ReserveQuota atomically reserves bytes against the user's quota,
	// returning ErrQuotaExceeded when the limit would be crossed.
	ReserveQuota(ctx context.Context, userID string, bytes int64, limit int64) error
	ReleaseQuota(ctx context.Context, userID string, bytes int64) error
	QuotaUsed(ctx context.Context, userID string) (int64, error)
}

// ImportStorage persists import sessions and staging items
type ImportStorage interface {
	SaveSession(ctx context.Context, s *models.ImportSession) error
	GetSession(ctx context.Context, id string) (*models.ImportSession, error)
	ListSessionsByStatus(ctx context.Context, statuses ...models.ImportSessionStatus) ([]*models.ImportSession, error)

	SaveItem(ctx context.Context, item *models.ImportStagingItem) error
	GetItem(ctx context.Context, id string) (*models.ImportStagingItem, error)
	ListItemsByStatus(ctx context.Context, sessionID string, status models.ImportItemStatus) ([]*models.ImportStagingItem, error)
	CountItemsByStatus(ctx context.Context, sessionID string, status models.ImportItemStatus) (int, error)

	// SelectPendingCandidates returns up to limit pending items across the
	// given sessions ordered by (session.last_processed_at, item.created_at).
	SelectPendingCandidates(ctx context.Context, sessions []*models.ImportSession, limit int) ([]*models.ImportStagingItem, error)

	// ClaimItems conditionally flips pending items to processing; items
	// another claimer took first are absent from the result.
	ClaimItems(ctx context.Context, itemIDs []string, now time.Time) ([]*models.ImportStagingItem, error)

	// ListProcessing returns all items currently in processing state.
	ListProcessing(ctx context.Context) ([]*models.ImportStagingItem, error)
	CountProcessing(ctx context.Context) (int, error)
}

// RateLimitStorage persists sliding-window rate limit counters
type RateLimitStorage interface {
	// Take prunes the window, then either records a hit (allowed) or reports
	// the seconds until the oldest hit leaves the window. Atomic against
	// concurrent callers.
	Take(ctx context.Context, bucket, key string, maxRequests int, window time.Duration) (allowed bool, resetInSeconds int, err error)
}

// StorageManager aggregates all stores over one database connection
type StorageManager interface {
	QueueStorage() QueueStorage
	BookmarkStorage() BookmarkStorage
	AssetStorage() AssetStorage
	ImportStorage() ImportStorage
	RateLimitStorage() RateLimitStorage
	// RunGC reclaims storage space; safe to call while the store is in use.
	RunGC()
	Close() error
}
