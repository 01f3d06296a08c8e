// -----------------------------------------------------------------------
// Webhook Delivery - Signed POSTs to the configured endpoints, one queue
// job per bookmark event
// -----------------------------------------------------------------------

package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/interfaces"
	"github.com/ternarybob/stash/internal/models"
	"github.com/ternarybob/stash/internal/queue"
	badgerstorage "github.com/ternarybob/stash/internal/storage/badger"
)

const (
	headerSignature = "X-Stash-Signature"
	headerEvent     = "X-Stash-Event"
)

// Event is the delivery body POSTed to every endpoint
type Event struct {
	Event      models.WebhookEvent `json:"event"`
	BookmarkID string              `json:"bookmark_id"`
	UserID     string              `json:"user_id,omitempty"`
	Bookmark   *models.Bookmark    `json:"bookmark,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Deliverer is the webhook queue handler. A delivery succeeds only when
// every configured endpoint accepts it; partial failures retry the whole
// event, so receivers must tolerate duplicates.
type Deliverer struct {
	client     *http.Client
	bookmarks  interfaces.BookmarkStorage
	logger     arbor.ILogger
	endpoints  []string
	signingKey []byte
}

// NewDeliverer creates the webhook handler from config
func NewDeliverer(config *common.WebhookConfig, client *http.Client, bookmarks interfaces.BookmarkStorage, logger arbor.ILogger) *Deliverer {
	timeout := time.Duration(config.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	// Per-endpoint timeout rides on the request context; the client copy
	// keeps the caller's transport
	c := *client
	c.Timeout = timeout

	return &Deliverer{
		client:     &c,
		bookmarks:  bookmarks,
		logger:     logger,
		endpoints:  config.Endpoints,
		signingKey: []byte(config.SigningKey),
	}
}

// Handle delivers one bookmark event to every endpoint
func (d *Deliverer) Handle(ctx context.Context, job *models.Job, payload interface{}) error {
	pl, ok := payload.(*models.WebhookPayload)
	if !ok {
		return queue.Permanent(fmt.Errorf("unexpected payload type %T", payload))
	}
	if len(d.endpoints) == 0 {
		return nil
	}

	event := Event{
		Event:      pl.Event,
		BookmarkID: pl.BookmarkID,
		UserID:     pl.UserID,
		Timestamp:  time.Now().UTC(),
	}

	// Deleted bookmarks ship without a body snapshot
	if pl.Event != models.WebhookEventDeleted {
		b, err := d.bookmarks.GetBookmark(ctx, pl.BookmarkID)
		if err != nil && !errors.Is(err, badgerstorage.ErrBookmarkNotFound) {
			return err
		}
		event.Bookmark = b
		if event.UserID == "" && b != nil {
			event.UserID = b.UserID
		}
	}

	body, err := json.Marshal(event)
	if err != nil {
		return queue.Permanent(fmt.Errorf("event does not marshal: %w", err))
	}
	signature := d.sign(body)

	var failed []string
	for _, endpoint := range d.endpoints {
		if err := d.post(ctx, endpoint, body, signature, string(pl.Event)); err != nil {
			d.logger.Warn().Err(err).
				Str("endpoint", endpoint).
				Str("event", string(pl.Event)).
				Msg("Webhook delivery failed")
			failed = append(failed, endpoint)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("webhook delivery failed for %d of %d endpoints", len(failed), len(d.endpoints))
	}

	d.logger.Info().
		Str("event", string(pl.Event)).
		Str("bookmark_id", pl.BookmarkID).
		Int("endpoints", len(d.endpoints)).
		Msg("Webhook delivered")
	return nil
}

func (d *Deliverer) post(ctx context.Context, endpoint string, body []byte, signature, event string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, event)
	if signature != "" {
		req.Header.Set(headerSignature, signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint answered %d", resp.StatusCode)
	}
	return nil
}

// sign computes the hex HMAC-SHA256 of the body. Empty when no key is set.
func (d *Deliverer) sign(body []byte) string {
	if len(d.signingKey) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, d.signingKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
