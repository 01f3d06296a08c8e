// -----------------------------------------------------------------------
// Asset - Binary blob associated with a bookmark, tagged by role
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// AssetRole identifies what an asset is for
type AssetRole string

const (
	AssetRoleScreenshot        AssetRole = "screenshot"
	AssetRolePDF               AssetRole = "pdf"
	AssetRoleBannerImage       AssetRole = "banner_image"
	AssetRoleFullPageArchive   AssetRole = "full_page_archive"
	AssetRolePrecrawledArchive AssetRole = "precrawled_archive"
	AssetRoleVideo             AssetRole = "video"
	AssetRoleHTMLContent       AssetRole = "html_content"
	AssetRoleUpload            AssetRole = "upload"
)

// Asset is the metadata row for a stored blob. The bytes live in the
// filesystem blob store under the asset ID.
type Asset struct {
	ID          string    `json:"id" badgerhold:"key"`
	BookmarkID  string    `json:"bookmark_id" badgerhold:"index"`
	UserID      string    `json:"user_id" badgerhold:"index"`
	Role        AssetRole `json:"role"`
	ContentType string    `json:"content_type"`
	FileName    string    `json:"file_name,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	// PageCount is populated by asset preprocessing for PDFs
	PageCount int `json:"page_count,omitempty"`
}

// QuotaRecord is the per-user blob storage ledger. Reservations happen in the
// same transaction that admits the asset row; failed stores roll back.
type QuotaRecord struct {
	UserID        string `badgerhold:"key"`
	ReservedBytes int64  `json:"reserved_bytes"`
}
