package common

import (
	"github.com/google/uuid"
)

// NewBookmarkID generates a unique bookmark ID with the "bm_" prefix
func NewBookmarkID() string {
	return "bm_" + uuid.New().String()
}

// NewAssetID generates a unique asset ID with the "as_" prefix
func NewAssetID() string {
	return "as_" + uuid.New().String()
}

// NewJobID generates a unique queue job ID
func NewJobID() string {
	return uuid.New().String()
}

// NewSessionID generates a unique import session ID with the "imp_" prefix
func NewSessionID() string {
	return "imp_" + uuid.New().String()
}

// NewImportItemID generates a unique import staging item ID
func NewImportItemID() string {
	return "imi_" + uuid.New().String()
}
