package chats

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LinkPreviews stores the previews referenced by text entries. Crawling
// happens elsewhere; this service only records pending and crawled rows.
type LinkPreviews struct {
	*store
}

// LinkPreviewIDFromURL derives the preview id of rawURL.
func LinkPreviewIDFromURL(rawURL string) string {
	return strconv.FormatUint(xxhash.Sum64String(normalizeURL(rawURL)), 16)
}

func normalizeURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return trimmed
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	if parsed.Path == "/" {
		parsed.Path = ""
	}
	return parsed.String()
}

func (p *LinkPreviews) Get(ctx context.Context, id string) (*LinkPreview, error) {
	var preview LinkPreview
	err := p.db.WithContext(ctx).Where("id = ?", id).Take(&preview).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		p.logError(opUpsertLinkPreview, "preview_select_failed", err, zap.String(fieldLinkPreviewID, id))
		return nil, wrapStoreError(opUpsertLinkPreview, "preview_select_failed", err)
	}
	return &preview, nil
}

// GetMany returns the stored previews among ids, keyed by id.
func (p *LinkPreviews) GetMany(ctx context.Context, ids []string) (map[string]LinkPreview, error) {
	result := make(map[string]LinkPreview, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var previews []LinkPreview
	if err := p.db.WithContext(ctx).Where("id IN ?", ids).Find(&previews).Error; err != nil {
		return nil, err
	}
	for _, preview := range previews {
		result[preview.ID] = preview
	}
	return result, nil
}

// Upsert stores a crawled preview, replacing the pending row for the same URL.
// An empty preview never replaces a crawled one.
func (p *LinkPreviews) Upsert(ctx context.Context, preview LinkPreview) (LinkPreview, error) {
	if strings.TrimSpace(preview.URL) == "" {
		err := constraintf("link preview url is required")
		return LinkPreview{}, NewServiceError(opUpsertLinkPreview, "missing_url", err)
	}
	preview.ID = LinkPreviewIDFromURL(preview.URL)
	preview.ModifiedAt = p.now()
	txErr := p.transaction(ctx, func(tx *gorm.DB) error {
		var existing LinkPreview
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", preview.ID).Take(&existing).Error
		switch {
		case isNotFound(err):
			preview.Version = p.versions.Next(0)
			return tx.Create(&preview).Error
		case err != nil:
			return err
		}
		if !preview.IsCrawled() && existing.IsCrawled() {
			preview = existing
			return nil
		}
		preview.Version = p.versions.Next(existing.Version)
		return tx.Save(&preview).Error
	})
	if txErr != nil {
		p.logError(opUpsertLinkPreview, "preview_upsert_failed", txErr, zap.String(fieldLinkPreviewID, preview.ID))
		return LinkPreview{}, wrapStoreError(opUpsertLinkPreview, "preview_upsert_failed", txErr)
	}
	return preview, nil
}

// ensurePendingLinkPreview records an uncrawled preview row for rawURL.
func ensurePendingLinkPreview(tx *gorm.DB, rawURL string, now time.Time, version int64) (string, error) {
	id := LinkPreviewIDFromURL(rawURL)
	pending := LinkPreview{ID: id, URL: normalizeURL(rawURL), Version: version, ModifiedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&pending).Error; err != nil {
		return "", err
	}
	return id, nil
}
