// Package media stores the metadata of media items referenced by chats.
// Binary content lives elsewhere; a Media row only points at it.
package media

import (
	"fmt"
	"strings"
	"time"
)

const idSeparator = ":"

// Media is one media item owned by a scope, usually a chat.
type Media struct {
	ID          string    `gorm:"column:id;primaryKey;size:256;not null"`
	ScopeID     string    `gorm:"column:scope_id;size:190;not null;index"`
	LocalID     string    `gorm:"column:local_id;size:64;not null"`
	ContentID   string    `gorm:"column:content_id;size:512;not null;default:''"`
	ContentType string    `gorm:"column:content_type;size:128;not null;default:''"`
	Width       int       `gorm:"column:width;not null;default:0"`
	Height      int       `gorm:"column:height;not null;default:0"`
	Length      int64     `gorm:"column:length;not null;default:0"`
	Version     int64     `gorm:"column:version;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

func (Media) TableName() string {
	return "media"
}

// ComposeID returns "<scopeId>:<localId>".
func ComposeID(scopeID, localID string) string {
	return scopeID + idSeparator + localID
}

// SplitID splits a media id at its last separator, since scope ids may
// contain separators themselves.
func SplitID(mediaID string) (scopeID, localID string, err error) {
	trimmed := strings.TrimSpace(mediaID)
	index := strings.LastIndex(trimmed, idSeparator)
	if index <= 0 || index == len(trimmed)-1 {
		return "", "", fmt.Errorf("malformed media id %q", mediaID)
	}
	return trimmed[:index], trimmed[index+1:], nil
}

// ScopeOf returns the scope of mediaID, or "" when it is malformed.
func ScopeOf(mediaID string) string {
	scopeID, _, err := SplitID(mediaID)
	if err != nil {
		return ""
	}
	return scopeID
}
