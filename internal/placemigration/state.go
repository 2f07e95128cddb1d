package placemigration

import (
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
)

// ChatCopyState is the resume checkpoint of copying a chat into a place,
// keyed by the destination chat.
type ChatCopyState struct {
	ID               chats.ChatID `gorm:"column:id;primaryKey;size:190;not null"`
	SourceChatID     chats.ChatID `gorm:"column:source_chat_id;size:190;not null;index"`
	PlaceID          string       `gorm:"column:place_id;size:190;not null"`
	CorrelationID    string       `gorm:"column:correlation_id;size:128;not null;default:''"`
	LastEntryLocalID int64        `gorm:"column:last_entry_local_id;not null;default:0"`
	SourceIsPublic   bool         `gorm:"column:source_is_public;not null;default:false"`
	IsPublished      bool         `gorm:"column:is_published;not null;default:false"`
	Version          int64        `gorm:"column:version;not null"`
	UpdatedAt        time.Time    `gorm:"column:updated_at;not null"`
}

func (ChatCopyState) TableName() string {
	return "chat_copy_states"
}

// Models lists the records persisted by this package.
func Models() []any {
	return []any{&ChatCopyState{}}
}
