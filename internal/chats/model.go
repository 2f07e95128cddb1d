package chats

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Chat is a conversation container.
type Chat struct {
	ID         ChatID    `gorm:"column:id;primaryKey;size:190;not null"`
	Kind       ChatKind  `gorm:"column:kind;size:16;not null"`
	Title      string    `gorm:"column:title;size:512;not null;default:''"`
	IsPublic   bool      `gorm:"column:is_public;not null;default:false"`
	IsArchived bool      `gorm:"column:is_archived;not null;default:false"`
	IsTemplate bool      `gorm:"column:is_template;not null;default:false"`
	SystemTag  string    `gorm:"column:system_tag;size:64;not null;default:''"`
	MediaID    string    `gorm:"column:media_id;size:256;not null;default:''"`
	Version    int64     `gorm:"column:version;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (Chat) TableName() string {
	return "chats"
}

// ChatEntry is one record of a chat's per-kind entry log.
type ChatEntry struct {
	ID                   string         `gorm:"column:id;primaryKey;size:256;not null"`
	ChatID               ChatID         `gorm:"column:chat_id;size:190;not null;uniqueIndex:idx_chat_entries_local,priority:1"`
	Kind                 EntryKind      `gorm:"column:kind;not null;uniqueIndex:idx_chat_entries_local,priority:2"`
	LocalID              int64          `gorm:"column:local_id;not null;uniqueIndex:idx_chat_entries_local,priority:3"`
	Version              int64          `gorm:"column:version;not null"`
	AuthorID             AuthorID       `gorm:"column:author_id;size:256;not null;index"`
	Content              string         `gorm:"column:content;type:text;not null;default:''"`
	BeginsAt             time.Time      `gorm:"column:begins_at;not null"`
	EndsAt               *time.Time     `gorm:"column:ends_at"`
	IsRemoved            bool           `gorm:"column:is_removed;not null;default:false"`
	IsStreaming          bool           `gorm:"column:is_streaming;not null;default:false"`
	IsSystemEntry        bool           `gorm:"column:is_system_entry;not null;default:false"`
	SystemEntry          datatypes.JSON `gorm:"column:system_entry"`
	AudioEntryID         *int64         `gorm:"column:audio_entry_id"`
	VideoEntryID         *int64         `gorm:"column:video_entry_id"`
	RepliedEntryLocalID  *int64         `gorm:"column:replied_entry_local_id"`
	ForwardedChatEntryID string         `gorm:"column:forwarded_chat_entry_id;size:256;not null;default:''"`
	ForwardedAuthorID    AuthorID       `gorm:"column:forwarded_author_id;size:256;not null;default:''"`
	LinkPreviewID        string         `gorm:"column:link_preview_id;size:64;not null;default:''"`
	HasAttachments       bool           `gorm:"column:has_attachments;not null;default:false"`
	HasReactions         bool           `gorm:"column:has_reactions;not null;default:false"`

	Attachments []Attachment `gorm:"-"`
	LinkPreview *LinkPreview `gorm:"-"`
}

func (ChatEntry) TableName() string {
	return "chat_entries"
}

func (e ChatEntry) EntryID() ChatEntryID {
	return ChatEntryID{ChatID: e.ChatID, Kind: e.Kind, LocalID: e.LocalID}
}

// DecodeSystemEntry returns the system payload of a system entry, or nil.
func (e ChatEntry) DecodeSystemEntry() (*SystemEntry, error) {
	if !e.IsSystemEntry || len(e.SystemEntry) == 0 {
		return nil, nil
	}
	var payload SystemEntry
	if err := json.Unmarshal(e.SystemEntry, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SystemEntry is the structured body of entries authored by the system.
type SystemEntry struct {
	MembersChanged *MembersChangedOption `json:"membersChanged,omitempty"`
}

// MembersChangedOption records an author joining or leaving the chat.
type MembersChangedOption struct {
	AuthorID   AuthorID `json:"authorId"`
	AuthorName string   `json:"authorName,omitempty"`
	HasLeft    bool     `json:"hasLeft"`
}

// EncodeSystemEntry serializes payload for ChatEntry.SystemEntry.
func EncodeSystemEntry(payload *SystemEntry) (datatypes.JSON, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// Attachment links a text entry to a media item.
type Attachment struct {
	ID               string `gorm:"column:id;primaryKey;size:300;not null"`
	ChatID           ChatID `gorm:"column:chat_id;size:190;not null;index"`
	EntryID          string `gorm:"column:entry_id;size:256;not null;index"`
	Index            int    `gorm:"column:attachment_index;not null"`
	MediaID          string `gorm:"column:media_id;size:256;not null"`
	ThumbnailMediaID string `gorm:"column:thumbnail_media_id;size:256;not null;default:''"`
	Version          int64  `gorm:"column:version;not null"`
}

func (Attachment) TableName() string {
	return "chat_entry_attachments"
}

func AttachmentID(entryID ChatEntryID, index int) string {
	return composeLocal(entryID.String(), int64(index))
}

// Mention records that a text entry mentions an author or a user.
type Mention struct {
	ID           string `gorm:"column:id;primaryKey;size:512;not null"`
	ChatID       ChatID `gorm:"column:chat_id;size:190;not null;index:idx_chat_mentions_entry,priority:1"`
	EntryLocalID int64  `gorm:"column:entry_local_id;not null;index:idx_chat_mentions_entry,priority:2"`
	MentionID    string `gorm:"column:mention_id;size:300;not null;index"`
}

func (Mention) TableName() string {
	return "chat_mentions"
}

func MentionRecordID(entryID ChatEntryID, mentionID string) string {
	return entryID.String() + idSeparator + mentionID
}

// AuthorMentionID returns the mention id "a:<authorId>".
func AuthorMentionID(authorID AuthorID) string {
	return "a:" + string(authorID)
}

// Reaction is one author's emoji on a text entry.
type Reaction struct {
	ID         string    `gorm:"column:id;primaryKey;size:512;not null"`
	ChatID     ChatID    `gorm:"column:chat_id;size:190;not null;index"`
	EntryID    string    `gorm:"column:entry_id;size:256;not null;index"`
	AuthorID   AuthorID  `gorm:"column:author_id;size:256;not null"`
	EmojiID    string    `gorm:"column:emoji_id;size:64;not null"`
	Version    int64     `gorm:"column:version;not null"`
	ModifiedAt time.Time `gorm:"column:modified_at;not null"`
}

func (Reaction) TableName() string {
	return "chat_reactions"
}

func ReactionID(entryID ChatEntryID, authorID AuthorID) string {
	return entryID.String() + idSeparator + string(authorID)
}

// MaxReactionSummaryAuthors bounds ReactionSummary.FirstAuthorIDs.
const MaxReactionSummaryAuthors = 10

// ReactionSummary aggregates the reactions of one emoji on one entry.
type ReactionSummary struct {
	ID             string         `gorm:"column:id;primaryKey;size:320;not null"`
	ChatID         ChatID         `gorm:"column:chat_id;size:190;not null;index"`
	EntryID        string         `gorm:"column:entry_id;size:256;not null;index"`
	EmojiID        string         `gorm:"column:emoji_id;size:64;not null"`
	Count          int64          `gorm:"column:count;not null"`
	FirstAuthorIDs datatypes.JSON `gorm:"column:first_author_ids"`
	Version        int64          `gorm:"column:version;not null"`
}

func (ReactionSummary) TableName() string {
	return "chat_reaction_summaries"
}

func ReactionSummaryID(entryID ChatEntryID, emojiID string) string {
	return entryID.String() + idSeparator + emojiID
}

// AuthorIDs decodes FirstAuthorIDs.
func (s ReactionSummary) AuthorIDs() ([]AuthorID, error) {
	if len(s.FirstAuthorIDs) == 0 {
		return nil, nil
	}
	var ids []AuthorID
	if err := json.Unmarshal(s.FirstAuthorIDs, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// SetAuthorIDs encodes ids into FirstAuthorIDs.
func (s *ReactionSummary) SetAuthorIDs(ids []AuthorID) error {
	if ids == nil {
		ids = []AuthorID{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	s.FirstAuthorIDs = datatypes.JSON(raw)
	return nil
}

// Author is a user's identity within one chat.
type Author struct {
	ID          AuthorID `gorm:"column:id;primaryKey;size:256;not null"`
	ChatID      ChatID   `gorm:"column:chat_id;size:190;not null;uniqueIndex:idx_chat_authors_local,priority:1;index:idx_chat_authors_user,priority:1"`
	LocalID     int64    `gorm:"column:local_id;not null;uniqueIndex:idx_chat_authors_local,priority:2"`
	UserID      string   `gorm:"column:user_id;size:190;not null;default:'';index:idx_chat_authors_user,priority:2"`
	IsAnonymous bool     `gorm:"column:is_anonymous;not null;default:false"`
	HasLeft     bool     `gorm:"column:has_left;not null;default:false"`
	AvatarID    string   `gorm:"column:avatar_id;size:256;not null;default:''"`
	Version     int64    `gorm:"column:version;not null"`

	RoleIDs []RoleID `gorm:"-"`
}

func (Author) TableName() string {
	return "chat_authors"
}

// AuthorRole is a stored role membership.
type AuthorRole struct {
	RoleID   RoleID   `gorm:"column:role_id;primaryKey;size:256;not null"`
	AuthorID AuthorID `gorm:"column:author_id;primaryKey;size:256;not null;index"`
}

func (AuthorRole) TableName() string {
	return "chat_author_roles"
}

// Role grants permissions to its members.
type Role struct {
	ID          RoleID      `gorm:"column:id;primaryKey;size:256;not null"`
	ChatID      ChatID      `gorm:"column:chat_id;size:190;not null;uniqueIndex:idx_chat_roles_local,priority:1"`
	LocalID     int64       `gorm:"column:local_id;not null;uniqueIndex:idx_chat_roles_local,priority:2"`
	Name        string      `gorm:"column:name;size:256;not null"`
	SystemRole  SystemRole  `gorm:"column:system_role;size:32;not null;default:''"`
	Permissions Permissions `gorm:"column:permissions;not null"`
	Picture     string      `gorm:"column:picture;size:256;not null;default:''"`
	Version     int64       `gorm:"column:version;not null"`

	AuthorIDs []AuthorID `gorm:"-"`
}

func (Role) TableName() string {
	return "chat_roles"
}

// LinkPreview is the crawled summary of a URL referenced by text entries.
type LinkPreview struct {
	ID             string    `gorm:"column:id;primaryKey;size:64;not null"`
	URL            string    `gorm:"column:url;type:text;not null"`
	Title          string    `gorm:"column:title;size:512;not null;default:''"`
	Description    string    `gorm:"column:description;type:text;not null;default:''"`
	PreviewMediaID string    `gorm:"column:preview_media_id;size:256;not null;default:''"`
	Version        int64     `gorm:"column:version;not null"`
	ModifiedAt     time.Time `gorm:"column:modified_at;not null"`
}

func (LinkPreview) TableName() string {
	return "link_previews"
}

// IsCrawled reports whether the preview body has been filled in.
func (p LinkPreview) IsCrawled() bool {
	return p.Title != "" || p.Description != "" || p.PreviewMediaID != ""
}

// entryShard anchors the per-(chat, kind) LocalId allocation lock.
type entryShard struct {
	ChatID      ChatID    `gorm:"column:chat_id;primaryKey;size:190;not null"`
	Kind        EntryKind `gorm:"column:kind;primaryKey;autoIncrement:false;not null"`
	LastLocalID int64     `gorm:"column:last_local_id;not null"`
}

func (entryShard) TableName() string {
	return "chat_entry_shards"
}

// Models lists every record persisted by this package, for schema migration.
func Models() []any {
	return []any{
		&Chat{},
		&ChatEntry{},
		&Attachment{},
		&Mention{},
		&Reaction{},
		&ReactionSummary{},
		&Author{},
		&AuthorRole{},
		&Role{},
		&LinkPreview{},
		&entryShard{},
	}
}
