package chats

import (
	"time"
)

// ChatEntryDiff lists the fields a Create or Update sets. Nil means "keep".
type ChatEntryDiff struct {
	AuthorID             *AuthorID
	Content              *string
	BeginsAt             *time.Time
	EndsAt               *time.Time
	IsStreaming          *bool
	SystemEntry          *SystemEntry
	AudioEntryID         *int64
	VideoEntryID         *int64
	RepliedEntryLocalID  *int64
	ForwardedChatEntryID *string
	ForwardedAuthorID    *AuthorID
	LinkPreviewID        *string
	Attachments          []AttachmentInput
}

// AttachmentInput describes one attachment of a new text entry.
type AttachmentInput struct {
	MediaID          string
	ThumbnailMediaID string
}

// hasTextOnlyFields reports whether the diff carries fields only text entries may have.
func (d ChatEntryDiff) hasTextOnlyFields() bool {
	return d.AudioEntryID != nil ||
		d.VideoEntryID != nil ||
		d.RepliedEntryLocalID != nil ||
		d.ForwardedChatEntryID != nil ||
		d.ForwardedAuthorID != nil ||
		d.LinkPreviewID != nil ||
		len(d.Attachments) > 0
}

// entryChangeOutcome is the result of applying a change to the stored entry.
type entryChangeOutcome struct {
	entry          ChatEntry
	changed        bool
	contentChanged bool
}

// applyEntryChange validates change against existing and returns the new
// entry state. It never touches the store. For Create, entry.LocalID must
// already be allocated.
func applyEntryChange(existing *ChatEntry, id ChatEntryID, expectedVersion int64, change Change[ChatEntryDiff], now time.Time, nextVersion func(int64) int64) (entryChangeOutcome, error) {
	switch change.Kind() {
	case ChangeKindCreate:
		return applyEntryCreate(id, change.Diff(), now, nextVersion)
	case ChangeKindUpdate:
		return applyEntryUpdate(existing, id, expectedVersion, change.Diff(), nextVersion)
	case ChangeKindRemove:
		return applyEntryRemove(existing, id, expectedVersion, nextVersion)
	default:
		return entryChangeOutcome{}, constraintf("unknown change kind %d", int(change.Kind()))
	}
}

func applyEntryCreate(id ChatEntryID, diff ChatEntryDiff, now time.Time, nextVersion func(int64) int64) (entryChangeOutcome, error) {
	if id.Kind != EntryKindText && diff.hasTextOnlyFields() {
		return entryChangeOutcome{}, constraintf("%s entries cannot carry text entry fields", id.Kind)
	}
	if diff.AuthorID == nil || *diff.AuthorID == "" {
		return entryChangeOutcome{}, constraintf("author id is required")
	}
	if diff.AuthorID.ChatID() != id.ChatID {
		return entryChangeOutcome{}, constraintf("author %s does not belong to chat %s", *diff.AuthorID, id.ChatID)
	}
	entry := ChatEntry{
		ID:       id.String(),
		ChatID:   id.ChatID,
		Kind:     id.Kind,
		LocalID:  id.LocalID,
		Version:  nextVersion(0),
		BeginsAt: now,
	}
	if err := applyEntryDiff(&entry, diff); err != nil {
		return entryChangeOutcome{}, err
	}
	entry.AuthorID = *diff.AuthorID
	return entryChangeOutcome{entry: entry, changed: true, contentChanged: entry.Content != ""}, nil
}

func applyEntryUpdate(existing *ChatEntry, id ChatEntryID, expectedVersion int64, diff ChatEntryDiff, nextVersion func(int64) int64) (entryChangeOutcome, error) {
	if existing == nil {
		return entryChangeOutcome{}, notFoundf("chat entry %s", id)
	}
	if existing.Version != expectedVersion {
		return entryChangeOutcome{}, concurrencyf("chat entry %s has version %d, expected %d", id, existing.Version, expectedVersion)
	}
	if existing.IsRemoved {
		return entryChangeOutcome{}, constraintf("chat entry %s is removed", id)
	}
	if existing.Kind != EntryKindText && diff.hasTextOnlyFields() {
		return entryChangeOutcome{}, constraintf("%s entries cannot carry text entry fields", existing.Kind)
	}
	if diff.AuthorID != nil && *diff.AuthorID != existing.AuthorID && existing.Kind == EntryKindText {
		return entryChangeOutcome{}, constraintf("author of text entry %s cannot change", id)
	}
	contentChanged := diff.Content != nil && *diff.Content != existing.Content
	if contentChanged && existing.IsStreaming && (diff.IsStreaming == nil || *diff.IsStreaming) {
		return entryChangeOutcome{}, constraintf("chat entry %s is streaming", id)
	}
	entry := *existing
	entry.Attachments = nil
	entry.LinkPreview = nil
	if err := applyEntryDiff(&entry, diff); err != nil {
		return entryChangeOutcome{}, err
	}
	entry.Version = nextVersion(existing.Version)
	return entryChangeOutcome{entry: entry, changed: true, contentChanged: contentChanged}, nil
}

func applyEntryRemove(existing *ChatEntry, id ChatEntryID, expectedVersion int64, nextVersion func(int64) int64) (entryChangeOutcome, error) {
	if existing == nil {
		return entryChangeOutcome{}, notFoundf("chat entry %s", id)
	}
	if existing.IsRemoved {
		return entryChangeOutcome{entry: *existing, changed: false}, nil
	}
	if existing.Version != expectedVersion {
		return entryChangeOutcome{}, concurrencyf("chat entry %s has version %d, expected %d", id, existing.Version, expectedVersion)
	}
	entry := *existing
	entry.IsRemoved = true
	entry.Version = nextVersion(existing.Version)
	return entryChangeOutcome{entry: entry, changed: true}, nil
}

func applyEntryDiff(entry *ChatEntry, diff ChatEntryDiff) error {
	if diff.Content != nil {
		entry.Content = *diff.Content
	}
	if diff.BeginsAt != nil {
		entry.BeginsAt = diff.BeginsAt.UTC()
	}
	if diff.EndsAt != nil {
		endsAt := diff.EndsAt.UTC()
		if endsAt.Before(entry.BeginsAt) {
			return constraintf("entry cannot end before it begins")
		}
		entry.EndsAt = &endsAt
	}
	if diff.IsStreaming != nil {
		entry.IsStreaming = *diff.IsStreaming
	}
	if diff.SystemEntry != nil {
		raw, err := EncodeSystemEntry(diff.SystemEntry)
		if err != nil {
			return constraintf("invalid system entry: %v", err)
		}
		entry.IsSystemEntry = true
		entry.SystemEntry = raw
	}
	if diff.AudioEntryID != nil {
		entry.AudioEntryID = copyInt64(diff.AudioEntryID)
	}
	if diff.VideoEntryID != nil {
		entry.VideoEntryID = copyInt64(diff.VideoEntryID)
	}
	if diff.RepliedEntryLocalID != nil {
		entry.RepliedEntryLocalID = copyInt64(diff.RepliedEntryLocalID)
	}
	if diff.ForwardedChatEntryID != nil {
		entry.ForwardedChatEntryID = *diff.ForwardedChatEntryID
	}
	if diff.ForwardedAuthorID != nil {
		entry.ForwardedAuthorID = *diff.ForwardedAuthorID
	}
	if diff.LinkPreviewID != nil {
		entry.LinkPreviewID = *diff.LinkPreviewID
	}
	return nil
}

func copyInt64(value *int64) *int64 {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
