package chats

// TextEntryChangedEvent is published after every accepted text entry change.
type TextEntryChangedEvent struct {
	Entry      ChatEntry  `json:"entry"`
	OldEntry   *ChatEntry `json:"old_entry,omitempty"`
	Author     *Author    `json:"author,omitempty"`
	ChangeKind ChangeKind `json:"change_kind"`
}

// ChatChangedEvent is published after every accepted chat change.
type ChatChangedEvent struct {
	Chat       Chat       `json:"chat"`
	OldChat    *Chat      `json:"old_chat,omitempty"`
	ChangeKind ChangeKind `json:"change_kind"`
}

// AuthorChangedEvent is published when an author joins, leaves or changes.
type AuthorChangedEvent struct {
	Author     Author     `json:"author"`
	OldAuthor  *Author    `json:"old_author,omitempty"`
	ChangeKind ChangeKind `json:"change_kind"`
}

// ReactionChangedEvent is published when a reaction is added, replaced or removed.
type ReactionChangedEvent struct {
	Reaction   Reaction   `json:"reaction"`
	Entry      ChatEntry  `json:"entry"`
	ChangeKind ChangeKind `json:"change_kind"`
}
