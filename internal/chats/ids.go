package chats

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	maxIDLength        = 190
	placeChatPrefix    = "place:"
	peerChatPrefix     = "peer:"
	placeRootLocalID   = "root"
	idSeparator        = ":"
	WalleAuthorLocalID = int64(-1)
)

var (
	ErrInvalidChatID   = errors.New("invalid chat id")
	ErrInvalidAuthorID = errors.New("invalid author id")
	ErrInvalidRoleID   = errors.New("invalid role id")
	ErrInvalidEntryID  = errors.New("invalid chat entry id")
)

type ChatKind string

const (
	ChatKindGroup ChatKind = "group"
	ChatKindPeer  ChatKind = "peer"
	ChatKindPlace ChatKind = "place"
)

// ChatID identifies a chat. Group ids are plain tokens, peer ids are
// "peer:<userA>:<userB>" with sorted user ids, and place chat ids are
// "place:<placeId>:<localChatId>" where the root chat uses "root".
type ChatID string

// ParseChatID validates value and returns it as a ChatID.
func ParseChatID(value string) (ChatID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChatID)
	}
	if len(trimmed) > maxIDLength {
		return "", fmt.Errorf("%w: too long", ErrInvalidChatID)
	}
	switch {
	case strings.HasPrefix(trimmed, peerChatPrefix):
		parts := strings.Split(strings.TrimPrefix(trimmed, peerChatPrefix), idSeparator)
		if len(parts) != 2 || !isToken(parts[0]) || !isToken(parts[1]) {
			return "", fmt.Errorf("%w: malformed peer chat id %q", ErrInvalidChatID, trimmed)
		}
		if parts[0] >= parts[1] {
			return "", fmt.Errorf("%w: peer user ids must be distinct and sorted", ErrInvalidChatID)
		}
	case strings.HasPrefix(trimmed, placeChatPrefix):
		parts := strings.Split(strings.TrimPrefix(trimmed, placeChatPrefix), idSeparator)
		if len(parts) != 2 || !isToken(parts[0]) || !isToken(parts[1]) {
			return "", fmt.Errorf("%w: malformed place chat id %q", ErrInvalidChatID, trimmed)
		}
	default:
		if !isToken(trimmed) {
			return "", fmt.Errorf("%w: malformed group chat id %q", ErrInvalidChatID, trimmed)
		}
	}
	return ChatID(trimmed), nil
}

// PeerChatID returns the chat id of the peer chat between two users.
func PeerChatID(userA, userB string) (ChatID, error) {
	if userA > userB {
		userA, userB = userB, userA
	}
	return ParseChatID(peerChatPrefix + userA + idSeparator + userB)
}

// PlaceChatID returns the id of a chat inside a place.
func PlaceChatID(placeID, localChatID string) (ChatID, error) {
	return ParseChatID(placeChatPrefix + placeID + idSeparator + localChatID)
}

// PlaceRootChatID returns the id of the place's root chat.
func PlaceRootChatID(placeID string) (ChatID, error) {
	return PlaceChatID(placeID, placeRootLocalID)
}

func (id ChatID) String() string {
	return string(id)
}

func (id ChatID) Kind() ChatKind {
	switch {
	case strings.HasPrefix(string(id), peerChatPrefix):
		return ChatKindPeer
	case strings.HasPrefix(string(id), placeChatPrefix):
		return ChatKindPlace
	default:
		return ChatKindGroup
	}
}

func (id ChatID) IsPeer() bool {
	return id.Kind() == ChatKindPeer
}

func (id ChatID) IsPlace() bool {
	return id.Kind() == ChatKindPlace
}

func (id ChatID) IsPlaceRoot() bool {
	return id.IsPlace() && id.LocalChatID() == placeRootLocalID
}

// PlaceID returns the place of a place chat, or "".
func (id ChatID) PlaceID() string {
	if !id.IsPlace() {
		return ""
	}
	parts := strings.SplitN(strings.TrimPrefix(string(id), placeChatPrefix), idSeparator, 2)
	return parts[0]
}

// LocalChatID returns the chat id without its place prefix. Peer chats have none.
func (id ChatID) LocalChatID() string {
	switch id.Kind() {
	case ChatKindPlace:
		parts := strings.SplitN(strings.TrimPrefix(string(id), placeChatPrefix), idSeparator, 2)
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	case ChatKindPeer:
		return ""
	default:
		return string(id)
	}
}

// PlaceRoot returns the root chat of the place id belongs to.
func (id ChatID) PlaceRoot() ChatID {
	if !id.IsPlace() {
		return ""
	}
	return ChatID(placeChatPrefix + id.PlaceID() + idSeparator + placeRootLocalID)
}

// PeerUserIDs returns both participants of a peer chat.
func (id ChatID) PeerUserIDs() (string, string) {
	if !id.IsPeer() {
		return "", ""
	}
	parts := strings.Split(strings.TrimPrefix(string(id), peerChatPrefix), idSeparator)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

// AuthorID is "<chatId>:<localId>".
type AuthorID string

func NewAuthorID(chatID ChatID, localID int64) AuthorID {
	return AuthorID(composeLocal(string(chatID), localID))
}

func ParseAuthorID(value string) (AuthorID, error) {
	chatID, _, err := splitLocal(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAuthorID, err)
	}
	if _, err := ParseChatID(chatID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAuthorID, err)
	}
	return AuthorID(strings.TrimSpace(value)), nil
}

func (id AuthorID) String() string {
	return string(id)
}

func (id AuthorID) ChatID() ChatID {
	chatID, _, _ := splitLocal(string(id))
	return ChatID(chatID)
}

func (id AuthorID) LocalID() int64 {
	_, localID, _ := splitLocal(string(id))
	return localID
}

// IsSystem reports whether the id belongs to a built-in author such as Walle.
func (id AuthorID) IsSystem() bool {
	return id != "" && id.LocalID() <= 0
}

// RoleID is "<chatId>:<localId>".
type RoleID string

func NewRoleID(chatID ChatID, localID int64) RoleID {
	return RoleID(composeLocal(string(chatID), localID))
}

func ParseRoleID(value string) (RoleID, error) {
	chatID, _, err := splitLocal(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoleID, err)
	}
	if _, err := ParseChatID(chatID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoleID, err)
	}
	return RoleID(strings.TrimSpace(value)), nil
}

func (id RoleID) String() string {
	return string(id)
}

func (id RoleID) ChatID() ChatID {
	chatID, _, _ := splitLocal(string(id))
	return ChatID(chatID)
}

func (id RoleID) LocalID() int64 {
	_, localID, _ := splitLocal(string(id))
	return localID
}

type EntryKind int

const (
	EntryKindText EntryKind = iota
	EntryKindAudio
	EntryKindVideo
)

func ParseEntryKind(value string) (EntryKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "0", "text":
		return EntryKindText, nil
	case "1", "audio":
		return EntryKindAudio, nil
	case "2", "video":
		return EntryKindVideo, nil
	default:
		return 0, fmt.Errorf("%w: unknown entry kind %q", ErrInvalidEntryID, value)
	}
}

func (k EntryKind) String() string {
	switch k {
	case EntryKindText:
		return "text"
	case EntryKindAudio:
		return "audio"
	case EntryKindVideo:
		return "video"
	default:
		return "kind" + strconv.Itoa(int(k))
	}
}

func (k EntryKind) IsValid() bool {
	return k >= EntryKindText && k <= EntryKindVideo
}

// ChatEntryID is "<chatId>:<kind>:<localId>". LocalID is zero before creation.
type ChatEntryID struct {
	ChatID  ChatID
	Kind    EntryKind
	LocalID int64
}

func NewChatEntryID(chatID ChatID, kind EntryKind, localID int64) ChatEntryID {
	return ChatEntryID{ChatID: chatID, Kind: kind, LocalID: localID}
}

func ParseChatEntryID(value string) (ChatEntryID, error) {
	prefix, localID, err := splitLocal(value)
	if err != nil {
		return ChatEntryID{}, fmt.Errorf("%w: %v", ErrInvalidEntryID, err)
	}
	chatID, kindValue, err := splitLocal(prefix)
	if err != nil {
		return ChatEntryID{}, fmt.Errorf("%w: %v", ErrInvalidEntryID, err)
	}
	kind := EntryKind(kindValue)
	if !kind.IsValid() {
		return ChatEntryID{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidEntryID, kindValue)
	}
	parsedChatID, err := ParseChatID(chatID)
	if err != nil {
		return ChatEntryID{}, fmt.Errorf("%w: %v", ErrInvalidEntryID, err)
	}
	return ChatEntryID{ChatID: parsedChatID, Kind: kind, LocalID: localID}, nil
}

func (id ChatEntryID) String() string {
	return EntryIDPrefix(id.ChatID, id.Kind) + strconv.FormatInt(id.LocalID, 10)
}

// EntryIDPrefix returns the part of every entry id of (chatID, kind) that
// precedes the LocalId.
func EntryIDPrefix(chatID ChatID, kind EntryKind) string {
	return fmt.Sprintf("%s:%d:", chatID, int(kind))
}

// IsNone reports whether the id has no LocalId yet.
func (id ChatEntryID) IsNone() bool {
	return id.LocalID == 0
}

func composeLocal(prefix string, localID int64) string {
	return prefix + idSeparator + strconv.FormatInt(localID, 10)
}

func splitLocal(value string) (string, int64, error) {
	trimmed := strings.TrimSpace(value)
	index := strings.LastIndex(trimmed, idSeparator)
	if index <= 0 || index == len(trimmed)-1 {
		return "", 0, fmt.Errorf("missing local id in %q", value)
	}
	localID, err := strconv.ParseInt(trimmed[index+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed local id in %q", value)
	}
	return trimmed[:index], localID, nil
}

func isToken(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
