package chats

import (
	"strconv"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/tiles"
)

// IDTileStack partitions entry local ids into 16, 64, 256, 1024 and 4096 wide tiles.
var IDTileStack = tiles.MustNewStack(16, 4096, 4)

const (
	viewTile    = "chats.tile"
	viewIDRange = "chats.id_range"
	viewCount   = "chats.count"
	globalRange = "all"
)

// ChatTile is the materialized list of entries of one tile.
type ChatTile struct {
	ChatID         ChatID      `msgpack:"c"`
	Kind           EntryKind   `msgpack:"k"`
	Range          tiles.Range `msgpack:"r"`
	IncludeRemoved bool        `msgpack:"i"`
	Entries        []ChatEntry `msgpack:"e"`
}

func (t ChatTile) IsEmpty() bool {
	return len(t.Entries) == 0
}

func tileKey(chatID ChatID, kind EntryKind, r tiles.Range, includeRemoved bool) string {
	return cache.Key(viewTile, chatID.String(), strconv.Itoa(int(kind)),
		strconv.FormatInt(r.Start, 10), strconv.FormatInt(r.End, 10), strconv.FormatBool(includeRemoved))
}

func idRangeKey(chatID ChatID, kind EntryKind, includeRemoved bool) string {
	return cache.Key(viewIDRange, chatID.String(), strconv.Itoa(int(kind)), strconv.FormatBool(includeRemoved))
}

func countKey(chatID ChatID, kind EntryKind, r *tiles.Range, includeRemoved bool) string {
	if r == nil {
		return cache.Key(viewCount, chatID.String(), strconv.Itoa(int(kind)), globalRange, strconv.FormatBool(includeRemoved))
	}
	return cache.Key(viewCount, chatID.String(), strconv.Itoa(int(kind)),
		strconv.FormatInt(r.Start, 10), strconv.FormatInt(r.End, 10), strconv.FormatBool(includeRemoved))
}

// invalidationSet collects the view keys made stale by a mutation.
type invalidationSet struct {
	seen map[string]struct{}
	keys []string
}

func newInvalidationSet() *invalidationSet {
	return &invalidationSet{seen: make(map[string]struct{})}
}

func (s *invalidationSet) add(key string) {
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.keys = append(s.keys, key)
}

func (s *invalidationSet) Keys() []string {
	return s.keys
}

// addEntryChange declares the views a change of one entry makes stale:
// the tiles covering it at every layer, the id-range views the change can
// move, and the per-layer and global counts.
func (s *invalidationSet) addEntryChange(chatID ChatID, kind EntryKind, localID int64, change ChangeKind) {
	for _, tile := range IDTileStack.GetAllTiles(localID) {
		s.add(tileKey(chatID, kind, tile, true))
		s.add(tileKey(chatID, kind, tile, false))
	}
	switch change {
	case ChangeKindCreate:
		s.add(idRangeKey(chatID, kind, true))
		s.add(idRangeKey(chatID, kind, false))
	case ChangeKindRemove:
		s.add(idRangeKey(chatID, kind, false))
	}
	for _, includeRemoved := range []bool{true, false} {
		for _, tile := range IDTileStack.GetAllTiles(localID) {
			tile := tile
			s.add(countKey(chatID, kind, &tile, includeRemoved))
		}
		s.add(countKey(chatID, kind, nil, includeRemoved))
	}
}

// addRange declares every view touching ids in r, for bulk writes.
func (s *invalidationSet) addRange(chatID ChatID, kind EntryKind, r tiles.Range) {
	if r.IsEmpty() {
		return
	}
	for _, layer := range IDTileStack.Layers() {
		for _, tile := range IDTileStack.Covering(layer, r) {
			tile := tile
			for _, includeRemoved := range []bool{true, false} {
				s.add(tileKey(chatID, kind, tile, includeRemoved))
				s.add(countKey(chatID, kind, &tile, includeRemoved))
			}
		}
	}
	for _, includeRemoved := range []bool{true, false} {
		s.add(idRangeKey(chatID, kind, includeRemoved))
		s.add(countKey(chatID, kind, nil, includeRemoved))
	}
}
