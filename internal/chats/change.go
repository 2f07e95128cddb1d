package chats

import "fmt"

type ChangeKind int

const (
	ChangeKindCreate ChangeKind = iota + 1
	ChangeKindUpdate
	ChangeKindRemove
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeKindCreate:
		return "create"
	case ChangeKindUpdate:
		return "update"
	case ChangeKindRemove:
		return "remove"
	default:
		return fmt.Sprintf("change_kind_%d", int(k))
	}
}

// Change is a tagged Create(diff) | Update(diff) | Remove command payload.
type Change[TDiff any] struct {
	kind ChangeKind
	diff TDiff
}

func CreateChange[TDiff any](diff TDiff) Change[TDiff] {
	return Change[TDiff]{kind: ChangeKindCreate, diff: diff}
}

func UpdateChange[TDiff any](diff TDiff) Change[TDiff] {
	return Change[TDiff]{kind: ChangeKindUpdate, diff: diff}
}

func RemoveChange[TDiff any]() Change[TDiff] {
	return Change[TDiff]{kind: ChangeKindRemove}
}

func (c Change[TDiff]) Kind() ChangeKind {
	return c.kind
}

// Diff returns the Create or Update payload. Remove carries none.
func (c Change[TDiff]) Diff() TDiff {
	return c.diff
}

func (c Change[TDiff]) IsValid() bool {
	return c.kind >= ChangeKindCreate && c.kind <= ChangeKindRemove
}
