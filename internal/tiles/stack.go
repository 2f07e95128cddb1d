package tiles

import (
	"errors"
	"fmt"
)

// ErrNotATile is returned when a range does not match any layer's tile boundaries.
var ErrNotATile = errors.New("tiles: range is not a tile")

var (
	errInvalidMinSize = errors.New("tiles: minimum tile size must be positive")
	errInvalidFactor  = errors.New("tiles: layer factor must be at least 2")
	errInvalidMaxSize = errors.New("tiles: maximum tile size must be a power-of-factor multiple of the minimum size")
)

// Range is a half-open interval [Start, End) of entry local ids.
type Range struct {
	Start int64 `msgpack:"s" json:"start"`
	End   int64 `msgpack:"e" json:"end"`
}

// Size returns the number of ids covered by the range.
func (r Range) Size() int64 {
	return r.End - r.Start
}

// IsEmpty reports whether the range covers no ids.
func (r Range) IsEmpty() bool {
	return r.End <= r.Start
}

// Contains reports whether id falls inside the range.
func (r Range) Contains(id int64) bool {
	return id >= r.Start && id < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Stack is a fixed hierarchy of tile layers. Layer sizes grow by Factor from
// the smallest to the largest layer, and every layer partitions the id space.
type Stack struct {
	sizes  []int64
	factor int64
}

// NewStack builds a stack with layers minSize, minSize*factor, ... up to maxSize.
func NewStack(minSize, maxSize, factor int64) (*Stack, error) {
	if minSize <= 0 {
		return nil, errInvalidMinSize
	}
	if factor < 2 {
		return nil, errInvalidFactor
	}
	sizes := []int64{minSize}
	for size := minSize; size < maxSize; {
		size *= factor
		sizes = append(sizes, size)
	}
	if sizes[len(sizes)-1] != maxSize {
		return nil, errInvalidMaxSize
	}
	return &Stack{sizes: sizes, factor: factor}, nil
}

// MustNewStack is NewStack for package-level stacks built from constants.
func MustNewStack(minSize, maxSize, factor int64) *Stack {
	stack, err := NewStack(minSize, maxSize, factor)
	if err != nil {
		panic(err)
	}
	return stack
}

// Layers returns the layer sizes, smallest first.
func (s *Stack) Layers() []int64 {
	layers := make([]int64, len(s.sizes))
	copy(layers, s.sizes)
	return layers
}

// SmallestLayer returns the size of the smallest tile.
func (s *Stack) SmallestLayer() int64 {
	return s.sizes[0]
}

// GetTile returns the tile of the given layer size that covers id.
func (s *Stack) GetTile(layerSize, id int64) Range {
	start := floorDiv(id, layerSize) * layerSize
	return Range{Start: start, End: start + layerSize}
}

// GetSmallestTile returns the smallest-layer tile covering id.
func (s *Stack) GetSmallestTile(id int64) Range {
	return s.GetTile(s.SmallestLayer(), id)
}

// GetAllTiles returns the tile covering id at every layer, smallest first.
func (s *Stack) GetAllTiles(id int64) []Range {
	result := make([]Range, 0, len(s.sizes))
	for _, size := range s.sizes {
		result = append(result, s.GetTile(size, id))
	}
	return result
}

// IsTile reports whether r is exactly one of the stack's tiles.
func (s *Stack) IsTile(r Range) bool {
	return s.layerIndex(r) >= 0
}

// AssertIsTile fails when r is not aligned to some layer's tile boundaries.
func (s *Stack) AssertIsTile(r Range) error {
	if !s.IsTile(r) {
		return fmt.Errorf("%w: %s", ErrNotATile, r)
	}
	return nil
}

// Smaller returns the next-smaller layer tiles whose union is r, in order.
// It returns nil for smallest-layer tiles and for ranges that are not tiles.
func (s *Stack) Smaller(r Range) []Range {
	index := s.layerIndex(r)
	if index <= 0 {
		return nil
	}
	size := s.sizes[index-1]
	result := make([]Range, 0, s.factor)
	for start := r.Start; start < r.End; start += size {
		result = append(result, Range{Start: start, End: start + size})
	}
	return result
}

// Covering returns the tiles of layerSize that together cover r, in order.
func (s *Stack) Covering(layerSize int64, r Range) []Range {
	if r.IsEmpty() {
		return nil
	}
	first := s.GetTile(layerSize, r.Start)
	last := s.GetTile(layerSize, r.End-1)
	result := make([]Range, 0, (last.Start-first.Start)/layerSize+1)
	for start := first.Start; start <= last.Start; start += layerSize {
		result = append(result, Range{Start: start, End: start + layerSize})
	}
	return result
}

func (s *Stack) layerIndex(r Range) int {
	size := r.Size()
	for index, layerSize := range s.sizes {
		if layerSize == size {
			if floorMod(r.Start, layerSize) == 0 {
				return index
			}
			return -1
		}
	}
	return -1
}

func floorDiv(value, divisor int64) int64 {
	quotient := value / divisor
	if value%divisor != 0 && (value < 0) != (divisor < 0) {
		quotient--
	}
	return quotient
}

func floorMod(value, divisor int64) int64 {
	return value - floorDiv(value, divisor)*divisor
}
