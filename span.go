package chainloom

import "fmt"

// Span is a half-open interval of block indices, `[Start, End)`.
//
// Blocks are totally ordered and executed in index order on a forward
// pass, reverse order on a backward pass.
type Span struct {
	Start int
	End   int
}

func NewSpan(start, end int) (Span, error) {
	sp := Span{Start: start, End: end}
	if !sp.IsValid() {
		return Span{}, fmt.Errorf("%w: [%d,%d)", ErrInvalidSpan, start, end)
	}
	return sp, nil
}

func (sp Span) IsValid() bool {
	return sp.Start >= 0 && sp.End > sp.Start
}

func (sp Span) Len() int {
	return sp.End - sp.Start
}

func (sp Span) Contains(block int) bool {
	return block >= sp.Start && block < sp.End
}

// ContainsSpan reports whether `other` fits entirely inside `sp`.
func (sp Span) ContainsSpan(other Span) bool {
	return other.Start >= sp.Start && other.End <= sp.End
}

func (sp Span) Intersects(other Span) bool {
	return sp.Start < other.End && other.Start < sp.End
}

func (sp Span) String() string {
	return fmt.Sprintf("[%d,%d)", sp.Start, sp.End)
}
