package tensor

import "fmt"

// Slice is the contiguous row window a bridge transmits. A nil *Slice means
// the full tensor.
type Slice struct {
	Start int
	Rows  int
}

// RowWindow builds a slice descriptor.
func RowWindow(start, rows int) *Slice {
	return &Slice{Start: start, Rows: rows}
}

// Check validates the parts that do not depend on the tensor's row count.
func (s *Slice) Check() error {
	if s == nil {
		return nil
	}
	if s.Start < 0 {
		return fmt.Errorf("start row %d must be >= 0", s.Start)
	}
	if s.Rows < 1 {
		return fmt.Errorf("row count %d must be >= 1", s.Rows)
	}
	return nil
}

// Resolve binds the slice to a tensor with fullRows rows and returns the
// effective (start, rows) window.
func (s *Slice) Resolve(fullRows int) (int, int, error) {
	if s == nil {
		return 0, fullRows, nil
	}
	if err := s.Check(); err != nil {
		return 0, 0, err
	}
	if s.Start >= fullRows {
		return 0, 0, fmt.Errorf("start row %d out of bounds for %d rows", s.Start, fullRows)
	}
	if end := s.Start + s.Rows; end > fullRows {
		return 0, 0, fmt.Errorf("rows [%d, %d) exceed %d rows", s.Start, end, fullRows)
	}
	return s.Start, s.Rows, nil
}

func (s *Slice) String() string {
	if s == nil {
		return "full"
	}
	return fmt.Sprintf("[%d,+%d)", s.Start, s.Rows)
}
