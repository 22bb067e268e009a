package credits

import (
	"errors"
	"fmt"
)

var ErrInsufficientCredits = errors.New("insufficient credits")

// InsufficientCreditsError carries the numbers a client needs to render a
// purchase prompt.
type InsufficientCreditsError struct {
	Needed    int
	Remaining int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Needed, e.Remaining)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

func (e *InsufficientCreditsError) Shortfall() int {
	if e.Remaining >= e.Needed {
		return 0
	}
	return e.Needed - e.Remaining
}
