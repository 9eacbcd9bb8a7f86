package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrSchedulerConstruction = errors.New("scheduler construction failed")
	ErrUnknownSchedulerType  = errors.New("unknown scheduler type")
	ErrDuplicateUnit         = errors.New("duplicate unit identifier")
	ErrUnknownUnit           = errors.New("unknown unit identifier")
)

// constructionError reports err as a failure to build the unit replacing id.
func constructionError(id string, err error) error {
	if errors.Is(err, ErrSchedulerConstruction) {
		return err
	}
	return fmt.Errorf("%w: refresh %s: %w", ErrSchedulerConstruction, id, err)
}
