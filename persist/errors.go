package persist

import (
	"fmt"
)

// ForgetError reports a Forget that did not fully succeed. A failed bump
// leaves descendant copies valid; a failed delete only leaves garbage that
// the next load removes.
type ForgetError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *ForgetError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("forget %s failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("forget %s: gen bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("forget %s: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("forget %s: unknown error", e.Key)
	}
}

func (e *ForgetError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
