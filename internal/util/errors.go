package util

import "github.com/pkg/errors"

// WrapFatal annotates an error from one of the §7 fatal categories
// (durability failure, configuration error) with a stack trace via
// github.com/pkg/errors before it's handed to the process's termination
// path. Transient and locally-corrected error categories are translated by
// their owning component instead and never pass through here.
func WrapFatal(err error, context string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, context)
}
