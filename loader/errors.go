package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrLoadFailed covers network and HTTP failures while fetching a script.
	ErrLoadFailed = errors.New("script load failed")
	// ErrNamespaceMissing means the script loaded but did not provide the
	// expected feature namespace.
	ErrNamespaceMissing = errors.New("script namespace missing")
)

type LoadError struct {
	URL       string
	Namespace string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s (%s): %v", e.URL, e.Namespace, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NamespaceMissing reports whether the script arrived without its namespace,
// as opposed to never arriving at all.
func (e *LoadError) NamespaceMissing() bool {
	return errors.Is(e.Err, ErrNamespaceMissing)
}
