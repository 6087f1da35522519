package api

// Checker reports whether a shared resource is still usable.
type Checker interface {
	Check() error
}
