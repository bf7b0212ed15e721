package dispatcher

import "errors"

// SendError carries the transient/permanent classification of a failed
// provider call. Transient failures are retryable under the retry
// coordinator's policy; permanent ones terminally fail the message.
type SendError struct {
	Provider  string
	Transient bool
	Err       error
}

func (e *SendError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Provider == "" {
		return kind + " send failure: " + e.Err.Error()
	}
	return kind + " send failure (provider=" + e.Provider + "): " + e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

func transientErr(provider string, err error) *SendError {
	return &SendError{Provider: provider, Transient: true, Err: err}
}

func permanentErr(provider string, err error) *SendError {
	return &SendError{Provider: provider, Transient: false, Err: err}
}

// IsTransient reports whether err should be handed to the retry coordinator.
// Unclassified errors count as transient: retrying an unknown failure is
// bounded, dropping a deliverable message is not.
func IsTransient(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Transient
	}
	return true
}
