package verify

import "fmt"

type ChainError struct {
	Key     string
	Version int
	Message string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("CHAIN INTEGRITY VIOLATION: key %s version %d: %s",
		e.Key, e.Version, e.Message)
}

func NewChainError(key string, version int, message string) *ChainError {
	return &ChainError{
		Key:     key,
		Version: version,
		Message: message,
	}
}

func IsChainError(err error) bool {
	_, ok := err.(*ChainError)
	return ok
}

func AsChainError(err error) *ChainError {
	if ce, ok := err.(*ChainError); ok {
		return ce
	}
	return nil
}
