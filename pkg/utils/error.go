package utils

import "fmt"

var (
	ErrBadRequest = fmt.Errorf("Bad request")
	ErrBadURL     = fmt.Errorf("Invalid URL")
	ErrClosed     = fmt.Errorf("Closed")
	ErrNoDaemon   = fmt.Errorf("No daemon connected")
	ErrNotFound   = fmt.Errorf("Not found")
	ErrParse   = fmt.Errorf("Parse error")
	ErrTimeout = fmt.Errorf("Deadline exceeded")
)

type DetailedError interface {
	error
	Details() string
}
