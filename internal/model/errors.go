package model

import (
	"errors"
)

// Input errors are returned synchronously by submit and no job is created.
var (
	ErrInvalidFormat              = errors.New("invalid target format")
	ErrNotAuthorized              = errors.New("target not authorized")
	ErrUnknownTool                = errors.New("unknown tool")
	ErrInvalidParameter           = errors.New("invalid parameter")
	ErrParameterInjectionRejected = errors.New("parameter injection rejected")
	ErrRateLimited                = errors.New("rate limited")
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrProfileNotFound   = errors.New("profile not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)
