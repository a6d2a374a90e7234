package config

import "errors"

// ErrInvalid is returned for configuration that cannot be parsed or fails
// validation.
var ErrInvalid = errors.New("config: invalid configuration")
