package config

import "errors"

// ErrOverridesPermissive is returned when the optional overrides file is
// group- or world-readable. The file can carry TURN credentials, so the
// same permission discipline the controller expects of its own operators
// applies here.
var ErrOverridesPermissive = errors.New("config: overrides file has overly permissive mode")
