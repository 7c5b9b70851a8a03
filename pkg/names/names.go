// Package names validates human-chosen project names. A project name becomes
// a DNS label of the platform hostname, so the syntax rules are DNS rules,
// plus a reserved-word and profanity screen.
package names

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	MinLength = 3
	MaxLength = 63 // DNS label limit
)

var labelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// reserved are names that collide with platform infrastructure hostnames or
// would mislead users if tenant-owned.
var reserved = map[string]struct{}{
	"admin": {}, "api": {}, "app": {}, "console": {}, "dashboard": {},
	"docs": {}, "ftp": {}, "help": {}, "hutch": {}, "internal": {},
	"mail": {}, "metrics": {}, "ns1": {}, "ns2": {}, "proxy": {},
	"registry": {}, "root": {}, "smtp": {}, "ssl": {}, "staging": {},
	"status": {}, "support": {}, "system": {}, "test": {}, "www": {},
}

// blocked substrings rejected anywhere in a name. Deliberately short; the
// point is keeping the obvious ones out of platform hostnames, not content
// moderation.
var blocked = []string{
	"fuck", "shit", "cunt", "nazi", "nigger", "faggot",
}

// Validate reports whether name is acceptable as a project name.
func Validate(name string) error {
	if len(name) < MinLength {
		return fmt.Errorf("name %q too short: minimum %d characters", name, MinLength)
	}
	if len(name) > MaxLength {
		return fmt.Errorf("name %q too long: maximum %d characters", name, MaxLength)
	}
	if !labelRe.MatchString(name) {
		return fmt.Errorf("name %q invalid: lowercase letters, digits and inner hyphens only", name)
	}
	if _, ok := reserved[name]; ok {
		return fmt.Errorf("name %q is reserved", name)
	}
	for _, w := range blocked {
		if strings.Contains(name, w) {
			return fmt.Errorf("name %q is not allowed", name)
		}
	}
	return nil
}
