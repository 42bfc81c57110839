package staging

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"pagebinder/models"
)

const (
	IncomingDir = "incoming"
	OutgoingDir = "outgoing"
)

var ErrInvalidSessionKey = errors.New("invalid session key")

// ParseSequenceKey extracts the numeric prefix of hint that precedes the
// first separator. Hints without a parsable non-negative prefix map to
// models.Unsequenced.
func ParseSequenceKey(hint string) (models.SequenceKey, bool) {
	prefix := hint
	if i := strings.IndexAny(hint, "_-. "); i >= 0 {
		prefix = hint[:i]
	}
	if prefix == "" {
		return models.Unsequenced, false
	}
	for _, r := range prefix {
		if r < '0' || r > '9' {
			return models.Unsequenced, false
		}
	}
	n, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return models.Unsequenced, false
	}
	return models.SequenceKey(n), true
}

// ValidateSessionKey rejects keys that are not a single, safe path element.
func ValidateSessionKey(key string) error {
	switch {
	case key == "", key == ".", key == "..":
		return fmt.Errorf("%w: %q", ErrInvalidSessionKey, key)
	case strings.ContainsAny(key, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidSessionKey, key)
	}
	return nil
}

// sanitizeName keeps the base name of an upload and strips anything that
// could escape the staging directory.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r == 0 || r == '/' {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

func extensionOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}
