package store

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// keyCharset is the set of characters allowed in a validated key, beyond
// ASCII letters and digits.
const keyCharset = "._/@+%-"

// BuildKey constructs users/{user}/{uploads|generated}/{ts}_{uid}_{safe} for
// a new upload. The uid is 8 hex characters so concurrent uploads of the
// same filename never collide.
func BuildKey(user, filename, source string) string {
	segment := "uploads"
	if source == SourceTool {
		segment = "generated"
	}
	uid := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("users/%s/%s/%d_%s_%s",
		user, segment, time.Now().Unix(), uid, SanitizeFilename(filename))
}

// SanitizeFilename strips path separators and control characters and maps
// anything outside the key charset to '_'. An empty result becomes "file".
func SanitizeFilename(name string) string {
	// Keep only the final path element regardless of separator style.
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '/' || r < 0x20 || r == 0x7f:
			// path separators and control chars never survive
		case strings.ContainsRune(keyCharset, r):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	if s == "" || s == "." || s == ".." {
		return "file"
	}
	return s
}

// ValidateKey rejects traversal attempts, absolute keys and characters
// outside [A-Za-z0-9._/@+%-].
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: leading slash in %q", ErrInvalidKey, key)
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("%w: traversal in %q", ErrInvalidKey, key)
	}
	for _, r := range key {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			strings.ContainsRune(keyCharset, r)
		if !ok {
			return fmt.Errorf("%w: character %q in %q", ErrInvalidKey, r, key)
		}
	}
	return nil
}

// KeyEscapedPath percent-escapes each segment of the key for embedding in a
// URL path. '%' is a legal key character, so a raw key is not always a valid
// path.
func KeyEscapedPath(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// KeyOwner extracts the user segment of a users/{user}/... key.
// Returns "" when the key does not follow the layout.
func KeyOwner(key string) string {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 3 || parts[0] != "users" {
		return ""
	}
	return parts[1]
}

// KeyFilename extracts the safe filename from a key, stripping the
// {ts}_{uid}_ prefix when present.
func KeyFilename(key string) string {
	base := key
	if i := strings.LastIndex(key, "/"); i >= 0 {
		base = key[i+1:]
	}
	parts := strings.SplitN(base, "_", 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return base
}

// checkOwnership validates the key and confirms it belongs to user.
func checkOwnership(user, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if KeyOwner(key) != user {
		return fmt.Errorf("%w: key %q not owned by %q", ErrForbidden, key, user)
	}
	return nil
}
