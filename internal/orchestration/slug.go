package orchestration

import (
	"strconv"
	"strings"
)

const maxSlugLen = 40

// Slugify lowercases s and collapses every run of characters outside
// [a-z0-9] into one hyphen.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "-")
	}
	return out
}

// slugAllocator hands out slugs unique within a repository.
type slugAllocator struct {
	used map[string]bool
}

func newSlugAllocator(existing []string) *slugAllocator {
	a := &slugAllocator{used: make(map[string]bool, len(existing))}
	for _, s := range existing {
		if s != "" {
			a.used[s] = true
		}
	}
	return a
}

// validOverride reports whether s can be used verbatim.
func (a *slugAllocator) validOverride(s string) bool {
	return s != "" && Slugify(s) == s && !a.used[s]
}

// allocate returns override when valid, else a slug derived from name (or
// "wave-<index>") with a numeric suffix on collision.
func (a *slugAllocator) allocate(override, name string, index int) string {
	if a.validOverride(override) {
		a.used[override] = true
		return override
	}
	base := Slugify(name)
	if base == "" {
		base = "wave-" + strconv.Itoa(index)
	}
	slug := base
	for n := 2; a.used[slug]; n++ {
		slug = base + "-" + strconv.Itoa(n)
	}
	a.used[slug] = true
	return slug
}
