package registry

import "strings"

const (
	maxSlugLength = 80
	fallbackSlug  = "campaign"
)

// Slugify turns a campaign display name into a filesystem-safe folder name.
// Alphanumerics, hyphen, underscore, space, and dot survive; every other
// rune becomes a hyphen; repeated hyphens collapse; the result is trimmed
// and capped at 80 characters.
func Slugify(name string) string {
	trimmed := strings.TrimSpace(name)
	var b strings.Builder
	lastDash := false
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == ' ', r == '.':
			if r == '-' {
				if lastDash {
					continue
				}
				lastDash = true
			} else {
				lastDash = false
			}
			b.WriteRune(r)
		default:
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "- ")
	if len(slug) > maxSlugLength {
		slug = strings.Trim(slug[:maxSlugLength], "- ")
	}
	if slug == "" {
		return fallbackSlug
	}
	return slug
}
