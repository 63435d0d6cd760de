package pool

import "net/url"

// Redact hides credentials in URI-shaped endpoint keys so they can be logged
// or used as metric labels.
func Redact(key string) string {
	u, err := url.Parse(key)
	if err != nil || u.User == nil {
		return key
	}
	return u.Redacted()
}
