package source

import (
	"regexp"
	"strings"

	"streamfetch/internal"
)

// tidalURL matches share links in all the shapes the service hands out:
// bare, www, listen, and the /browse/ prefix the web player adds.
var tidalURL = regexp.MustCompile(`^https?://(?:www\.|listen\.)?tidal\.com/(?:browse/)?(track|album|playlist|artist|video|label|user)/([A-Za-z0-9-]+)`)

// bareID accepts numeric ids and the UUID shape playlists use.
var bareID = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ParseRef turns a pasted URL into a pending item. The returned item has no
// job id yet; the caller assigns one on submission.
func ParseRef(rawURL string) (internal.PendingItem, error) {
	rawURL = strings.TrimSpace(rawURL)
	m := tidalURL.FindStringSubmatch(rawURL)
	if m == nil {
		return internal.PendingItem{}, internal.NewInvalidRefError(rawURL, "unrecognized URL")
	}

	kind, err := internal.ParseMediaKind(m[1])
	if err != nil {
		return internal.PendingItem{}, internal.NewInvalidRefError(rawURL, err.Error())
	}

	return internal.PendingItem{
		Backend: "tidal",
		Kind:    kind,
		ID:      m[2],
	}, nil
}

// ParseID validates a bare id given alongside an explicit kind, for callers
// that skip URLs entirely.
func ParseID(kindName, id string) (internal.PendingItem, error) {
	kind, err := internal.ParseMediaKind(kindName)
	if err != nil {
		return internal.PendingItem{}, internal.NewInvalidRefError(kindName, err.Error())
	}
	id = strings.TrimSpace(id)
	if id == "" || !bareID.MatchString(id) {
		return internal.PendingItem{}, internal.NewInvalidRefError(id, "malformed id")
	}
	return internal.PendingItem{
		Backend: "tidal",
		Kind:    kind,
		ID:      id,
	}, nil
}
