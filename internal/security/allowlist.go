package security

import "strings"

var allowPrefixes = []string{"gewe:", "wechat:", "wx:"}

// NormalizeAllowEntry trims, strips channel prefixes and lowercases an id.
func NormalizeAllowEntry(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, p := range allowPrefixes {
		if strings.HasPrefix(lower, p) {
			lower = strings.TrimSpace(lower[len(p):])
			break
		}
	}
	return lower
}

// allowSet is a normalized allowlist.
type allowSet struct {
	entries  map[string]struct{}
	wildcard bool
}

func newAllowSet(lists ...[]string) allowSet {
	set := allowSet{entries: make(map[string]struct{})}
	for _, list := range lists {
		for _, raw := range list {
			e := NormalizeAllowEntry(raw)
			switch e {
			case "":
			case "*":
				set.wildcard = true
			default:
				set.entries[e] = struct{}{}
			}
		}
	}
	return set
}

func (s allowSet) empty() bool {
	return !s.wildcard && len(s.entries) == 0
}

// matches reports whether the sender id or display name is listed.
func (s allowSet) matches(senderID, senderName string) bool {
	if s.wildcard {
		return true
	}
	if id := NormalizeAllowEntry(senderID); id != "" {
		if _, ok := s.entries[id]; ok {
			return true
		}
	}
	if name := NormalizeAllowEntry(senderName); name != "" {
		if _, ok := s.entries[name]; ok {
			return true
		}
	}
	return false
}
