package security

import (
	"fmt"
	"regexp"
	"strings"

	"gewebridge/internal/config"
	"gewebridge/internal/domain"
)

const wildcardGroup = "*"

// Input is everything one policy evaluation looks at.
type Input struct {
	Msg            domain.InboundMessage
	StoreAllowFrom []string // senders approved through pairing
	GroupName      string   // optional display name of the room
}

// Engine evaluates the ordered policy gates. It holds only compiled,
// read-only configuration, so Evaluate is safe for concurrent use.
type Engine struct {
	cfg       config.PolicyConfig
	cmds      config.CommandsConfig
	mentionRe []*regexp.Regexp
	prefixes  []string
}

func NewEngine(policy config.PolicyConfig, cmds config.CommandsConfig) (*Engine, error) {
	mentionRe, err := compilePatterns(policy.MentionPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid mention pattern: %w", err)
	}
	prefixes := cmds.Prefixes
	if len(prefixes) == 0 {
		prefixes = config.DefaultCommandPrefixes()
	}
	return &Engine{
		cfg:       policy,
		cmds:      cmds,
		mentionRe: mentionRe,
		prefixes:  prefixes,
	}, nil
}

// Evaluate runs the gates in order: message type, self message, group
// allowlist, group sender policy, DM policy, command authorization, mention.
// The first drop is terminal.
func (e *Engine) Evaluate(in Input) domain.PolicyDecision {
	msg := in.Msg
	var d domain.PolicyDecision

	// Step 1: message type
	switch msg.MsgType {
	case domain.MsgText, domain.MsgImage, domain.MsgVoice, domain.MsgVideo, domain.MsgApp:
	default:
		return skip(d, domain.ReasonUnsupportedType)
	}

	// Step 2: our own echo
	if msg.BotWxid != "" && (msg.SenderID == msg.BotWxid || msg.FromID == msg.BotWxid) {
		return skip(d, domain.ReasonSelfMessage)
	}

	var outer, inner allowSet
	var group config.GroupConfig
	var groupFound bool

	if msg.IsGroupChat {
		// Step 3: group allowlist
		group, groupFound = e.resolveGroup(msg.RoomID, in.GroupName)
		if len(e.cfg.Groups) > 0 && !groupFound {
			return block(d, domain.ReasonGroupNotAllowed)
		}
		if groupFound && group.Enabled != nil && !*group.Enabled {
			return block(d, domain.ReasonGroupDisabled)
		}
		d.GroupAllowed = true

		// Step 4: group sender policy
		groupAllow := e.cfg.GroupAllowFrom
		if len(groupAllow) == 0 {
			groupAllow = e.cfg.AllowFrom
		}
		outer = newAllowSet(groupAllow)
		inner = newAllowSet(group.AllowFrom)

		switch e.cfg.GroupPolicy {
		case "disabled":
			return block(d, domain.ReasonGroupPolicyDisabled)
		case "open":
			d.Allowed = true
		default:
			if outer.empty() && inner.empty() {
				return block(d, domain.ReasonSenderNotAllowed)
			}
			d.Allowed = outer.matches(msg.SenderID, msg.SenderName) || inner.matches(msg.SenderID, msg.SenderName)
			if !d.Allowed {
				return block(d, domain.ReasonSenderNotAllowed)
			}
		}
	} else {
		// Step 5: DM policy
		outer = newAllowSet(e.cfg.AllowFrom, in.StoreAllowFrom)
		switch e.cfg.DMPolicy {
		case "disabled":
			return block(d, domain.ReasonDMDisabled)
		case "open":
			d.Allowed = true
		case "pairing":
			d.Allowed = outer.matches(msg.SenderID, msg.SenderName)
			if !d.Allowed {
				d.PairingRequired = true
				return block(d, domain.ReasonPairingRequired)
			}
		default:
			d.Allowed = outer.matches(msg.SenderID, msg.SenderName)
			if !d.Allowed {
				return block(d, domain.ReasonSenderNotAllowed)
			}
		}
	}

	// Step 6: control commands
	d.IsCommand = msg.MsgType == domain.MsgText && e.isCommand(msg.Text)
	if d.IsCommand {
		d.CommandAuthorized = e.cmds.TrustAll ||
			outer.matches(msg.SenderID, msg.SenderName) ||
			inner.matches(msg.SenderID, msg.SenderName)
		if !d.CommandAuthorized && msg.IsGroupChat {
			return block(d, domain.ReasonUnauthorizedCommand)
		}
	}

	if !msg.IsGroupChat {
		return d
	}

	// Step 7: mention gate
	d.MentionRequired = e.requireMention(group, groupFound)
	d.WasMentioned = e.wasMentioned(msg)
	if d.MentionRequired && !d.WasMentioned {
		if d.IsCommand && d.CommandAuthorized && e.cmds.Text {
			return d
		}
		return skip(d, domain.ReasonMentionRequired)
	}
	return d
}

func skip(d domain.PolicyDecision, reason domain.DropReason) domain.PolicyDecision {
	d.ShouldSkip = true
	d.Reason = reason
	return d
}

func block(d domain.PolicyDecision, reason domain.DropReason) domain.PolicyDecision {
	d.ShouldBlock = true
	d.Reason = reason
	return d
}

// resolveGroup looks a room up by id, then by name, then falls back to "*".
func (e *Engine) resolveGroup(roomID, name string) (config.GroupConfig, bool) {
	groups := e.cfg.Groups
	if len(groups) == 0 {
		return config.GroupConfig{}, false
	}
	if g, ok := groups[roomID]; ok {
		return g, true
	}
	if name = strings.TrimSpace(name); name != "" {
		for key, g := range groups {
			if key == wildcardGroup {
				continue
			}
			if strings.EqualFold(key, name) || strings.EqualFold(g.Name, name) {
				return g, true
			}
		}
	}
	if g, ok := groups[wildcardGroup]; ok {
		return g, true
	}
	return config.GroupConfig{}, false
}

// requireMention uses the group entry, then the wildcard entry, then true.
func (e *Engine) requireMention(group config.GroupConfig, found bool) bool {
	if found && group.RequireMention != nil {
		return *group.RequireMention
	}
	if wild, ok := e.cfg.Groups[wildcardGroup]; ok && wild.RequireMention != nil {
		return *wild.RequireMention
	}
	return true
}

func (e *Engine) wasMentioned(msg domain.InboundMessage) bool {
	for _, id := range msg.AtUserList {
		if id == msg.BotWxid || id == "notify@all" {
			return true
		}
	}
	for _, re := range e.mentionRe {
		if re.MatchString(msg.Text) {
			return true
		}
	}
	return false
}

// isCommand reports whether text starts with a control command, after any
// leading @mentions.
func (e *Engine) isCommand(text string) bool {
	text = stripLeadingMentions(text)
	if text == "" || text[0] != '/' {
		return false
	}
	word := text
	if idx := strings.IndexFunc(text, isSpace); idx >= 0 {
		word = text[:idx]
	}
	word = strings.ToLower(word)
	for _, p := range e.prefixes {
		if word == strings.ToLower(p) {
			return true
		}
	}
	return false
}

// stripLeadingMentions removes "@name" tokens. The client separates a
// mention from the body with U+2005.
func stripLeadingMentions(text string) string {
	text = strings.TrimSpace(text)
	for strings.HasPrefix(text, "@") {
		idx := strings.IndexFunc(text, isSpace)
		if idx < 0 {
			return ""
		}
		text = strings.TrimLeftFunc(text[idx:], isSpace)
	}
	return text
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\u2005' || r == '\u3000'
}

// compilePatterns compiles mention patterns. Plain strings become
// case-insensitive substring matches.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
