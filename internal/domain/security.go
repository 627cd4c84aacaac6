package domain

// DropReason names why the policy gate stopped a message.
type DropReason string

const (
	ReasonNone                DropReason = ""
	ReasonUnsupportedType     DropReason = "unsupported_type"
	ReasonSelfMessage         DropReason = "self_message"
	ReasonGroupNotAllowed     DropReason = "group_not_allowed"
	ReasonGroupDisabled       DropReason = "group_disabled"
	ReasonGroupPolicyDisabled DropReason = "group_policy_disabled"
	ReasonSenderNotAllowed    DropReason = "sender_not_allowed"
	ReasonDMDisabled          DropReason = "dm_disabled"
	ReasonPairingRequired     DropReason = "pairing_required"
	ReasonUnauthorizedCommand DropReason = "unauthorized_command"
	ReasonMentionRequired     DropReason = "mention_required"
)

// PolicyDecision is derived fresh for each message and never persisted.
// ShouldSkip marks silent drops (noise); ShouldBlock marks drops caused by
// access control. Either one is terminal.
type PolicyDecision struct {
	Allowed           bool
	GroupAllowed      bool
	MentionRequired   bool
	WasMentioned      bool
	CommandAuthorized bool
	IsCommand         bool
	ShouldSkip        bool
	ShouldBlock       bool
	PairingRequired   bool
	Reason            DropReason
}

// Proceed reports whether the message passed every gate.
func (d PolicyDecision) Proceed() bool {
	return !d.ShouldSkip && !d.ShouldBlock
}
