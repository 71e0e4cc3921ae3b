package ratelimit

import (
	"fmt"
	"time"
)

// Policy is an immutable quota for one protected action.
type Policy struct {
	Action      string        `yaml:"action"`
	Limit       int           `yaml:"limit"`
	Window      time.Duration `yaml:"window"`
	Description string        `yaml:"description"`
}

// Validate reports whether the policy can be enforced. Errors wrap ErrInvalidPolicy.
func (p Policy) Validate() error {
	if p.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidPolicy)
	}
	if p.Limit <= 0 {
		return fmt.Errorf("%w: %s: limit must be positive, got %d", ErrInvalidPolicy, p.Action, p.Limit)
	}
	if p.Window < time.Millisecond {
		return fmt.Errorf("%w: %s: window must be at least 1ms, got %s", ErrInvalidPolicy, p.Action, p.Window)
	}
	return nil
}

// PolicyTable maps action identifiers to policies. It is read-only once built.
type PolicyTable struct {
	byAction map[string]Policy
	order    []string
}

func NewPolicyTable(policies []Policy) (*PolicyTable, error) {
	t := &PolicyTable{byAction: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byAction[p.Action]; dup {
			return nil, fmt.Errorf("%w: duplicate action %q", ErrInvalidPolicy, p.Action)
		}
		t.byAction[p.Action] = p
		t.order = append(t.order, p.Action)
	}
	return t, nil
}

func (t *PolicyTable) Lookup(action string) (Policy, bool) {
	p, ok := t.byAction[action]
	return p, ok
}

// Get is Lookup with an ErrUnknownPolicy error for missing actions.
func (t *PolicyTable) Get(action string) (Policy, error) {
	p, ok := t.byAction[action]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, action)
	}
	return p, nil
}

// All returns the policies in declaration order.
func (t *PolicyTable) All() []Policy {
	out := make([]Policy, 0, len(t.order))
	for _, a := range t.order {
		out = append(out, t.byAction[a])
	}
	return out
}

// DefaultPolicies is the built-in table used when no configuration overrides it.
func DefaultPolicies() []Policy {
	return []Policy{
		{Action: "post:create", Limit: 30, Window: time.Minute, Description: "Post creations per minute"},
		{Action: "post:reply", Limit: 60, Window: time.Minute, Description: "Replies per minute"},
		{Action: "user:follow", Limit: 100, Window: time.Minute, Description: "Follow operations per minute"},
		{Action: "interaction:like", Limit: 240, Window: time.Minute, Description: "Likes per minute"},
		{Action: "interaction:repost", Limit: 120, Window: time.Minute, Description: "Reposts per minute"},
		{Action: "media:upload_url", Limit: 30, Window: time.Minute, Description: "Media upload URLs per minute"},
		{Action: "media:attach", Limit: 60, Window: time.Minute, Description: "Media attachments per minute"},
		{Action: "moderation:block", Limit: 30, Window: time.Minute, Description: "Blocks per minute"},
		{Action: "moderation:mute", Limit: 60, Window: time.Minute, Description: "Mutes per minute"},
		{Action: "moderation:report", Limit: 30, Window: time.Minute, Description: "Reports per minute"},
	}
}
