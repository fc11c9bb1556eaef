package event

// Filter selects events for a subscription. All present keys are
// AND-combined; values within a key are OR-combined. A zero Filter matches
// everything.
type Filter struct {
	Kinds        []int    `json:"kinds,omitempty"`
	Authors      []string `json:"authors,omitempty"`
	Statuses     []string `json:"#status,omitempty"`
	Peers        []string `json:"#p,omitempty"`
	Sessions     []string `json:"#session,omitempty"`
	ChatSessions []string `json:"#chat_session,omitempty"`
	Since        int64    `json:"since,omitempty"`
}

// Matches reports whether the event satisfies every present predicate.
func (f Filter) Matches(ev *Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsStr(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStr(f.Statuses, ev.TagValue(TagStatus)) {
		return false
	}
	if len(f.Peers) > 0 && !containsStr(f.Peers, ev.TagValue(TagPeer)) {
		return false
	}
	if len(f.Sessions) > 0 && !containsStr(f.Sessions, ev.TagValue(TagSession)) {
		return false
	}
	if len(f.ChatSessions) > 0 && !containsStr(f.ChatSessions, ev.TagValue(TagChatSession)) {
		return false
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	return true
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsStr(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
