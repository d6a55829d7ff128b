package cooldown

// Attribution decides which pending (user, activity) an inbound
// game-bot message refers to. It is a pure function so the policy can
// be tested without any message plumbing.

type Outcome int

const (
	// NoMatch: no pending entry could relate to this message.
	NoMatch Outcome = iota
	// Matched: exactly one pending (user, activity) was identified.
	Matched
	// Ambiguous: pendings exist but none can be singled out; the
	// message is dropped without a state change.
	Ambiguous
)

// PendingView is the attribution-relevant slice of a pending entry.
type PendingView struct {
	UserID   int64
	Activity string
}

type Decision struct {
	Outcome  Outcome
	UserID   int64
	Activity string

	// Source is "mention" or "inferred", for the audit trail.
	Source string
}

// Attribute applies the documented policy:
//
//  1. An explicitly mentioned user wins. Among that user's pendings,
//     an activity named in the text is preferred; a single pending is
//     taken as-is; multiple pendings with no named activity are
//     Ambiguous.
//  2. With no usable mention, the message is attributed only when the
//     channel has exactly one pending (user, activity) in total.
//  3. Anything else with pendings present is Ambiguous; no pendings is
//     NoMatch.
func Attribute(mentions []int64, text string, pendings []PendingView, catalog *Catalog) Decision {
	if len(pendings) == 0 {
		return Decision{Outcome: NoMatch}
	}

	for _, uid := range mentions {
		var mine []PendingView
		for _, p := range pendings {
			if p.UserID == uid {
				mine = append(mine, p)
			}
		}
		if len(mine) == 0 {
			continue
		}
		if len(mine) == 1 {
			return Decision{Outcome: Matched, UserID: uid, Activity: mine[0].Activity, Source: "mention"}
		}
		if named, ok := catalog.DetectInText(text); ok {
			for _, p := range mine {
				if p.Activity == named.Name {
					return Decision{Outcome: Matched, UserID: uid, Activity: p.Activity, Source: "mention"}
				}
			}
		}
		return Decision{Outcome: Ambiguous}
	}

	if len(pendings) == 1 {
		return Decision{Outcome: Matched, UserID: pendings[0].UserID, Activity: pendings[0].Activity, Source: "inferred"}
	}
	return Decision{Outcome: Ambiguous}
}
