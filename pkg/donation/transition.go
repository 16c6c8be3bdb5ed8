package donation

import "github.com/mihaimyh/godonate/pkg/gateway"

// transitionRule describes how an event moves a donation.
type transitionRule struct {
	from []Status
	to   Status
}

var transitions = map[gateway.EventType]transitionRule{
	gateway.EventIntentSucceeded:     {from: []Status{StatusPending}, to: StatusSucceeded},
	gateway.EventIntentPaymentFailed: {from: []Status{StatusPending}, to: StatusFailed},
	gateway.EventIntentCanceled:      {from: []Status{StatusPending}, to: StatusFailed},

	// A second refund or dispute on a refunded donation only raises the
	// refunded amount.
	gateway.EventChargeRefunded: {from: []Status{StatusSucceeded, StatusRefunded}, to: StatusRefunded},
	gateway.EventDisputeCreated: {from: []Status{StatusSucceeded, StatusRefunded}, to: StatusRefunded},
}

// CanTransition reports whether event applies to a donation in status from.
func CanTransition(from Status, event gateway.EventType) bool {
	rule, ok := transitions[event]
	if !ok {
		return false
	}
	return containsStatus(rule.from, from)
}

// TargetStatus returns the status event moves a donation to.
func TargetStatus(event gateway.EventType) (Status, bool) {
	rule, ok := transitions[event]
	return rule.to, ok
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
