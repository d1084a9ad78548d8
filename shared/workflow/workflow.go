// Package workflow holds the outbox row lifecycle.
package workflow

import "strings"

const (
	OutboxPending   = "pending"
	OutboxSending   = "sending"
	OutboxDelivered = "delivered"
	OutboxDead      = "dead"
)

var outboxTransitions = map[string]map[string]bool{
	OutboxPending: {
		OutboxSending: true,
		OutboxDead:    true,
	},
	OutboxSending: {
		OutboxDelivered: true,
		OutboxPending:   true,
		OutboxDead:      true,
	},
}

func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	return outboxTransitions[fromStatus][toStatus]
}

// IsTerminal reports whether a row in status is finished and must not be published again.
func IsTerminal(status string) bool {
	status = NormalizeStatus(status)
	return status == OutboxDelivered || status == OutboxDead
}

func AllStatuses() []string {
	return []string{OutboxPending, OutboxSending, OutboxDelivered, OutboxDead}
}
