package payment

import "github.com/ManuelReschke/PayFox/app/models"

// allowedTransitions is the authoritative edge table for payment statuses.
// Terminal statuses (FAILED, EXPIRED, REFUNDED) have no outgoing edges.
var allowedTransitions = map[string][]string{
	models.PaymentStatusCreated:    {models.PaymentStatusInitiated, models.PaymentStatusExpired},
	models.PaymentStatusInitiated:  {models.PaymentStatusProcessing, models.PaymentStatusFailed, models.PaymentStatusExpired},
	models.PaymentStatusProcessing: {models.PaymentStatusSuccess, models.PaymentStatusFailed},
	models.PaymentStatusSuccess:    {models.PaymentStatusRefunded, models.PaymentStatusDisputed},
	models.PaymentStatusDisputed:   {models.PaymentStatusRefunded},
	models.PaymentStatusFailed:     {},
	models.PaymentStatusExpired:    {},
	models.PaymentStatusRefunded:   {},
}

// IsValidTransition reports whether a payment may move from one status to
// another according to the transition table.
func IsValidTransition(from, to string) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether a status has no outgoing transitions.
func IsTerminalStatus(status string) bool {
	targets, ok := allowedTransitions[status]
	return ok && len(targets) == 0
}

// AllStatuses lists every known payment status, for validation and tests.
func AllStatuses() []string {
	return []string{
		models.PaymentStatusCreated,
		models.PaymentStatusInitiated,
		models.PaymentStatusProcessing,
		models.PaymentStatusSuccess,
		models.PaymentStatusFailed,
		models.PaymentStatusExpired,
		models.PaymentStatusDisputed,
		models.PaymentStatusRefunded,
	}
}
