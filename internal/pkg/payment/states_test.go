package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ManuelReschke/PayFox/app/models"
)

func TestIsValidTransition(t *testing.T) {
	allowed := map[string][]string{
		models.PaymentStatusCreated:    {models.PaymentStatusInitiated, models.PaymentStatusExpired},
		models.PaymentStatusInitiated:  {models.PaymentStatusProcessing, models.PaymentStatusFailed, models.PaymentStatusExpired},
		models.PaymentStatusProcessing: {models.PaymentStatusSuccess, models.PaymentStatusFailed},
		models.PaymentStatusSuccess:    {models.PaymentStatusRefunded, models.PaymentStatusDisputed},
		models.PaymentStatusDisputed:   {models.PaymentStatusRefunded},
	}

	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			want := contains(allowed[from], to)
			assert.Equalf(t, want, IsValidTransition(from, to), "transition %s -> %s", from, to)
		}
	}
}

func TestIsValidTransitionUnknownStatus(t *testing.T) {
	assert.False(t, IsValidTransition("BOGUS", models.PaymentStatusSuccess))
	assert.False(t, IsValidTransition(models.PaymentStatusCreated, "BOGUS"))
	assert.False(t, IsValidTransition("", ""))
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	terminal := []string{
		models.PaymentStatusFailed,
		models.PaymentStatusExpired,
		models.PaymentStatusRefunded,
	}

	for _, status := range terminal {
		assert.Truef(t, IsTerminalStatus(status), "%s should be terminal", status)
		for _, to := range AllStatuses() {
			assert.Falsef(t, IsValidTransition(status, to), "terminal %s must not allow %s", status, to)
		}
	}
}

func TestNonTerminalStatuses(t *testing.T) {
	nonTerminal := []string{
		models.PaymentStatusCreated,
		models.PaymentStatusInitiated,
		models.PaymentStatusProcessing,
		models.PaymentStatusSuccess,
		models.PaymentStatusDisputed,
	}
	for _, status := range nonTerminal {
		assert.Falsef(t, IsTerminalStatus(status), "%s should not be terminal", status)
	}
}

func TestSelfTransitionsAreRejected(t *testing.T) {
	for _, status := range AllStatuses() {
		assert.Falsef(t, IsValidTransition(status, status), "%s -> %s must be rejected", status, status)
	}
}
