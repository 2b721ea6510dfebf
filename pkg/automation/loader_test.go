package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDefinitions(t *testing.T) {
	data := []byte(`
processes:
  - name: retention_process
    maxAge: P14D
    steps:
      - action: send_reminder
      - action: call_attempt
        delay: P3D
      - action: escalate_owner
        delay: P4D
  - name: payment_recovery
    maxAge: P1W
    steps:
      - action: send_payment_reminder
        delay: PT6H
`)

	defs, err := ParseDefinitions(data)

	assert.NoError(t, err)
	assert.Len(t, defs, 2)

	retention := defs[0]
	assert.Equal(t, "retention_process", retention.Name)
	assert.Equal(t, 14*24*time.Hour, retention.MaxAge)
	assert.Len(t, retention.Steps, 3)
	assert.Equal(t, time.Duration(0), retention.Steps[0].Delay)
	assert.Equal(t, 3*24*time.Hour, retention.Steps[1].Delay)
	assert.Equal(t, 4*24*time.Hour, retention.Steps[2].Delay)

	payment := defs[1]
	assert.Equal(t, 7*24*time.Hour, payment.MaxAge)
	assert.Equal(t, 6*time.Hour, payment.Steps[0].Delay)
}

func TestParseDefinitionsRejectsDuplicates(t *testing.T) {
	data := []byte(`
processes:
  - name: dup
    maxAge: P1D
    steps: [{action: a}]
  - name: dup
    maxAge: P1D
    steps: [{action: a}]
`)

	_, err := ParseDefinitions(data)

	assert.ErrorContains(t, err, "duplicate process definition")
}

func TestParseDefinitionsRejectsStepless(t *testing.T) {
	data := []byte(`
processes:
  - name: empty
    maxAge: P1D
    steps: []
`)

	_, err := ParseDefinitions(data)

	assert.ErrorContains(t, err, "no steps")
}

func TestParseDefinitionsRejectsCalendarDurations(t *testing.T) {
	// month-based delays are not deterministic
	data := []byte(`
processes:
  - name: monthly
    maxAge: P1M
    steps: [{action: a}]
`)

	_, err := ParseDefinitions(data)

	assert.ErrorContains(t, err, "not supported")
}

func TestParseDefinitionsRejectsNonPositiveMaxAge(t *testing.T) {
	data := []byte(`
processes:
  - name: zero
    maxAge: PT0S
    steps: [{action: a}]
`)

	_, err := ParseDefinitions(data)

	assert.ErrorContains(t, err, "must be positive")
}
