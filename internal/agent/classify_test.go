package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkerClassifier(t *testing.T) {
	classify := MarkerClassifier("<done/>")

	cases := []struct {
		name string
		resp *Response
		want Outcome
	}{
		{"zero exit with marker", &Response{Output: "work\n<done/>\n"}, OutcomeCompleted},
		{"zero exit without marker", &Response{Output: "work"}, OutcomeIncomplete},
		{"non-zero exit with marker", &Response{Output: "<done/>", ExitCode: 2}, OutcomeFailed},
		{"timeout", &Response{ExitCode: -1}, OutcomeFailed},
		{"interrupted", &Response{Output: "<done/>", ExitCode: InterruptExitCode, Interrupted: true}, OutcomeInterrupted},
		{"nil response", nil, OutcomeFailed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, classify(c.resp))
		})
	}
}

func TestMarkerClassifier_DefaultMarker(t *testing.T) {
	classify := MarkerClassifier("")
	assert.Equal(t, OutcomeCompleted, classify(&Response{Output: "<promise>COMPLETE</promise>"}))
	assert.Equal(t, OutcomeIncomplete, classify(&Response{Output: "<done/>"}))
}
