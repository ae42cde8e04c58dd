package agent

import (
	"strings"

	"github.com/imkarma/storyloop/internal/config"
)

// Outcome is the terminal classification of one executor run.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"   // zero exit and the completion marker
	OutcomeIncomplete  Outcome = "incomplete"  // zero exit, no marker
	OutcomeFailed      Outcome = "failed"      // non-zero exit, timeout or start failure
	OutcomeInterrupted Outcome = "interrupted" // stopped by the user
)

// Classifier maps an executor response to an Outcome.
type Classifier func(resp *Response) Outcome

// MarkerClassifier reports completed only for a zero exit whose output
// contains marker. An empty marker falls back to the default one.
func MarkerClassifier(marker string) Classifier {
	if marker == "" {
		marker = config.DefaultMarker
	}
	return func(resp *Response) Outcome {
		switch {
		case resp == nil:
			return OutcomeFailed
		case resp.Interrupted:
			return OutcomeInterrupted
		case resp.ExitCode != 0:
			return OutcomeFailed
		case strings.Contains(resp.Output, marker):
			return OutcomeCompleted
		default:
			return OutcomeIncomplete
		}
	}
}
