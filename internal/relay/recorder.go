package relay

import "context"

// Call outcomes passed to Recorder.Finished.
const (
	OutcomeEnded     = "ended"
	OutcomeMissed    = "missed"
	OutcomeDeclined  = "declined"
	OutcomeCancelled = "cancelled"
)

// Recorder keeps call history. The first outcome recorded for a call wins;
// later ones are ignored by the implementation.
type Recorder interface {
	Ringing(ctx context.Context, callID, conversationID, initiatorID, callType string) error
	Answered(ctx context.Context, callID, userID string) error
	Finished(ctx context.Context, callID, outcome string, durationSeconds int) error
}

type nopRecorder struct{}

func (nopRecorder) Ringing(context.Context, string, string, string, string) error { return nil }
func (nopRecorder) Answered(context.Context, string, string) error                { return nil }
func (nopRecorder) Finished(context.Context, string, string, int) error           { return nil }
