package events

const (
	SubjectAll = "tracefinder.run.>"

	StreamName   = "TRACEFINDER_EVENTS"
	StreamMaxAge = "720h" // 30 days
)

func SubjectRunStarted(runID string) string   { return "tracefinder.run." + runID + ".started" }
func SubjectRunCompleted(runID string) string { return "tracefinder.run." + runID + ".completed" }
func SubjectRunFailed(runID string) string    { return "tracefinder.run." + runID + ".failed" }
