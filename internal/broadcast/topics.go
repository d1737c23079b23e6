// ABOUTME: Topic naming shared by publishers and subscribers.
// ABOUTME: Project and session topics carry progress; decision topics carry approval signals.

package broadcast

// ProjectTopic is the progress topic for a project.
func ProjectTopic(projectID string) string {
	return "project:" + projectID
}

// SessionTopic is the progress topic for a session without a project.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// DecisionTopic carries plan_approval signals for a project.
func DecisionTopic(projectID string) string {
	return "decisions:" + projectID
}
