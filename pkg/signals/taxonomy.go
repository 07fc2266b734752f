package signals

// Canonical kind vocabulary. Verb-first tokens shared across providers so
// downstream consumers never branch on provider-native event names.
const (
	KindIssueCreated = "issue_created"
	KindIssueUpdated = "issue_updated"
	KindIssueClosed  = "issue_closed"

	KindPRCreated = "pr_created"
	KindPRUpdated = "pr_updated"
	KindPRMerged  = "pr_merged"
	KindPRClosed  = "pr_closed"

	KindCommentCreated = "comment_created"

	KindFileCreated = "file_created"
	KindFileUpdated = "file_updated"
	KindFileDeleted = "file_deleted"

	KindEventCreated = "event_created"
	KindEventUpdated = "event_updated"
	KindEventDeleted = "event_deleted"

	KindMessageSent = "message_sent"
	KindMailSent     = "mail_sent"
	KindMailReceived = "mail_received"
)
