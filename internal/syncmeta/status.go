package syncmeta

// Status is the per-(branch, table) sync state recorded in the catalog.
type Status string

const (
	// StatusPending marks a row that has never completed, or one whose
	// last run was interrupted after committing at least one batch. The
	// watermark is trusted; the next cycle resumes from it.
	StatusPending Status = "Pending"
	// StatusInProgress marks a run currently executing (or one that died
	// without writing a terminal status; it resumes the same way Pending
	// does).
	StatusInProgress Status = "InProgress"
	// StatusComplete marks a drained table.
	StatusComplete Status = "Complete"
	// StatusFailed marks a run that errored before committing anything.
	StatusFailed Status = "Failed"
	// StatusSchemaError marks a table whose target shape cannot be
	// reconciled automatically; it is skipped until an operator fixes it.
	StatusSchemaError Status = "SchemaError"
)
