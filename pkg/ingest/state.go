package ingest

// State is a step of an ingestion run.
type State string

// Run states in the order a full run passes through them.
const (
	StateIdle            State = "idle"
	StateCheckingVersion State = "checking_version"
	StateSkippedNoOp     State = "skipped"
	StatePreparing       State = "preparing"
	StateDownloading     State = "downloading"
	StateExtracting      State = "extracting"
	StateValidating      State = "validating"
	StateMerging         State = "merging"
	StatePublishing      State = "publishing"
	StateCleaningUp      State = "cleaning_up"
	StateDone            State = "done"
	StateFailed          State = "failed"
)
