package request

import "fmt"

// Kind is the discriminator stored with every ledger row.
type Kind string

const (
	KindIngest          Kind = "INGEST"
	KindStoreMetadata   Kind = "STORE_METADATA"
	KindUpdate          Kind = "UPDATE"
	KindUpdatesCreator  Kind = "UPDATES_CREATOR"
	KindDeletion        Kind = "DELETION"
	KindDeletionCreator Kind = "DELETION_CREATOR"
	KindPostProcess     Kind = "POST_PROCESS"
)

// Kinds lists every known kind in a stable order.
var Kinds = []Kind{
	KindIngest,
	KindStoreMetadata,
	KindUpdate,
	KindUpdatesCreator,
	KindDeletion,
	KindDeletionCreator,
	KindPostProcess,
}

func ParseKind(raw string) (Kind, error) {
	for _, kind := range Kinds {
		if string(kind) == raw {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

// JobBacked reports whether executing a request of this kind means running
// one background job dedicated to that request.
func (k Kind) JobBacked() bool {
	switch k {
	case KindUpdatesCreator, KindDeletionCreator, KindPostProcess:
		return true
	}
	return false
}

// GroupedJob reports whether requests of this kind share one background job
// per grouping key (the processing chain for ingest).
func (k Kind) GroupedJob() bool {
	return k == KindIngest
}

// Creator reports whether the kind spawns child requests.
func (k Kind) Creator() bool {
	return k == KindUpdatesCreator || k == KindDeletionCreator
}

// State is the lifecycle state of a request.
type State string

const (
	StateCreated         State = "CREATED"
	StateToSchedule      State = "TO_SCHEDULE"
	StateBlocked         State = "BLOCKED"
	StateRunning         State = "RUNNING"
	StateWaitingDecision State = "WAITING_DECISION"
	StateIgnored         State = "IGNORED"
	StateError           State = "ERROR"
	StateAborted         State = "ABORTED"
)

var States = []State{
	StateCreated,
	StateToSchedule,
	StateBlocked,
	StateRunning,
	StateWaitingDecision,
	StateIgnored,
	StateError,
	StateAborted,
}

func ParseState(raw string) (State, error) {
	for _, state := range States {
		if string(state) == raw {
			return state, nil
		}
	}
	return "", fmt.Errorf("unknown request state %q", raw)
}

// InFlightStates are the states considered by the conflict detector.
var InFlightStates = []State{StateCreated, StateRunning}

// Retryable reports whether a manual relaunch may pick the request up.
func (s State) Retryable() bool {
	return s == StateError || s == StateAborted
}

// Step is a kind specific progress marker.
type Step string

const (
	StepLocalScheduled  Step = "LOCAL_SCHEDULED"
	StepLocalGeneration Step = "LOCAL_GENERATION"
	StepLocalError      Step = "LOCAL_ERROR"

	StepRemoteStorageRequested Step = "REMOTE_STORAGE_REQUESTED"
	StepRemoteStorageDenied    Step = "REMOTE_STORAGE_DENIED"
	StepRemoteStorageError     Step = "REMOTE_STORAGE_ERROR"

	StepRemoteDeletionRequested Step = "REMOTE_STORAGE_DELETION_REQUESTED"
	StepRemoteDeletionDenied    Step = "REMOTE_STORAGE_DELETION_DENIED"
	StepRemoteDeletionError     Step = "REMOTE_STORAGE_DELETION_ERROR"

	StepRemoteNotificationRequested Step = "REMOTE_NOTIFICATION_REQUESTED"
	StepRemoteNotificationError     Step = "REMOTE_NOTIFICATION_ERROR"

	StepRemotePostProcessRequested Step = "REMOTE_POST_PROCESS_REQUESTED"
	StepRemotePostProcessError     Step = "REMOTE_POST_PROCESS_ERROR"
)

// Stage identifies why a request failed.
type Stage string

const (
	StageLocal  Stage = "LOCAL"
	StageDenied Stage = "DENIED"
	StageRemote Stage = "REMOTE"
)
