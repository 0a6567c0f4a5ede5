package request

import (
	"encoding/json"
	"fmt"

	"github.com/vin-jex/archive-orchestrator/internal/archive"
)

// Payload is the kind specific part of a request. Exactly one variant exists
// per Kind; callers switch on the concrete type.
type Payload interface {
	Kind() Kind
	Step() Step
	SetStep(step Step)
	// ErrorStep returns the terminal progress step recorded when the
	// request fails at the given stage.
	ErrorStep(stage Stage) Step
	// Rewind resets progress before a manual relaunch.
	Rewind()
	// TargetPackage is the archival package the request acts on, if any.
	TargetPackage() string
}

// ConflictAware is implemented by variants whose progress step can tell the
// conflict detector that the request no longer competes for its package.
type ConflictAware interface {
	PastConflictPoint() bool
}

type VersioningMode string

const (
	VersioningIncrement VersioningMode = "INC_VERSION"
	VersioningIgnore    VersioningMode = "IGNORE"
	VersioningManual    VersioningMode = "MANUAL"
	VersioningReplace   VersioningMode = "REPLACE"
)

func ParseVersioningMode(raw string) (VersioningMode, error) {
	switch mode := VersioningMode(raw); mode {
	case VersioningIncrement, VersioningIgnore, VersioningManual, VersioningReplace:
		return mode, nil
	}
	return "", fmt.Errorf("unknown versioning mode %q", raw)
}

type DeletionMode string

const (
	DeletionByState     DeletionMode = "BY_STATE"
	DeletionIrrevocably DeletionMode = "IRREVOCABLY"
)

// File is one data object of a submission. An empty Storage means the file
// has to be copied to every target storage; otherwise it is only referenced.
type File struct {
	Filename string `json:"filename"`
	Checksum string `json:"checksum"`
	URL      string `json:"url"`
	Storage  string `json:"storage,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type IngestPayload struct {
	ProductID        string         `json:"product_id"`
	Version          int            `json:"version,omitempty"`
	ChainName        string         `json:"chain_name"`
	VersioningMode   VersioningMode `json:"versioning_mode,omitempty"`
	Storages         []string       `json:"storages,omitempty"`
	Files            []File         `json:"files,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Categories       []string       `json:"categories,omitempty"`
	PackageIDs       []string       `json:"package_ids,omitempty"`
	ReplacePackageID string         `json:"replace_package_id,omitempty"`
	CurrentStep      Step           `json:"step"`
}

func (p *IngestPayload) Kind() Kind        { return KindIngest }
func (p *IngestPayload) Step() Step        { return p.CurrentStep }
func (p *IngestPayload) SetStep(step Step) { p.CurrentStep = step }
func (p *IngestPayload) Rewind()           { p.CurrentStep = StepLocalScheduled }

func (p *IngestPayload) TargetPackage() string {
	if len(p.PackageIDs) == 0 {
		return ""
	}
	return p.PackageIDs[0]
}

func (p *IngestPayload) ErrorStep(stage Stage) Step {
	switch stage {
	case StageDenied:
		return StepRemoteStorageDenied
	case StageRemote:
		return StepRemoteStorageError
	}
	return StepLocalError
}

type StoreMetadataPayload struct {
	PackageID   string `json:"package_id"`
	CurrentStep Step   `json:"step"`
}

func (p *StoreMetadataPayload) Kind() Kind            { return KindStoreMetadata }
func (p *StoreMetadataPayload) Step() Step            { return p.CurrentStep }
func (p *StoreMetadataPayload) SetStep(step Step)     { p.CurrentStep = step }
func (p *StoreMetadataPayload) Rewind()               { p.CurrentStep = StepLocalScheduled }
func (p *StoreMetadataPayload) TargetPackage() string { return p.PackageID }

func (p *StoreMetadataPayload) ErrorStep(stage Stage) Step {
	switch stage {
	case StageDenied:
		return StepRemoteStorageDenied
	case StageRemote:
		return StepRemoteStorageError
	}
	return StepLocalError
}

type UpdateTaskType string

const (
	TaskAddTag         UpdateTaskType = "ADD_TAG"
	TaskRemoveTag      UpdateTaskType = "REMOVE_TAG"
	TaskAddCategory    UpdateTaskType = "ADD_CATEGORY"
	TaskRemoveCategory UpdateTaskType = "REMOVE_CATEGORY"
	TaskRemoveStorage  UpdateTaskType = "REMOVE_STORAGE"
)

// UpdateTask is one pending change on a package. REMOVE_STORAGE is the only
// task that needs the remote storage subsystem.
type UpdateTask struct {
	Type   UpdateTaskType `json:"type"`
	Values []string       `json:"values"`
}

func (t UpdateTask) Remote() bool {
	return t.Type == TaskRemoveStorage
}

type UpdatePayload struct {
	PackageID   string       `json:"package_id"`
	Tasks       []UpdateTask `json:"tasks"`
	CurrentStep Step         `json:"step"`
}

func (p *UpdatePayload) Kind() Kind            { return KindUpdate }
func (p *UpdatePayload) Step() Step            { return p.CurrentStep }
func (p *UpdatePayload) SetStep(step Step)     { p.CurrentStep = step }
func (p *UpdatePayload) TargetPackage() string { return p.PackageID }

// PastConflictPoint is true once the package changes are committed and only
// the notification failed.
func (p *UpdatePayload) PastConflictPoint() bool {
	return p.CurrentStep == StepRemoteNotificationError
}

func (p *UpdatePayload) Rewind() {
	if p.PastConflictPoint() {
		return
	}
	p.CurrentStep = StepLocalScheduled
}

func (p *UpdatePayload) ErrorStep(stage Stage) Step {
	return remoteDeletionErrorStep(p.CurrentStep, stage)
}

type DeletionPayload struct {
	PackageID   string       `json:"package_id"`
	DeleteFiles bool         `json:"delete_files"`
	Mode        DeletionMode `json:"mode"`
	CurrentStep Step         `json:"step"`
}

func (p *DeletionPayload) Kind() Kind            { return KindDeletion }
func (p *DeletionPayload) Step() Step            { return p.CurrentStep }
func (p *DeletionPayload) SetStep(step Step)     { p.CurrentStep = step }
func (p *DeletionPayload) TargetPackage() string { return p.PackageID }

// PastConflictPoint is true once the package is gone and only the
// notification failed.
func (p *DeletionPayload) PastConflictPoint() bool {
	return p.CurrentStep == StepRemoteNotificationError
}

func (p *DeletionPayload) Rewind() {
	if p.PastConflictPoint() {
		return
	}
	p.CurrentStep = StepLocalScheduled
}

func (p *DeletionPayload) ErrorStep(stage Stage) Step {
	return remoteDeletionErrorStep(p.CurrentStep, stage)
}

func remoteDeletionErrorStep(current Step, stage Stage) Step {
	switch stage {
	case StageDenied:
		if current == StepRemoteNotificationRequested {
			return StepRemoteNotificationError
		}
		return StepRemoteDeletionDenied
	case StageRemote:
		if current == StepRemoteNotificationRequested {
			return StepRemoteNotificationError
		}
		return StepRemoteDeletionError
	}
	return StepLocalError
}

// Creator payloads count the packages already expanded so a restarted job
// resumes instead of spawning duplicates.
type UpdatesCreatorPayload struct {
	Criteria    archive.Criteria `json:"criteria"`
	Tasks       []UpdateTask     `json:"tasks"`
	Processed   int              `json:"processed,omitempty"`
	CurrentStep Step             `json:"step"`
}

func (p *UpdatesCreatorPayload) Kind() Kind            { return KindUpdatesCreator }
func (p *UpdatesCreatorPayload) Step() Step            { return p.CurrentStep }
func (p *UpdatesCreatorPayload) SetStep(step Step)     { p.CurrentStep = step }
func (p *UpdatesCreatorPayload) Rewind()               { p.CurrentStep = StepLocalScheduled }
func (p *UpdatesCreatorPayload) TargetPackage() string { return "" }
func (p *UpdatesCreatorPayload) ErrorStep(Stage) Step  { return StepLocalError }

type DeletionCreatorPayload struct {
	Criteria    archive.Criteria `json:"criteria"`
	DeleteFiles bool             `json:"delete_files"`
	Mode        DeletionMode     `json:"mode"`
	Processed   int              `json:"processed,omitempty"`
	CurrentStep Step             `json:"step"`
}

func (p *DeletionCreatorPayload) Kind() Kind            { return KindDeletionCreator }
func (p *DeletionCreatorPayload) Step() Step            { return p.CurrentStep }
func (p *DeletionCreatorPayload) SetStep(step Step)     { p.CurrentStep = step }
func (p *DeletionCreatorPayload) Rewind()               { p.CurrentStep = StepLocalScheduled }
func (p *DeletionCreatorPayload) TargetPackage() string { return "" }
func (p *DeletionCreatorPayload) ErrorStep(Stage) Step  { return StepLocalError }

type PostProcessPayload struct {
	PackageID   string `json:"package_id"`
	ProcessorID string `json:"processor_id"`
	CurrentStep Step   `json:"step"`
}

func (p *PostProcessPayload) Kind() Kind            { return KindPostProcess }
func (p *PostProcessPayload) Step() Step            { return p.CurrentStep }
func (p *PostProcessPayload) SetStep(step Step)     { p.CurrentStep = step }
func (p *PostProcessPayload) Rewind()               { p.CurrentStep = StepLocalScheduled }
func (p *PostProcessPayload) TargetPackage() string { return p.PackageID }

func (p *PostProcessPayload) ErrorStep(stage Stage) Step {
	if stage == StageLocal {
		return StepLocalError
	}
	return StepRemotePostProcessError
}

// NewPayload returns an empty payload for kind.
func NewPayload(kind Kind) (Payload, error) {
	switch kind {
	case KindIngest:
		return &IngestPayload{}, nil
	case KindStoreMetadata:
		return &StoreMetadataPayload{}, nil
	case KindUpdate:
		return &UpdatePayload{}, nil
	case KindUpdatesCreator:
		return &UpdatesCreatorPayload{}, nil
	case KindDeletion:
		return &DeletionPayload{}, nil
	case KindDeletionCreator:
		return &DeletionCreatorPayload{}, nil
	case KindPostProcess:
		return &PostProcessPayload{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func EncodePayload(payload Payload) ([]byte, error) {
	if payload == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", payload.Kind(), err)
	}
	return data, nil
}

func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	payload, err := NewPayload(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return payload, nil
}
