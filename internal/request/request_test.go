package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition(StateToSchedule, StateCreated))
	require.NoError(t, ValidateTransition(StateCreated, StateBlocked))
	require.NoError(t, ValidateTransition(StateBlocked, StateCreated))
	require.NoError(t, ValidateTransition(StateCreated, StateRunning))
	require.NoError(t, ValidateTransition(StateWaitingDecision, StateCreated))
	require.NoError(t, ValidateTransition(StateRunning, StateRunning))

	require.Error(t, ValidateTransition(StateRunning, StateCreated))
	require.Error(t, ValidateTransition(StateError, StateToSchedule))
	require.Error(t, ValidateTransition(StateAborted, StateCreated))
	require.Error(t, ValidateTransition(StateIgnored, StateRunning))
}

func TestValidateRelaunch(t *testing.T) {
	require.NoError(t, ValidateRelaunch(StateError))
	require.NoError(t, ValidateRelaunch(StateAborted))

	for _, state := range []State{StateCreated, StateRunning, StateBlocked, StateIgnored} {
		require.Error(t, ValidateRelaunch(state), state)
	}
}

func TestRemoveCorrelation(t *testing.T) {
	r := &Request{CorrelationIDs: []string{"G-1", "G-2"}}

	assert.True(t, r.RemoveCorrelation("G-1"))
	assert.False(t, r.RemoveCorrelation("G-1"))
	assert.Equal(t, []string{"G-2"}, r.CorrelationIDs)
	assert.True(t, r.Outstanding())

	assert.True(t, r.RemoveCorrelation("G-2"))
	assert.False(t, r.Outstanding())
}

func TestFailSetsErrorStep(t *testing.T) {
	r := New("t", "", "", &IngestPayload{ProductID: "P-1", ChainName: "c"})
	r.State = StateRunning
	r.Payload.SetStep(StepRemoteStorageRequested)

	require.NoError(t, r.Fail(StageRemote, "disk full"))

	assert.Equal(t, StateError, r.State)
	assert.Equal(t, StepRemoteStorageError, r.Step())
	assert.Equal(t, []string{"disk full"}, r.Errors)
}

func TestPastConflictPoint(t *testing.T) {
	update := &UpdatePayload{PackageID: "A-7", CurrentStep: StepRemoteNotificationError}
	deletion := &DeletionPayload{PackageID: "A-7", CurrentStep: StepRemoteDeletionError}
	ingest := &IngestPayload{CurrentStep: StepRemoteNotificationError}

	assert.True(t, (&Request{Payload: update}).PastConflictPoint())
	assert.False(t, (&Request{Payload: deletion}).PastConflictPoint())
	assert.False(t, (&Request{Payload: ingest}).PastConflictPoint())
}

func TestRewindKeepsNotificationFailure(t *testing.T) {
	deletion := &DeletionPayload{CurrentStep: StepRemoteNotificationError}
	deletion.Rewind()
	assert.Equal(t, StepRemoteNotificationError, deletion.CurrentStep)

	deletion.CurrentStep = StepRemoteDeletionDenied
	deletion.Rewind()
	assert.Equal(t, StepLocalScheduled, deletion.CurrentStep)
}

func TestErrorStepDependsOnStage(t *testing.T) {
	update := &UpdatePayload{CurrentStep: StepRemoteNotificationRequested}
	assert.Equal(t, StepRemoteNotificationError, update.ErrorStep(StageRemote))

	update.CurrentStep = StepRemoteDeletionRequested
	assert.Equal(t, StepRemoteDeletionDenied, update.ErrorStep(StageDenied))
	assert.Equal(t, StepRemoteDeletionError, update.ErrorStep(StageRemote))
	assert.Equal(t, StepLocalError, update.ErrorStep(StageLocal))

	post := &PostProcessPayload{}
	assert.Equal(t, StepRemotePostProcessError, post.ErrorStep(StageDenied))
}

func TestPayloadCodec(t *testing.T) {
	original := &DeletionPayload{
		PackageID:   "A-7",
		DeleteFiles: true,
		Mode:        DeletionIrrevocably,
		CurrentStep: StepRemoteDeletionRequested,
	}

	raw, err := EncodePayload(original)
	require.NoError(t, err)

	decoded, err := DecodePayload(KindDeletion, raw)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	_, err = DecodePayload(Kind("BOGUS"), raw)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestValidateRejectsMixedKinds(t *testing.T) {
	requests := []*Request{
		New("t", "o", "s", &UpdatePayload{PackageID: "A", Tasks: []UpdateTask{{Type: TaskAddTag, Values: []string{"x"}}}}),
		New("t", "o", "s", &DeletionPayload{PackageID: "A", Mode: DeletionByState}),
	}

	err := Validate(requests)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		request *Request
		field   string
	}{
		{"missing product", New("t", "", "", &IngestPayload{ChainName: "c"}), "product_id"},
		{"missing chain", New("t", "", "", &IngestPayload{ProductID: "P"}), "chain_name"},
		{"bad versioning", New("t", "", "", &IngestPayload{ProductID: "P", ChainName: "c", VersioningMode: "SOMETIMES"}), "versioning_mode"},
		{"update without tasks", New("t", "", "", &UpdatePayload{PackageID: "A"}), "tasks"},
		{"deletion without mode", New("t", "", "", &DeletionPayload{PackageID: "A"}), "mode"},
		{"creator without session", New("t", "", "", &DeletionCreatorPayload{Mode: DeletionByState}), "session"},
		{"half session", New("t", "o", "", &StoreMetadataPayload{PackageID: "A"}), "session"},
		{"missing tenant", New("", "", "", &StoreMetadataPayload{PackageID: "A"}), "tenant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]*Request{tt.request})
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}
}

func TestKindClassification(t *testing.T) {
	assert.True(t, KindUpdatesCreator.JobBacked())
	assert.True(t, KindPostProcess.JobBacked())
	assert.False(t, KindIngest.JobBacked())
	assert.True(t, KindIngest.GroupedJob())
	assert.False(t, KindUpdate.GroupedJob())

	kind, err := ParseKind("DELETION")
	require.NoError(t, err)
	assert.Equal(t, KindDeletion, kind)

	_, err = ParseKind("deletion")
	require.ErrorIs(t, err, ErrUnknownKind)
}
