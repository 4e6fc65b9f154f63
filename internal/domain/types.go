package domain

// CaptureMode selects how recording sessions are started and stopped.
type CaptureMode string

const (
	ModePushToTalk     CaptureMode = "push_to_talk"
	ModeContinuous     CaptureMode = "continuous"
	ModeVoiceActivated CaptureMode = "voice_activated"
)

// TriggerPhase is the sub-state of ModeVoiceActivated.
type TriggerPhase string

const (
	PhaseAwaitingTrigger    TriggerPhase = "awaiting_trigger"
	PhaseCapturingUtterance TriggerPhase = "capturing_utterance"
)

// PermissionState tracks microphone access. Only the audio session manager
// transitions it; every other component reads.
type PermissionState string

const (
	PermissionUnknown    PermissionState = "unknown"
	PermissionRequesting PermissionState = "requesting"
	PermissionGranted    PermissionState = "granted"
	PermissionDenied     PermissionState = "denied"
	PermissionFailed     PermissionState = "failed"
)

// BackendKind selects which transcription backend adapter is instantiated.
type BackendKind string

const (
	BackendStreaming   BackendKind = "streaming"
	BackendBatchRemote BackendKind = "batch_remote"
)

// CaptureState models the capture lifecycle as seen by the consumer.
type CaptureState string

const (
	CaptureStateIdle      CaptureState = "idle"
	CaptureStateListening CaptureState = "listening"
	CaptureStateRecording CaptureState = "recording"
	CaptureStateStopping  CaptureState = "stopping"
	CaptureStateDisabled  CaptureState = "disabled"
)

// StateReason provides a structured reason for state transitions.
type StateReason string

const (
	ReasonModeChanged       StateReason = "mode_changed"
	ReasonRecordingStarted  StateReason = "recording_started"
	ReasonTriggerListening  StateReason = "trigger_listening"
	ReasonTriggerMatched    StateReason = "trigger_matched"
	ReasonTranscribing      StateReason = "transcribing"
	ReasonSegmentCommitted  StateReason = "segment_committed"
	ReasonSegmentDiscarded  StateReason = "segment_discarded"
	ReasonTimeoutAbandoned  StateReason = "timeout_abandoned"
	ReasonUpstreamBusy      StateReason = "upstream_busy"
	ReasonUpstreamReady     StateReason = "upstream_ready"
	ReasonPermissionDenied  StateReason = "permission_denied"
	ReasonCaptureRestarted  StateReason = "capture_restarted"
	ReasonTranscriptionFail StateReason = "transcription_failed"
)

// ErrorCode identifies failures surfaced to the consumer.
type ErrorCode string

const (
	ErrorCodePermissionDenied   ErrorCode = "permission_denied"
	ErrorCodeDeviceUnavailable  ErrorCode = "device_unavailable"
	ErrorCodeDeviceBusy         ErrorCode = "device_busy"
	ErrorCodeEncoderInit        ErrorCode = "encoder_init"
	ErrorCodeDeviceDisconnected ErrorCode = "device_disconnected"
	ErrorCodeBackendNetwork     ErrorCode = "backend_network"
	ErrorCodeBackendRejected    ErrorCode = "backend_rejected"
	ErrorCodeBackendMalformed   ErrorCode = "backend_malformed"
	ErrorCodeBackendUnavailable ErrorCode = "backend_unavailable"
)

// TranscriptKind identifies whether a stream event is partial or final text.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent represents incremental transcription output from a backend.
type TranscriptEvent struct {
	Kind          TranscriptKind `json:"kind"`
	Text          string         `json:"text"`
	IsSpeechFinal bool           `json:"isSpeechFinal"`
}

// CommitEvent is committed text handed to the downstream consumer.
type CommitEvent struct {
	Text    string      `json:"text"`
	Backend BackendKind `json:"backendUsed"`
	Mode    CaptureMode `json:"mode"`
	IsFinal bool        `json:"isFinal"`
}

// Status summarizes the current runtime status.
type Status struct {
	Mode       CaptureMode     `json:"mode"`
	Phase      TriggerPhase    `json:"phase,omitempty"`
	State      CaptureState    `json:"state"`
	Permission PermissionState `json:"permission"`
	Active     bool            `json:"active"`
}
