package models

import "time"

type RolloutPhase string

const (
	PhasePending     RolloutPhase = "pending"
	PhaseResolving   RolloutPhase = "resolving"
	PhasePublishing  RolloutPhase = "publishing"
	PhaseApplying    RolloutPhase = "applying"
	PhaseVerifying   RolloutPhase = "verifying"
	PhaseSucceeded   RolloutPhase = "succeeded"
	PhaseRollingBack RolloutPhase = "rolling-back"
	PhaseRolledBack  RolloutPhase = "rolled-back"
	PhaseFailed      RolloutPhase = "failed"
)

func (p RolloutPhase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhaseRolledBack, PhaseFailed:
		return true
	}
	return false
}

// TouchesCluster reports whether the cluster may already have been mutated
// once a rollout reached this phase.
func (p RolloutPhase) TouchesCluster() bool {
	switch p {
	case PhaseApplying, PhaseVerifying, PhaseRollingBack:
		return true
	}
	return false
}

type RolloutStatus string

const (
	StatusPending    RolloutStatus = "pending"
	StatusInProgress RolloutStatus = "in-progress"
	StatusSucceeded  RolloutStatus = "succeeded"
	StatusFailed     RolloutStatus = "failed"
	StatusRolledBack RolloutStatus = "rolled-back"
)

func (p RolloutPhase) Status() RolloutStatus {
	switch p {
	case PhasePending:
		return StatusPending
	case PhaseSucceeded:
		return StatusSucceeded
	case PhaseFailed:
		return StatusFailed
	case PhaseRolledBack:
		return StatusRolledBack
	default:
		return StatusInProgress
	}
}

type PhaseTransition struct {
	Phase   RolloutPhase `json:"phase"`
	At      time.Time    `json:"at"`
	Message string       `json:"message,omitempty"`
}

type RolloutRecord struct {
	ID       string `json:"id"`
	Workload string `json:"workload"`
	Revision int    `json:"revision"`

	Phase  RolloutPhase  `json:"phase"`
	Status RolloutStatus `json:"status"`

	SpecVersion     int               `json:"spec_version"`
	Spec            *DeploymentSpec   `json:"spec,omitempty"`
	PreviousVersion int               `json:"previous_version,omitempty"`
	PreviousSpec    *DeploymentSpec   `json:"previous_spec,omitempty"`
	Artifact        ArtifactRef       `json:"artifact"`
	Overrides       map[string]string `json:"overrides,omitempty"`

	// Cause is the forward failure; RollbackCause is kept apart so an
	// operator can tell a failed rollout from a failed recovery.
	Cause         string `json:"cause,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
	RollbackCause string `json:"rollback_cause,omitempty"`

	CancelRequested bool           `json:"cancel_requested,omitempty"`
	Polls           int            `json:"polls,omitempty"`
	Readiness       WorkloadStatus `json:"readiness"`

	Transitions []PhaseTransition `json:"transitions"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

func (r *RolloutRecord) Terminal() bool {
	return r.Phase.Terminal()
}

func (r *RolloutRecord) Transition(phase RolloutPhase, at time.Time, message string) {
	r.Phase = phase
	r.Status = phase.Status()
	r.UpdatedAt = at
	if phase != PhasePending && r.StartedAt.IsZero() {
		r.StartedAt = at
	}
	if phase.Terminal() {
		r.FinishedAt = at
	}
	r.Transitions = append(r.Transitions, PhaseTransition{
		Phase:   phase,
		At:      at,
		Message: message,
	})
}

// Clone returns a deep enough copy for the store to hand out without the
// caller being able to mutate persisted state.
func (r RolloutRecord) Clone() RolloutRecord {
	out := r
	if r.Spec != nil {
		s := cloneSpec(*r.Spec)
		out.Spec = &s
	}
	if r.PreviousSpec != nil {
		s := cloneSpec(*r.PreviousSpec)
		out.PreviousSpec = &s
	}
	out.Overrides = copyMap(r.Overrides)
	out.Transitions = append([]PhaseTransition(nil), r.Transitions...)
	out.Readiness.Messages = append([]string(nil), r.Readiness.Messages...)
	return out
}

func cloneSpec(s DeploymentSpec) DeploymentSpec {
	s.Env = copyMap(s.Env)
	s.Labels = copyMap(s.Labels)
	return s
}

type RolloutLog struct {
	Records   []RolloutRecord `json:"records"`
	Artifacts []ArtifactRef   `json:"artifacts"`
}
