package domain

// IncidentState is a saga state of an Incident.
type IncidentState string

// Incident states.
const (
	IncidentOpen                  IncidentState = "open"
	IncidentDiagnosing            IncidentState = "diagnosing"
	IncidentDiagnosisFailed       IncidentState = "diagnosis_failed"
	IncidentAwaitingPartsSchedule IncidentState = "awaiting_parts_schedule"
	IncidentScheduled             IncidentState = "scheduled"
	IncidentInRepair              IncidentState = "in_repair"
	IncidentBillingFailed         IncidentState = "billing_failed"
	IncidentCompleted             IncidentState = "completed"
	IncidentCancelled             IncidentState = "cancelled"
)

// AllIncidentStates lists every state in lifecycle order.
var AllIncidentStates = []IncidentState{
	IncidentOpen, IncidentDiagnosing, IncidentDiagnosisFailed, IncidentAwaitingPartsSchedule,
	IncidentScheduled, IncidentInRepair, IncidentBillingFailed, IncidentCompleted, IncidentCancelled,
}

var incidentTransitions = map[IncidentState][]IncidentState{
	IncidentOpen:                  {IncidentDiagnosing, IncidentCancelled},
	IncidentDiagnosing:            {IncidentAwaitingPartsSchedule, IncidentDiagnosisFailed, IncidentCancelled},
	IncidentDiagnosisFailed:       {IncidentDiagnosing, IncidentCancelled},
	IncidentAwaitingPartsSchedule: {IncidentDiagnosing, IncidentScheduled, IncidentCancelled},
	IncidentScheduled:             {IncidentInRepair, IncidentCancelled},
	IncidentInRepair:              {IncidentCompleted, IncidentBillingFailed, IncidentCancelled},
	IncidentBillingFailed:         {IncidentCompleted},
}

// CanTransition reports whether from -> to is an edge of the incident saga.
func (s IncidentState) CanTransition(to IncidentState) bool {
	for _, next := range incidentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no outgoing edges.
func (s IncidentState) IsTerminal() bool {
	return s == IncidentCompleted || s == IncidentCancelled
}

// Valid reports whether s is a known state.
func (s IncidentState) Valid() bool {
	for _, st := range AllIncidentStates {
		if st == s {
			return true
		}
	}
	return false
}

// PastDiagnosis reports whether a diagnosis has been accepted for the incident
// in this state.
func (s IncidentState) PastDiagnosis() bool {
	switch s {
	case IncidentAwaitingPartsSchedule, IncidentScheduled, IncidentInRepair, IncidentBillingFailed, IncidentCompleted:
		return true
	}
	return false
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobScheduled:  {JobInProgress, JobCancelled},
	JobInProgress: {JobCompleted, JobCancelled},
}

// CanTransition reports whether from -> to is a legal job transition.
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the job can no longer change.
func (s JobStatus) IsTerminal() bool { return s == JobCompleted || s == JobCancelled }
