// Package types provides type-safe constants for the sideload update cycle.
//
// This package centralizes the enumerated types shared by the download
// service, the coordinator, the orchestrator and the CLI, replacing magic
// strings with typed constants that carry validation methods.
//
// SYNC REQUIREMENT: DownloadStatus values are stored verbatim in the jobs
// table (internal/downloads/store.go). Renaming one requires a migration.
package types

import (
	"fmt"
	"strings"
)

// DownloadStatus is the state of a download job as reported by the download service.
type DownloadStatus string

const (
	// StatusPending means the job is queued and no bytes have been transferred.
	StatusPending DownloadStatus = "pending"
	// StatusRunning means the job is transferring bytes.
	StatusRunning DownloadStatus = "running"
	// StatusSucceeded means the artifact is complete at its destination.
	StatusSucceeded DownloadStatus = "succeeded"
	// StatusFailed means the job ended without producing an artifact.
	StatusFailed DownloadStatus = "failed"
	// StatusNotFound is returned by queries for an unknown job id. It is never stored.
	StatusNotFound DownloadStatus = "not_found"
)

// AllDownloadStatuses returns every status a stored job can have.
func AllDownloadStatuses() []DownloadStatus {
	return []DownloadStatus{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}
}

// Validate checks if the DownloadStatus is a value a job row may hold.
func (s DownloadStatus) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return nil
	case "":
		return fmt.Errorf("download status is required")
	default:
		return fmt.Errorf("invalid download status '%s' (must be one of %s)", s, joinValues(AllDownloadStatuses()))
	}
}

// String returns the string representation of the DownloadStatus.
func (s DownloadStatus) String() string {
	return string(s)
}

// IsTerminal returns true if no further transition occurs from this status.
func (s DownloadStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// IsActive returns true while the download service may still change the job.
func (s DownloadStatus) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// ParseDownloadStatus parses a string into a DownloadStatus.
func ParseDownloadStatus(s string) (DownloadStatus, error) {
	ds := DownloadStatus(strings.ToLower(strings.TrimSpace(s)))
	if err := ds.Validate(); err != nil {
		return "", err
	}
	return ds, nil
}

// Visibility controls whether a download reports progress to the user.
type Visibility string

const (
	// VisibilityHidden reports nothing.
	VisibilityHidden Visibility = "hidden"
	// VisibilityVisible reports progress while the job runs.
	VisibilityVisible Visibility = "visible"
	// VisibilityVisibleNotifyCompleted reports progress and a completion notice.
	VisibilityVisibleNotifyCompleted Visibility = "visible_notify_completed"
)

// AllVisibilities returns all valid visibility values.
func AllVisibilities() []Visibility {
	return []Visibility{VisibilityHidden, VisibilityVisible, VisibilityVisibleNotifyCompleted}
}

// Validate checks if the Visibility is a valid value.
func (v Visibility) Validate() error {
	switch v {
	case VisibilityHidden, VisibilityVisible, VisibilityVisibleNotifyCompleted:
		return nil
	case "":
		return fmt.Errorf("notification visibility is required")
	default:
		return fmt.Errorf("invalid notification visibility '%s' (must be one of %s)", v, joinValues(AllVisibilities()))
	}
}

// String returns the string representation of the Visibility.
func (v Visibility) String() string {
	return string(v)
}

// ShowsProgress returns true if progress should be reported.
func (v Visibility) ShowsProgress() bool {
	return v == VisibilityVisible || v == VisibilityVisibleNotifyCompleted
}

// NotifiesCompletion returns true if a completion notice should be reported.
func (v Visibility) NotifiesCompletion() bool {
	return v == VisibilityVisibleNotifyCompleted
}

// ParseVisibility parses a string into a Visibility.
func ParseVisibility(s string) (Visibility, error) {
	v := Visibility(strings.ToLower(strings.TrimSpace(s)))
	if err := v.Validate(); err != nil {
		return "", err
	}
	return v, nil
}

func joinValues[T ~string](values []T) string {
	names := make([]string, len(values))
	for i, v := range values {
		names[i] = string(v)
	}
	return strings.Join(names, ", ")
}

// Choice is the user's answer to the update prompt.
type Choice string

const (
	// ChoiceAccepted means the user wants the update.
	ChoiceAccepted Choice = "accepted"
	// ChoiceDeclined means the user does not want the update.
	ChoiceDeclined Choice = "declined"
)

// String returns the string representation of the Choice.
func (c Choice) String() string {
	return string(c)
}

// IsAccepted returns true if the user accepted.
func (c Choice) IsAccepted() bool {
	return c == ChoiceAccepted
}

// PollOutcome is the terminal observation of a polled download job.
type PollOutcome string

const (
	// OutcomeSucceeded means the job succeeded and its artifact was resolved.
	OutcomeSucceeded PollOutcome = "succeeded"
	// OutcomeFailed means the download service reported failure.
	OutcomeFailed PollOutcome = "failed"
	// OutcomeTimeout means polling gave up before the job reached a terminal status.
	OutcomeTimeout PollOutcome = "timeout"
)

// String returns the string representation of the PollOutcome.
func (o PollOutcome) String() string {
	return string(o)
}

// CycleState is a state of the update orchestrator.
type CycleState string

const (
	StateIdle              CycleState = "idle"
	StateChecking          CycleState = "checking"
	StateNoUpdate          CycleState = "no_update"
	StateUpdateAvailable   CycleState = "update_available"
	StatePrompting         CycleState = "prompting"
	StateDeclined          CycleState = "declined"
	StateAccepted          CycleState = "accepted"
	StateDownloading       CycleState = "downloading"
	StateDownloadFailed    CycleState = "download_failed"
	StateDownloadTimeout   CycleState = "download_timeout"
	StateDownloadSucceeded CycleState = "download_succeeded"
	StateInstalling        CycleState = "installing"
	StateFailed            CycleState = "failed"
)

// String returns the string representation of the CycleState.
func (s CycleState) String() string {
	return string(s)
}

// cycleTransitions lists the legal successors of every state.
var cycleTransitions = map[CycleState][]CycleState{
	StateIdle:              {StateChecking},
	StateChecking:          {StateNoUpdate, StateUpdateAvailable, StateFailed},
	StateNoUpdate:          {StateIdle},
	StateUpdateAvailable:   {StatePrompting, StateFailed},
	StatePrompting:         {StateDeclined, StateAccepted, StateFailed},
	StateDeclined:          {StateIdle},
	StateAccepted:          {StateDownloading, StateFailed},
	StateDownloading:       {StateDownloadFailed, StateDownloadTimeout, StateDownloadSucceeded, StateFailed},
	StateDownloadFailed:    {StateIdle},
	StateDownloadTimeout:   {StateIdle},
	StateDownloadSucceeded: {StateInstalling, StateFailed},
	StateInstalling:        {StateIdle},
	StateFailed:            {StateIdle},
}

// CanTransition reports whether the orchestrator may move from s to next.
func (s CycleState) CanTransition(next CycleState) bool {
	for _, allowed := range cycleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for the states that end a cycle (the next state is idle).
func (s CycleState) IsTerminal() bool {
	next := cycleTransitions[s]
	return len(next) == 1 && next[0] == StateIdle
}
