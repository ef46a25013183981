// Package protocol defines the message envelope and payload types exchanged
// between clients, the server, and workers. Messages are self-delimiting JSON
// values sent over a raw TCP connection (see internal/wire); this package
// only describes their shape and the type-discriminated dispatch convention.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload.
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Message type constants. Auth and bye are shared verbatim across the
// client/server and worker/server conversations.
const (
	TypeHelloFromClient = "hello_from_client"
	TypeHelloFromWorker = "hello_from_worker"
	TypeWelcomeClient   = "welcome_client"
	TypeWelcomeWorker   = "welcome_worker"
	TypeAuthRequest     = "auth_request"
	TypeAuthChallenge   = "auth_challenge"
	TypeAuthResponse    = "auth_response"
	TypeAuthAccepted    = "auth_accepted"
	TypeBye             = "bye"

	// Client -> Server
	TypeIssueJob      = "issue_job"
	TypeListJobs      = "list_jobs"
	TypeShowJob       = "show_job"
	TypeObserveJob    = "observe_job"
	TypeRemoveJob     = "remove_job"
	TypeCleanJobs     = "clean_jobs"
	TypeListWorkers   = "list_workers"
	TypeShowWorker    = "show_worker"
	TypeListResources = "list_resources"

	// Server -> Client
	TypeAcceptJob       = "accept_job"
	TypeRejectJob       = "reject_job"
	TypeJobList         = "job_list"
	TypeJobInfo         = "job_info"
	TypeJobUpdated      = "job_updated"
	TypeWorkerList      = "worker_list"
	TypeWorkerInfo      = "worker_info"
	TypeResourceList    = "resource_list"
	TypeRequestResponse = "request_response"

	// Worker -> Server
	TypeUpdateSystemInfo = "update_system_info"
	TypeUpdateJobStatus  = "update_job_status"
	TypeUpdateJobResults = "update_job_results"
	TypeUpdateResources  = "update_resources"
	TypeAcceptJobOffer   = "accept_job_offer"
	TypeDeferJobOffer    = "defer_job_offer"
	TypeRejectJobOffer   = "reject_job_offer"

	// Server -> Worker
	TypeOfferJob         = "offer_job"
	TypeConfirmJobOffer  = "confirm_job_offer"
	TypeWithdrawJobOffer = "withdraw_job_offer"
	TypeKillJob          = "kill_job"
)

// Resources describes job-slots, CPU cores, and RAM (in MB), either required
// by a job or available on a worker.
type Resources struct {
	JobSlots uint64 `json:"job_slots"`
	CPUs     uint64 `json:"cpus"`
	RAMMB    uint64 `json:"ram_mb"`
}

// Fits reports whether the required resources fit into the available ones.
func (r Resources) Fits(available Resources) bool {
	return r.JobSlots <= available.JobSlots &&
		r.CPUs <= available.CPUs &&
		r.RAMMB <= available.RAMMB
}

// LoadInfo holds 1/5/15-minute load averages.
type LoadInfo struct {
	One     float64 `json:"one"`
	Five    float64 `json:"five"`
	Fifteen float64 `json:"fifteen"`
}

// SystemInfo describes static and slowly-changing hardware information about a worker.
type SystemInfo struct {
	Kernel       string   `json:"kernel"`
	Distribution string   `json:"distribution"`
	CPUCores     uint64   `json:"cpu_cores"`
	CPUMHz       uint64   `json:"cpu_mhz"`
	TotalRAMMB   uint64   `json:"total_ram_mb"`
	LoadInfo     LoadInfo `json:"load_info"`
}

// JobStatusKind enumerates the states a job can be in.
type JobStatusKind string

const (
	JobPending  JobStatusKind = "pending"
	JobOffered  JobStatusKind = "offered"
	JobRunning  JobStatusKind = "running"
	JobFinished JobStatusKind = "finished"
	JobCanceled JobStatusKind = "canceled"
	JobFailed   JobStatusKind = "failed"
)

// JobStatus is a tagged union over the job lifecycle: Pending,
// Offered(worker_id), Running(worker_id, started_at),
// Finished(return_code, run_time_seconds, worker_id, comment),
// Canceled(reason), or Failed(reason). Only the fields relevant to Kind are
// populated.
type JobStatus struct {
	Kind JobStatusKind `json:"kind"`

	WorkerID uint64 `json:"worker_id,omitempty"`

	StartedAt time.Time `json:"started_at,omitempty"`

	ReturnCode     int     `json:"return_code,omitempty"`
	RunTimeSeconds float64 `json:"run_time_seconds,omitempty"`
	Comment        string  `json:"comment,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// JobInfo is the wire representation of a job.
type JobInfo struct {
	JobID             uint64    `json:"job_id"`
	Cmd               []string  `json:"cmd"`
	Cwd               string    `json:"cwd"`
	RequiredResources Resources `json:"required_resources"`
	Status            JobStatus `json:"status"`
	IssuedAt          time.Time `json:"issued_at"`
}

// WorkerInfo is the wire representation of a server-side worker handle.
type WorkerInfo struct {
	WorkerID           uint64     `json:"worker_id"`
	WorkerName         string     `json:"worker_name"`
	SystemInfo         SystemInfo `json:"system_info"`
	AvailableResources Resources  `json:"available_resources"`
	OfferedJobs        []uint64   `json:"offered_jobs"`
	RunningJobs        []uint64   `json:"running_jobs"`
	LastSeenAt         time.Time  `json:"last_seen_at"`
}

// Hello / welcome / auth payloads.

type HelloFromWorkerMessage struct {
	WorkerName string `json:"worker_name"`
}

type AuthChallengeMessage struct {
	Salt string `json:"salt"`
}

type AuthResponseMessage struct {
	Response string `json:"response"`
}

type AuthAcceptedMessage struct {
	Accepted bool `json:"accepted"`
}

// Client -> Server payloads.

type IssueJobMessage struct {
	Cmd               []string  `json:"cmd"`
	Cwd               string    `json:"cwd"`
	RequiredResources Resources `json:"required_resources"`
}

// JobFilter selects which job states ListJobs should return.
type JobFilter struct {
	Pending  bool `json:"pending"`
	Offered  bool `json:"offered"`
	Running  bool `json:"running"`
	Finished bool `json:"finished"`
	Canceled bool `json:"canceled"`
	Failed   bool `json:"failed"`
}

type ListJobsMessage struct {
	NumJobs uint64    `json:"num_jobs"`
	Filter  JobFilter `json:"filter"`

	// History requests archived terminal jobs (Open Question (a): jobs
	// already dropped from the manager's live map by CleanJobs) instead of
	// the manager's current state. Filter and NumJobs's live-state meaning
	// don't apply; NumJobs is still honored as a result limit.
	History bool `json:"history,omitempty"`
}

type ShowJobMessage struct {
	JobID uint64 `json:"job_id"`
}

type ObserveJobMessage struct {
	JobID uint64 `json:"job_id"`
}

type RemoveJobMessage struct {
	JobID uint64 `json:"job_id"`
	Kill  bool   `json:"kill"`
}

type CleanJobsMessage struct {
	All bool `json:"all"`
}

type ShowWorkerMessage struct {
	WorkerID uint64 `json:"worker_id"`
}

// Server -> Client payloads.

type AcceptJobMessage struct {
	Job JobInfo `json:"job"`
}

type RejectJobMessage struct {
	Job    JobInfo `json:"job"`
	Reason string  `json:"reason"`
}

// JobCounts aggregates jobs by state, used in JobListMessage.
type JobCounts struct {
	Pending  uint64 `json:"pending"`
	Offered  uint64 `json:"offered"`
	Running  uint64 `json:"running"`
	Finished uint64 `json:"finished"`
	Canceled uint64 `json:"canceled"`
	Failed   uint64 `json:"failed"`
}

type JobListMessage struct {
	Jobs              []JobInfo `json:"jobs"`
	Counts            JobCounts `json:"counts"`
	AvgRuntimeSeconds int64     `json:"avg_runtime_seconds"`
	ETASeconds        int64     `json:"eta_seconds"`
}

type JobInfoMessage struct {
	Job    JobInfo `json:"job"`
	Stdout *string `json:"stdout,omitempty"`
	Stderr *string `json:"stderr,omitempty"`
}

type JobUpdatedMessage struct {
	Job JobInfo `json:"job"`
}

type WorkerListMessage struct {
	Workers []WorkerInfo `json:"workers"`
}

type WorkerInfoMessage struct {
	Worker WorkerInfo `json:"worker"`
}

type ResourceListMessage struct {
	Used  *Resources `json:"used,omitempty"`
	Total *Resources `json:"total,omitempty"`
}

type RequestResponseMessage struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
}

// Worker -> Server payloads.

type UpdateSystemInfoMessage struct {
	SystemInfo SystemInfo `json:"system_info"`
}

type UpdateJobStatusMessage struct {
	Job JobInfo `json:"job"`
}

type UpdateJobResultsMessage struct {
	JobID  uint64  `json:"job_id"`
	Stdout *string `json:"stdout,omitempty"`
	Stderr *string `json:"stderr,omitempty"`
}

type UpdateResourcesMessage struct {
	Resources Resources `json:"resources"`
}

// JobOfferMessage carries a JobInfo and is shared by both directions of the
// offer/accept-or-defer-or-reject/confirm-or-withdraw negotiation, and by
// KillJob.
type JobOfferMessage struct {
	Job JobInfo `json:"job"`
}
