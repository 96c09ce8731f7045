package model

import (
	"encoding/json"
	"time"
)

// Module 任务所属的侦察模块
type Module string

const (
	ModuleOSINT      Module = "osint"
	ModuleActiveScan Module = "active_scan"
	ModuleWeb        Module = "web"
	ModuleCloud      Module = "cloud"
)

func (m Module) Valid() bool {
	switch m {
	case ModuleOSINT, ModuleActiveScan, ModuleWeb, ModuleCloud:
		return true
	}
	return false
}

// Status is the job state machine position.
type Status string

const (
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusPaused           Status = "paused"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusCanceled         Status = "canceled"
)

// Terminal reports whether no further transition (other than rerun) is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

type TargetType string

const (
	TargetIP   TargetType = "ip"
	TargetFQDN TargetType = "fqdn"
	TargetCIDR TargetType = "cidr"
	TargetURL  TargetType = "url"
)

// Target is immutable once attached to a job.
type Target struct {
	Type  TargetType `json:"type"`
	Value string     `json:"value"`
}

// Parameters serializes as a flat object: {"targets": [...], <module options>...}.
type Parameters struct {
	Targets []Target
	Options map[string]any
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Options)+1)
	for k, v := range p.Options {
		out[k] = v
	}
	targets := p.Targets
	if targets == nil {
		targets = []Target{}
	}
	out["targets"] = targets
	return json.Marshal(out)
}

func (p *Parameters) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.Targets = nil
	p.Options = nil
	for k, v := range raw {
		if k == "targets" {
			if err := json.Unmarshal(v, &p.Targets); err != nil {
				return err
			}
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if p.Options == nil {
			p.Options = make(map[string]any)
		}
		p.Options[k] = val
	}
	return nil
}

// Clone deep-copies targets and the top level of the option map.
func (p Parameters) Clone() Parameters {
	c := Parameters{}
	if p.Targets != nil {
		c.Targets = append([]Target(nil), p.Targets...)
	}
	if p.Options != nil {
		c.Options = make(map[string]any, len(p.Options))
		for k, v := range p.Options {
			c.Options[k] = v
		}
	}
	return c
}

// String option lookup.
func (p Parameters) String(key string) string {
	if v, ok := p.Options[key].(string); ok {
		return v
	}
	return ""
}

// Int option lookup; JSON numbers arrive as float64.
func (p Parameters) Int(key string) (int, bool) {
	switch v := p.Options[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// Job 对应数据库里的 jobs 表
type Job struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	ProjectID       string     `gorm:"index;size:64" json:"project_id"`
	Module          Module     `gorm:"size:32" json:"module"`
	Tool            string     `gorm:"size:64" json:"tool"`
	Status          Status     `gorm:"index;size:32" json:"status"`
	Priority        int        `json:"priority"`
	Aggressiveness  int        `json:"aggressiveness"`
	NoiseScore      *float64   `json:"noise_score"`
	IsExternal      bool       `json:"is_external"`
	AdminApprovedAt *time.Time `json:"admin_approved_at"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	ExitCode        *int       `json:"exit_code"`
	ErrorMessage    *string    `gorm:"type:text" json:"error_message"`
	ProgressPct     *float64   `json:"progress_pct"`
	ETASeconds      *int       `json:"eta_seconds"`
	Parameters      Parameters `gorm:"serializer:json;type:text" json:"parameters"`

	// Gate acknowledgements travel with the job so a rerun is re-admitted under the same terms.
	AuthorizationConfirmed bool `json:"authorization_confirmed"`
	OverrideAcknowledged   bool `json:"override_acknowledged"`
	ScopeAcknowledged      bool `json:"scope_acknowledged"`

	RawOutputPath string    `gorm:"size:512" json:"raw_output_path,omitempty"`
	RerunOf       string    `gorm:"size:36" json:"rerun_of,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() Job {
	c := *j
	c.Parameters = j.Parameters.Clone()
	c.NoiseScore = clonePtr(j.NoiseScore)
	c.AdminApprovedAt = clonePtr(j.AdminApprovedAt)
	c.StartedAt = clonePtr(j.StartedAt)
	c.FinishedAt = clonePtr(j.FinishedAt)
	c.ExitCode = clonePtr(j.ExitCode)
	c.ErrorMessage = clonePtr(j.ErrorMessage)
	c.ProgressPct = clonePtr(j.ProgressPct)
	c.ETASeconds = clonePtr(j.ETASeconds)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr is a small helper for optional fields.
func Ptr[T any](v T) *T { return &v }

type EventType string

const (
	EventCreated          EventType = "created"
	EventAwaitingApproval EventType = "awaiting_approval"
	EventQueued           EventType = "queued"
	EventApproved         EventType = "approved"
	EventStarted          EventType = "started"
	EventPaused           EventType = "paused"
	EventResumed          EventType = "resumed"
	EventCanceled         EventType = "canceled"
	EventFailed           EventType = "failed"
	EventSucceeded        EventType = "succeeded"
	EventPriority         EventType = "priority_changed"
)

// JobEvent is one entry of a job's lifecycle audit trail.
type JobEvent struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	JobID     string         `gorm:"index;size:36" json:"job_id"`
	ProjectID string         `gorm:"size:64" json:"project_id"`
	Type      EventType      `gorm:"size:32" json:"event_type"`
	Payload   map[string]any `gorm:"serializer:json;type:text" json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
