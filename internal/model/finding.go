package model

import "time"

// Known finding types.
const (
	FindingOpenPort    = "open_port"
	FindingService     = "service"
	FindingSubdomain   = "subdomain"
	FindingWhois       = "whois"
	FindingWebPath     = "web_path"
	FindingAdminPanel  = "admin_panel"
	FindingCloudBucket = "cloud_bucket"
	FindingCVE         = "cve"
	FindingMisconfig   = "misconfiguration"
	FindingHost        = "host"
)

// NormalizedRecord is what a parser emits before correlation.
type NormalizedRecord struct {
	FindingType string         `json:"finding_type"`
	Value       string         `json:"value"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Finding 去重后的资产发现，(project, dedup_key) 唯一
type Finding struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	ProjectID   string         `gorm:"uniqueIndex:idx_project_dedup;size:64" json:"project_id"`
	JobID       string         `gorm:"size:36" json:"job_id"`
	Module      Module         `gorm:"size:32" json:"module"`
	FindingType string         `gorm:"size:64" json:"finding_type"`
	Value       string         `gorm:"size:1024" json:"value"`
	Title       string         `gorm:"size:1024" json:"title"`
	Data        map[string]any `gorm:"serializer:json;type:text" json:"data"`
	RiskScore   *float64       `json:"risk_score"`
	IsInternal  bool           `json:"is_internal"`
	FirstSeen   time.Time      `json:"first_seen_at"`
	LastSeen    time.Time      `json:"last_seen_at"`
	DedupKey    string         `gorm:"uniqueIndex:idx_project_dedup;size:64" json:"dedup_key"`
	Notes       []FindingNote  `gorm:"-" json:"notes"`
}

// FindingNote is an append-only operator annotation on a finding.
type FindingNote struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	FindingID string    `gorm:"index;size:36" json:"finding_id"`
	ProjectID string    `gorm:"size:64" json:"project_id"`
	Kind      string    `gorm:"size:32" json:"kind"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone copies the finding and its data map (one level deep, slices copied).
func (f *Finding) Clone() Finding {
	c := *f
	c.RiskScore = clonePtr(f.RiskScore)
	if f.Notes != nil {
		c.Notes = append([]FindingNote(nil), f.Notes...)
	}
	if f.Data != nil {
		c.Data = make(map[string]any, len(f.Data))
		for k, v := range f.Data {
			if s, ok := v.([]any); ok {
				v = append([]any(nil), s...)
			}
			c.Data[k] = v
		}
	}
	return c
}

// AssetLink connects two findings that share an asset.
type AssetLink struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// PathwayHypothesis is the current best guess at an external to internal attack route.
type PathwayHypothesis struct {
	ProjectID   string    `json:"project_id"`
	Hypothesis  string    `json:"hypothesis"`
	Score       float64   `json:"score"`
	Evidence    []string  `json:"evidence"`
	FindingIDs  []string  `json:"finding_ids"`
	GeneratedAt time.Time `json:"generated_at"`
}
