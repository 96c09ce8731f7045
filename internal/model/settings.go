package model

import (
	"strconv"
	"strings"
)

// Settings are the operator-tunable knobs exposed by GET/PATCH /settings.
type Settings struct {
	Concurrency           int     `json:"concurrency"`
	MaxConcurrency        int     `json:"max_concurrency"`
	ContainerCPU          string  `json:"container_cpu"`
	ContainerMemoryGB     int     `json:"container_memory_gb"`
	DefaultAggressiveness int     `json:"default_aggressiveness"`
	NoiseThreshold        float64 `json:"noise_threshold"`
	MaxScopeHosts         int     `json:"max_scope_hosts"`
	RawRetentionDays      int     `json:"raw_retention_days"`
	LogRetentionDays      int     `json:"log_retention_days"`
	MaxArtifactBytes      int64   `json:"max_artifact_bytes"`
}

// SettingsPatch carries the fields a PATCH may change; nil means unchanged.
type SettingsPatch struct {
	Concurrency           *int    `json:"concurrency"`
	ContainerCPU          *string `json:"container_cpu"`
	ContainerMemoryGB     *int    `json:"container_memory_gb"`
	DefaultAggressiveness *int    `json:"default_aggressiveness"`
	RawRetentionDays      *int    `json:"raw_retention_days"`
	LogRetentionDays      *int    `json:"log_retention_days"`
	MaxArtifactBytes      *int64  `json:"max_artifact_bytes"`
}

// SettingEntry 对应 app_settings 表，一行一个可修改的设置
type SettingEntry struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string `gorm:"type:text"`
}

func (SettingEntry) TableName() string { return "app_settings" }

// Entries flattens the tunable part of s into key/value rows.
func (s Settings) Entries() []SettingEntry {
	return []SettingEntry{
		{Key: "concurrency", Value: strconv.Itoa(s.Concurrency)},
		{Key: "container_cpu", Value: s.ContainerCPU},
		{Key: "container_memory_gb", Value: strconv.Itoa(s.ContainerMemoryGB)},
		{Key: "default_aggressiveness", Value: strconv.Itoa(s.DefaultAggressiveness)},
		{Key: "raw_retention_days", Value: strconv.Itoa(s.RawRetentionDays)},
		{Key: "log_retention_days", Value: strconv.Itoa(s.LogRetentionDays)},
		{Key: "max_artifact_bytes", Value: strconv.FormatInt(s.MaxArtifactBytes, 10)},
	}
}

// PatchFromEntries rebuilds a patch from stored rows. Unknown keys and unparseable
// values are skipped.
func PatchFromEntries(rows []SettingEntry) SettingsPatch {
	var p SettingsPatch
	for _, r := range rows {
		v := strings.TrimSpace(r.Value)
		if r.Key == "container_cpu" {
			if v != "" {
				p.ContainerCPU = Ptr(v)
			}
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		switch r.Key {
		case "concurrency":
			p.Concurrency = Ptr(int(n))
		case "container_memory_gb":
			p.ContainerMemoryGB = Ptr(int(n))
		case "default_aggressiveness":
			p.DefaultAggressiveness = Ptr(int(n))
		case "raw_retention_days":
			p.RawRetentionDays = Ptr(int(n))
		case "log_retention_days":
			p.LogRetentionDays = Ptr(int(n))
		case "max_artifact_bytes":
			p.MaxArtifactBytes = Ptr(n)
		}
	}
	return p
}
