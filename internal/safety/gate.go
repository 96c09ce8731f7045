// Package safety decides whether a job request may enter the scheduler.
package safety

import (
	"time"

	"github.com/stywzn/recon-orchestrator/internal/apperr"
	"github.com/stywzn/recon-orchestrator/internal/model"
)

// Limits are the configurable gate thresholds.
type Limits struct {
	NoiseThreshold float64
	MaxScopeHosts  int64
}

// DefaultLimits returns the stock thresholds: noise 7, 256 hosts.
func DefaultLimits() Limits {
	return Limits{NoiseThreshold: 7, MaxScopeHosts: LargeScopeHosts}
}

// Request is everything the gate looks at.
type Request struct {
	Module                 model.Module
	Tool                   string
	Aggressiveness         int
	Targets                []model.Target
	AuthorizationConfirmed bool
	OverrideAcknowledged   bool
	ScopeAcknowledged      bool
	AdminApprovedAt        *time.Time
}

// Decision is the outcome of an admitted request.
type Decision struct {
	Status     model.Status
	NoiseScore float64
	IsExternal bool
	TotalHosts int64
	Targets    []model.Target
}

// Gate applies the admission checks. It holds no state beyond its limits.
type Gate struct {
	limits func() Limits
}

// NewGate builds a gate whose limits are read on every call, so settings changes apply immediately.
func NewGate(limits func() Limits) *Gate {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Gate{limits: limits}
}

// Admit runs the checks in order: authorization, request shape, noise, scope size, approval hold.
func (g *Gate) Admit(req Request) (Decision, error) {
	const op = "safety.Admit"
	lim := g.limits()

	if !req.AuthorizationConfirmed {
		return Decision{}, apperr.E(op, apperr.AuthorizationRequired, "authorization not confirmed", nil)
	}
	if !req.Module.Valid() {
		return Decision{}, apperr.Ef(op, apperr.InvalidRequest, "unknown module %q", req.Module)
	}
	if req.Aggressiveness < 1 || req.Aggressiveness > 10 {
		return Decision{}, apperr.Ef(op, apperr.InvalidRequest, "aggressiveness %d outside 1..10", req.Aggressiveness)
	}
	targets, err := NormalizeTargets(req.Targets)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Targets: targets}
	d.NoiseScore = NoiseScore(req.Module, req.Tool, req.Aggressiveness)
	for _, t := range targets {
		if !IsInternal(t) {
			d.IsExternal = true
		}
		d.TotalHosts = addSat(d.TotalHosts, HostsOf(t))
	}

	if d.NoiseScore >= lim.NoiseThreshold && d.IsExternal && !req.OverrideAcknowledged {
		return Decision{}, apperr.Ef(op, apperr.NoiseThresholdExceeded,
			"noise score %.1f against external targets requires override acknowledgement", d.NoiseScore)
	}
	if lim.MaxScopeHosts > 0 && d.TotalHosts > lim.MaxScopeHosts && !req.ScopeAcknowledged {
		return Decision{}, apperr.Ef(op, apperr.ScopeTooLarge,
			"%d hosts exceeds the %d host ceiling", d.TotalHosts, lim.MaxScopeHosts)
	}

	d.Status = model.StatusQueued
	if d.IsExternal && req.AdminApprovedAt == nil {
		d.Status = model.StatusAwaitingApproval
	}
	return d, nil
}
