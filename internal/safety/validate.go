package safety

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/stywzn/recon-orchestrator/internal/apperr"
	"github.com/stywzn/recon-orchestrator/internal/model"
)

const maxTargetLen = 253

const shellMeta = ";&|`$(){}[]!#\n\r"

// NormalizeTargets trims and validates each target value.
func NormalizeTargets(targets []model.Target) ([]model.Target, error) {
	const op = "safety.NormalizeTargets"
	if len(targets) == 0 {
		return nil, apperr.E(op, apperr.InvalidRequest, "at least one target is required", nil)
	}
	out := make([]model.Target, 0, len(targets))
	for _, t := range targets {
		v := strings.TrimSpace(t.Value)
		switch {
		case v == "":
			return nil, apperr.E(op, apperr.InvalidRequest, "empty target value", nil)
		case len(v) > maxTargetLen:
			return nil, apperr.Ef(op, apperr.InvalidRequest, "target longer than %d characters", maxTargetLen)
		case strings.ContainsAny(v, shellMeta):
			return nil, apperr.Ef(op, apperr.InvalidRequest, "target %q contains forbidden characters", v)
		}
		switch t.Type {
		case model.TargetIP:
			if _, err := netip.ParseAddr(v); err != nil {
				return nil, apperr.E(op, apperr.InvalidRequest, "invalid ip target", err)
			}
		case model.TargetCIDR:
			if _, err := netip.ParsePrefix(v); err != nil {
				return nil, apperr.E(op, apperr.InvalidRequest, "invalid cidr target", err)
			}
		case model.TargetURL:
			u, err := url.Parse(v)
			if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
				return nil, apperr.Ef(op, apperr.InvalidRequest, "invalid url target %q", v)
			}
		case model.TargetFQDN:
			if strings.ContainsAny(v, " /:") {
				return nil, apperr.Ef(op, apperr.InvalidRequest, "invalid fqdn target %q", v)
			}
		default:
			return nil, apperr.Ef(op, apperr.InvalidRequest, "unknown target type %q", t.Type)
		}
		out = append(out, model.Target{Type: t.Type, Value: v})
	}
	return out, nil
}
