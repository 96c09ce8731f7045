package safety

import (
	"math"
	"net/netip"
	"net/url"
	"strings"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

// LargeScopeHosts is the host count above which a preview carries a warning.
const LargeScopeHosts = 256

// CIDRScope describes one CIDR target in a preview.
type CIDRScope struct {
	CIDR      string `json:"cidr"`
	HostCount int64  `json:"host_count"`
	Internal  bool   `json:"internal"`
}

// Preview summarises a target list before submission.
type Preview struct {
	CIDRs             []CIDRScope `json:"cidrs"`
	TotalHosts        int64       `json:"total_hosts"`
	HasExternal       bool        `json:"has_external"`
	LargeScopeWarning bool        `json:"large_scope_warning"`
}

func internalAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsPrivate() || a.IsLoopback() || a.IsLinkLocalUnicast()
}

func lastAddr(p netip.Prefix) netip.Addr {
	p = p.Masked()
	b := p.Addr().AsSlice()
	hostBits := len(b)*8 - p.Bits()
	for i := len(b) - 1; i >= 0 && hostBits > 0; i-- {
		n := hostBits
		if n > 8 {
			n = 8
		}
		b[i] |= byte(1<<n - 1)
		hostBits -= n
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}

// HostCount is the number of addresses in the prefix, saturating at MaxInt64.
func HostCount(p netip.Prefix) int64 {
	hostBits := p.Addr().BitLen() - p.Bits()
	if hostBits >= 63 {
		return math.MaxInt64
	}
	return int64(1) << hostBits
}

func isLocalhostName(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	return h == "localhost" || h == "localhost.localdomain" || strings.HasSuffix(h, ".localhost")
}

// IsInternal reports whether a target lies in a private, loopback or link-local range,
// or names the local host. Unparseable ip and cidr values count as external.
func IsInternal(t model.Target) bool {
	v := strings.TrimSpace(t.Value)
	switch t.Type {
	case model.TargetIP:
		a, err := netip.ParseAddr(v)
		return err == nil && internalAddr(a)
	case model.TargetCIDR:
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return false
		}
		return internalAddr(p.Masked().Addr()) && internalAddr(lastAddr(p))
	case model.TargetFQDN:
		return isLocalhostName(v)
	case model.TargetURL:
		u, err := url.Parse(v)
		if err != nil {
			return false
		}
		host := u.Hostname()
		if a, err := netip.ParseAddr(host); err == nil {
			return a.Unmap().IsLoopback()
		}
		return isLocalhostName(host)
	}
	return false
}

// HostsOf counts the hosts a target expands to; names and URLs count as one.
func HostsOf(t model.Target) int64 {
	if t.Type == model.TargetCIDR {
		p, err := netip.ParsePrefix(strings.TrimSpace(t.Value))
		if err != nil {
			return 0
		}
		return HostCount(p)
	}
	return 1
}

// PreviewScope expands and classifies a target list.
func PreviewScope(targets []model.Target) Preview {
	out := Preview{CIDRs: []CIDRScope{}}
	for _, t := range targets {
		if strings.TrimSpace(t.Value) == "" {
			continue
		}
		internal := IsInternal(t)
		n := HostsOf(t)
		if t.Type == model.TargetCIDR {
			out.CIDRs = append(out.CIDRs, CIDRScope{CIDR: strings.TrimSpace(t.Value), HostCount: n, Internal: internal})
		}
		out.TotalHosts = addSat(out.TotalHosts, n)
		if !internal {
			out.HasExternal = true
		}
	}
	out.LargeScopeWarning = out.TotalHosts > LargeScopeHosts
	return out
}

func addSat(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
