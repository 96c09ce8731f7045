package correlation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/stywzn/recon-orchestrator/internal/apperr"
	"github.com/stywzn/recon-orchestrator/internal/model"
)

// owners maps known finding types to the module whose fingerprint they carry,
// so the same fact seen by different modules collapses into one finding.
var owners = map[string]model.Module{
	model.FindingOpenPort:    model.ModuleActiveScan,
	model.FindingService:     model.ModuleActiveScan,
	model.FindingHost:        model.ModuleActiveScan,
	model.FindingCVE:         model.ModuleActiveScan,
	model.FindingSubdomain:   model.ModuleOSINT,
	model.FindingWhois:       model.ModuleOSINT,
	model.FindingWebPath:     model.ModuleWeb,
	model.FindingAdminPanel:  model.ModuleWeb,
	model.FindingMisconfig:   model.ModuleWeb,
	model.FindingCloudBucket: model.ModuleCloud,
}

// CanonicalModule is the module used in a finding's fingerprint.
func CanonicalModule(findingType string, observed model.Module) model.Module {
	if m, ok := owners[findingType]; ok {
		return m
	}
	return observed
}

// DedupKey fingerprints (project, module, finding_type, normalized value).
func DedupKey(projectID string, module model.Module, findingType, normalized string) string {
	h := sha256.Sum256([]byte(strings.Join([]string{projectID, string(module), findingType, normalized}, "|")))
	return hex.EncodeToString(h[:])
}

func attrString(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

func attrInt(attrs map[string]any, key string) (int, bool) {
	switch v := attrs[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

func attrFloat(attrs map[string]any, key string) (float64, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, ".")
	if ip := net.ParseIP(strings.Trim(h, "[]")); ip != nil {
		return ip.String()
	}
	return h
}

// parsePort accepts "22", "22/tcp" and "tcp/22".
func parsePort(v string) (int, string, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	a, b, found := strings.Cut(v, "/")
	proto := "tcp"
	num := a
	if found {
		if _, err := strconv.Atoi(a); err == nil {
			proto = b
		} else {
			proto, num = a, b
		}
	}
	port, err := strconv.Atoi(num)
	if err != nil || port < 0 || port > 65535 {
		return 0, "", fmt.Errorf("invalid port %q", v)
	}
	if proto != "tcp" && proto != "udp" && proto != "sctp" {
		return 0, "", fmt.Errorf("invalid protocol %q", proto)
	}
	return port, proto, nil
}

func normalizeURL(v string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(v))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", v)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawQuery = ""
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// hostOf picks the host a record is about.
func hostOf(attrs map[string]any) string {
	if ip := attrString(attrs, "ip"); ip != "" {
		return normalizeHost(ip)
	}
	if h := attrString(attrs, "host"); h != "" {
		return normalizeHost(h)
	}
	return normalizeHost(attrString(attrs, "domain"))
}

// NormalizeValue returns the canonical value used in the dedup key.
// Errors are CorrelationParseError.
func NormalizeValue(rec model.NormalizedRecord) (string, error) {
	const op = "correlation.NormalizeValue"
	ft := strings.TrimSpace(rec.FindingType)
	v := strings.TrimSpace(rec.Value)
	if ft == "" || v == "" {
		return "", apperr.E(op, apperr.CorrelationParseError, "record needs finding_type and value", nil)
	}
	switch ft {
	case model.FindingOpenPort, model.FindingService:
		port, proto, err := parsePort(v)
		if err != nil {
			if ft == model.FindingService {
				return strings.ToLower(v) + "@" + hostOf(rec.Attributes), nil
			}
			return "", apperr.E(op, apperr.CorrelationParseError, "", err)
		}
		host := hostOf(rec.Attributes)
		if host == "" {
			return "", apperr.Ef(op, apperr.CorrelationParseError, "%s %q has no host", ft, v)
		}
		return fmt.Sprintf("%s|%d/%s", host, port, proto), nil
	case model.FindingSubdomain, model.FindingHost, model.FindingWhois:
		return normalizeHost(v), nil
	case model.FindingWebPath, model.FindingAdminPanel:
		u, err := normalizeURL(v)
		if err != nil {
			return "", apperr.E(op, apperr.CorrelationParseError, "", err)
		}
		return u, nil
	case model.FindingCVE:
		id := strings.ToUpper(v)
		if host := hostOf(rec.Attributes); host != "" {
			if port, ok := attrInt(rec.Attributes, "port"); ok {
				return fmt.Sprintf("%s|%s:%d", id, host, port), nil
			}
			return id + "|" + host, nil
		}
		return id, nil
	}
	return strings.ToLower(v), nil
}

// Title is a short human label for a finding.
func Title(findingType, value string, data map[string]any) string {
	host := hostOf(data)
	switch findingType {
	case model.FindingOpenPort:
		t := fmt.Sprintf("Open port %s on %s", value, host)
		if svc := attrString(data, "service"); svc != "" {
			t += " (" + svc + ")"
		}
		return t
	case model.FindingSubdomain:
		return "Subdomain " + value
	case model.FindingAdminPanel:
		return "Admin panel at " + value
	case model.FindingWebPath:
		return "Web path " + value
	case model.FindingCloudBucket:
		return "Cloud resource " + value
	case model.FindingCVE:
		if host != "" {
			return fmt.Sprintf("%s on %s", value, host)
		}
		return value
	case model.FindingWhois:
		return "WHOIS record for " + value
	}
	return fmt.Sprintf("%s: %s", findingType, value)
}

// HostOf names the host a finding is about: its ip or domain attribute,
// falling back to the host in its value.
func HostOf(f model.Finding) string {
	if h := hostOf(f.Data); h != "" {
		return h
	}
	switch f.FindingType {
	case model.FindingSubdomain, model.FindingHost, model.FindingWhois:
		return normalizeHost(f.Value)
	}
	if u, err := url.Parse(f.Value); err == nil && u.Host != "" {
		return normalizeHost(u.Hostname())
	}
	return ""
}
