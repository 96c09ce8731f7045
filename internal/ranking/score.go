package ranking

import (
	"context"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/stywzn/recon-orchestrator/internal/advisory"
	"github.com/stywzn/recon-orchestrator/internal/model"
)

const (
	ExternalWeight  = 30.0
	CVSSMultiplier  = 4.0
	MaxCVEWeight    = 40.0
	UnknownCVSSRisk = 20.0
	MisconfigWeight = 10.0
)

var serviceRisk = map[string]float64{
	"telnet":        25,
	"microsoft-ds":  25,
	"netbios-ssn":   20,
	"ms-wbt-server": 25,
	"rdp":           25,
	"vnc":           20,
	"redis":         25,
	"mongodb":       25,
	"elasticsearch": 20,
	"memcached":     20,
	"docker":        25,
	"kubernetes":    25,
	"ftp":           20,
	"snmp":          15,
	"mysql":         15,
	"postgresql":    15,
	"ms-sql-s":      15,
	"ldap":          15,
	"smtp":          8,
	"ssh":           10,
	"http":          5,
	"https":         5,
	"http-proxy":    10,
	"domain":        5,
}

var portRisk = map[int]float64{
	23: 25, 445: 25, 139: 20, 3389: 25, 5900: 20, 6379: 25, 27017: 25,
	9200: 20, 11211: 20, 2375: 25, 2376: 20, 6443: 25, 10250: 25,
	21: 20, 161: 15, 3306: 15, 5432: 15, 1433: 15, 389: 15,
	25: 8, 22: 10, 80: 5, 443: 5, 8080: 10, 8443: 8, 53: 5,
}

var typeRisk = map[string]float64{
	model.FindingAdminPanel:  20,
	model.FindingCloudBucket: 15,
	model.FindingWebPath:     5,
	model.FindingSubdomain:   2,
}

var misconfigFlags = []string{
	"anonymous_access",
	"default_credentials",
	"directory_listing",
	"public_read",
	"public_write",
	"unauthenticated",
	"weak_tls",
}

// Indicators are the inputs of a risk score.
type Indicators struct {
	External    bool
	ServiceRisk float64
	CVESeverity float64
	Misconfigs  int
}

// Score sums the indicator contributions and clamps to [0, 100].
func (ind Indicators) Score() float64 {
	s := ind.ServiceRisk + ind.CVESeverity + float64(ind.Misconfigs)*MisconfigWeight
	if ind.External {
		s += ExternalWeight
	}
	return math.Max(0, math.Min(100, s))
}

// CVEWeight turns an optional CVSS score into a contribution.
func CVEWeight(cvss *float64) float64 {
	if cvss == nil {
		return UnknownCVSSRisk
	}
	return math.Min(MaxCVEWeight, math.Max(0, *cvss*CVSSMultiplier))
}

// Scorer implements correlation.Scorer with a fixed service table and advisory lookup.
type Scorer struct {
	advisories advisory.Source
	log        *zap.SugaredLogger
}

// NewScorer builds a scorer; advisories may be nil.
func NewScorer(src advisory.Source, log *zap.SugaredLogger) *Scorer {
	return &Scorer{advisories: src, log: log}
}

func stringAttr(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return strings.TrimSpace(s)
}

func numberAttr(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
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

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true") || b == "1" || strings.EqualFold(b, "yes")
	case float64:
		return b != 0
	}
	return false
}

// Indicators derives the score inputs of f. Matched advisory ids are recorded in f.Data["cves"].
func (s *Scorer) Indicators(ctx context.Context, f *model.Finding) Indicators {
	ind := Indicators{External: !f.IsInternal}

	svc := strings.ToLower(stringAttr(f.Data, "service"))
	if r, ok := serviceRisk[svc]; ok {
		ind.ServiceRisk = r
	} else if p, ok := numberAttr(f.Data, "port"); ok {
		ind.ServiceRisk = portRisk[int(p)]
	}
	if r, ok := typeRisk[f.FindingType]; ok && r > ind.ServiceRisk {
		ind.ServiceRisk = r
	}

	switch {
	case f.FindingType == model.FindingCVE:
		if c, ok := numberAttr(f.Data, "cvss"); ok {
			ind.CVESeverity = CVEWeight(&c)
		} else {
			ind.CVESeverity = CVEWeight(nil)
		}
	case s.advisories != nil && stringAttr(f.Data, "product") != "":
		advs, err := s.advisories.Lookup(ctx, stringAttr(f.Data, "product"), stringAttr(f.Data, "version"))
		if err != nil {
			s.log.Warnw("advisory lookup failed", "finding_id", f.ID, "error", err)
			break
		}
		var ids []any
		for _, a := range advs {
			if w := CVEWeight(a.CVSS); w > ind.CVESeverity {
				ind.CVESeverity = w
			}
			ids = append(ids, a.ID)
		}
		if len(ids) > 0 {
			f.Data["cves"] = ids
		}
	}

	for _, flag := range misconfigFlags {
		if truthy(f.Data[flag]) {
			ind.Misconfigs++
		}
	}
	if f.FindingType == model.FindingMisconfig && ind.Misconfigs == 0 {
		ind.Misconfigs = 1
	}
	return ind
}

func (s *Scorer) Score(ctx context.Context, f *model.Finding) float64 {
	return s.Indicators(ctx, f).Score()
}
