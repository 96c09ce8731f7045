package ranking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stywzn/recon-orchestrator/internal/advisory"
	"github.com/stywzn/recon-orchestrator/internal/correlation"
	"github.com/stywzn/recon-orchestrator/internal/model"
)

func TestScoreIsMonotonic(t *testing.T) {
	base := Indicators{ServiceRisk: 10, CVESeverity: 20, Misconfigs: 1}
	s0 := base.Score()

	ext := base
	ext.External = true
	assert.GreaterOrEqual(t, ext.Score(), s0)

	for svc := 0.0; svc <= 30; svc += 5 {
		a, b := base, base
		a.ServiceRisk, b.ServiceRisk = svc, svc+5
		assert.LessOrEqual(t, a.Score(), b.Score())
	}
	for cvss := 0.0; cvss < 10; cvss += 0.5 {
		lo, hi := cvss, cvss+0.5
		a, b := base, base
		a.CVESeverity, b.CVESeverity = CVEWeight(&lo), CVEWeight(&hi)
		assert.LessOrEqual(t, a.Score(), b.Score())
	}
	for n := 0; n < 12; n++ {
		a, b := base, base
		a.Misconfigs, b.Misconfigs = n, n+1
		assert.LessOrEqual(t, a.Score(), b.Score())
	}

	maxed := Indicators{External: true, ServiceRisk: 25, CVESeverity: 40, Misconfigs: 5}
	assert.Equal(t, 100.0, maxed.Score())
	assert.Equal(t, 0.0, Indicators{}.Score())
}

func TestCVEWeight(t *testing.T) {
	nine := 9.8
	low := 2.0
	assert.Equal(t, MaxCVEWeight, CVEWeight(&nine))
	assert.Equal(t, 8.0, CVEWeight(&low))
	assert.Equal(t, UnknownCVSSRisk, CVEWeight(nil))
}

func TestScorerIndicators(t *testing.T) {
	s := NewScorer(advisory.NewStatic(nil), zap.NewNop().Sugar())
	ctx := context.Background()

	ssh := &model.Finding{FindingType: model.FindingOpenPort, IsInternal: true, Data: map[string]any{
		"service": "ssh", "port": 22, "product": "OpenSSH", "version": "8.9p1",
	}}
	ind := s.Indicators(ctx, ssh)
	assert.False(t, ind.External)
	assert.Equal(t, 10.0, ind.ServiceRisk)
	assert.InDelta(t, 39.2, ind.CVESeverity, 1e-9)
	assert.Equal(t, []any{"CVE-2023-38408"}, ssh.Data["cves"])

	ftp := &model.Finding{FindingType: model.FindingOpenPort, Data: map[string]any{"port": 21.0, "anonymous_access": true}}
	ind = s.Indicators(ctx, ftp)
	assert.True(t, ind.External)
	assert.Equal(t, 20.0, ind.ServiceRisk)
	assert.Equal(t, 1, ind.Misconfigs)
	assert.Equal(t, 60.0, s.Score(ctx, ftp))

	cve := &model.Finding{FindingType: model.FindingCVE, IsInternal: true, Data: map[string]any{}}
	assert.Equal(t, UnknownCVSSRisk, s.Score(ctx, cve))
}

func ingestScenario(t *testing.T) (*correlation.Engine, *Ranker) {
	t.Helper()
	log := zap.NewNop().Sugar()
	engine := correlation.New(NewScorer(advisory.NewStatic(nil), log), nil, log)
	ranker := NewRanker(engine, nil, log)
	engine.OnBatch(func(p string) { ranker.Recompute(context.Background(), p) })

	now := time.Now()
	web := model.Job{
		ID: "web-1", ProjectID: "acme", Module: model.ModuleWeb, IsExternal: true, FinishedAt: &now,
		Parameters: model.Parameters{Targets: []model.Target{{Type: model.TargetURL, Value: "https://portal.example.com"}}},
	}
	_, err := engine.Ingest(context.Background(), web, []model.NormalizedRecord{{
		FindingType: model.FindingAdminPanel,
		Value:       "https://portal.example.com/admin",
		Attributes:  map[string]any{"domain": "portal.example.com", "ip": "10.0.0.5", "exposure": "high"},
	}})
	require.NoError(t, err)

	scan := model.Job{
		ID: "scan-1", ProjectID: "acme", Module: model.ModuleActiveScan, FinishedAt: &now,
		Parameters: model.Parameters{Targets: []model.Target{{Type: model.TargetCIDR, Value: "10.0.0.0/24"}}},
	}
	_, err = engine.Ingest(context.Background(), scan, []model.NormalizedRecord{
		{FindingType: model.FindingOpenPort, Value: "22/tcp", Attributes: map[string]any{
			"ip": "10.0.0.5", "port": 22, "service": "ssh", "product": "OpenSSH", "version": "8.9p1",
		}},
		{FindingType: model.FindingOpenPort, Value: "80/tcp", Attributes: map[string]any{"ip": "10.0.0.8", "service": "http"}},
	})
	require.NoError(t, err)
	return engine, ranker
}

func TestPathwayFromExposedAdminPanelToInternalCVE(t *testing.T) {
	engine, ranker := ingestScenario(t)

	var admin, ssh model.Finding
	for _, f := range engine.Findings("acme") {
		switch f.FindingType {
		case model.FindingAdminPanel:
			admin = f
		case model.FindingOpenPort:
			if f.Value == "22/tcp" {
				ssh = f
			}
		}
	}
	require.NotEmpty(t, admin.ID)
	require.NotEmpty(t, ssh.ID)
	assert.False(t, admin.IsInternal)
	assert.True(t, ssh.IsInternal)

	h, ok := ranker.Top("acme")
	require.True(t, ok)
	assert.Equal(t, []string{admin.ID, ssh.ID}, h.FindingIDs)
	assert.Equal(t, []string{admin.Title, ssh.Title}, h.Evidence)
	assert.Equal(t, "Exposed admin panel on portal.example.com likely pivots to open port on 10.0.0.5", h.Hypothesis)
	assert.Greater(t, h.Score, 0.0)
	assert.LessOrEqual(t, h.Score, 1.0)
	assert.InDelta(t, (50+49.2)/200, h.Score, 1e-9)
}

func TestSynthesizeWithoutExternalFindings(t *testing.T) {
	r := 80.0
	fs := []model.Finding{{ID: "a", IsInternal: true, RiskScore: &r}}
	assert.Nil(t, Synthesize("p", fs, nil, time.Now()))
}

func TestSynthesizeSingleEntry(t *testing.T) {
	r := 30.0
	fs := []model.Finding{{ID: "a", FindingType: model.FindingSubdomain, Value: "www.example.com", RiskScore: &r, Title: "Subdomain www.example.com"}}
	h := Synthesize("p", fs, nil, time.Now())
	require.NotNil(t, h)
	assert.Equal(t, []string{"a"}, h.FindingIDs)
	assert.InDelta(t, 0.75*30/100, h.Score, 1e-9)
	assert.Contains(t, h.Hypothesis, "www.example.com")
}

func TestSynthesizeRespectsDepthAndDirection(t *testing.T) {
	score := func(v float64) *float64 { return &v }
	// chain e - i1 - i2 - i3 - i4 plus an external neighbour that must not be walked into
	fs := []model.Finding{
		{ID: "e", RiskScore: score(10)},
		{ID: "i1", IsInternal: true, RiskScore: score(10)},
		{ID: "i2", IsInternal: true, RiskScore: score(10)},
		{ID: "i3", IsInternal: true, RiskScore: score(10)},
		{ID: "i4", IsInternal: true, RiskScore: score(90)},
		{ID: "x", RiskScore: score(100)},
	}
	links := []model.AssetLink{
		{From: "e", To: "i1"}, {From: "i1", To: "i2"}, {From: "i2", To: "i3"}, {From: "i3", To: "i4"}, {From: "e", To: "x"},
	}
	h := Synthesize("p", fs, links, time.Now())
	require.NotNil(t, h)
	assert.LessOrEqual(t, len(h.FindingIDs), MaxPathLength)
	assert.NotContains(t, h.FindingIDs[1:], "x")
	assert.Equal(t, "x", h.FindingIDs[0], "the riskier external entry wins on its own")
}

func TestSynthesizeStopsBeforeWeakerFinding(t *testing.T) {
	score := func(v float64) *float64 { return &v }
	fs := []model.Finding{
		{ID: "entry", FindingType: model.FindingAdminPanel, Value: "https://portal.example.com/admin", RiskScore: score(50),
			Data: map[string]any{"exposure": "high"}},
		{ID: "cve", FindingType: model.FindingCVE, Value: "CVE-2023-38408", IsInternal: true, RiskScore: score(60),
			Data: map[string]any{"ip": "10.0.0.5"}},
		{ID: "sub", FindingType: model.FindingSubdomain, Value: "dev.corp.local", IsInternal: true, RiskScore: score(2)},
	}
	links := []model.AssetLink{{From: "cve", To: "entry"}, {From: "cve", To: "sub"}}

	h := Synthesize("p", fs, links, time.Now())
	require.NotNil(t, h)
	assert.Equal(t, []string{"entry", "cve"}, h.FindingIDs)
	assert.InDelta(t, (50+60)/200.0, h.Score, 1e-9)
	assert.Contains(t, h.Hypothesis, "cve")
}

func TestSynthesizeClimbsThroughWeakerHop(t *testing.T) {
	score := func(v float64) *float64 { return &v }
	fs := []model.Finding{
		{ID: "e", RiskScore: score(40)},
		{ID: "low", IsInternal: true, RiskScore: score(5)},
		{ID: "high", IsInternal: true, RiskScore: score(80)},
	}
	links := []model.AssetLink{{From: "e", To: "low"}, {From: "low", To: "high"}}

	h := Synthesize("p", fs, links, time.Now())
	require.NotNil(t, h)
	assert.Equal(t, []string{"e", "low", "high"}, h.FindingIDs)
}

func TestTopIsReplacedAtomically(t *testing.T) {
	engine, ranker := ingestScenario(t)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if h, ok := ranker.Top("acme"); ok {
				assert.Equal(t, len(h.FindingIDs), len(h.Evidence))
			}
		}
	}()
	for i := 0; i < 50; i++ {
		ranker.Recompute(context.Background(), "acme")
	}
	close(stop)
	wg.Wait()
	assert.Len(t, ranker.All(), 1)
	_ = engine
}

type fixedSource struct {
	mu       sync.Mutex
	findings []model.Finding
	links    []model.AssetLink
}

func (s *fixedSource) set(fs []model.Finding, links []model.AssetLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings, s.links = fs, links
}

func (s *fixedSource) Snapshot(string) ([]model.Finding, []model.AssetLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findings, s.links
}

type recordingPublisher struct {
	published []string
	cleared   []string
}

func (p *recordingPublisher) PublishPathway(_ context.Context, h model.PathwayHypothesis) error {
	p.published = append(p.published, h.ProjectID)
	return nil
}

func (p *recordingPublisher) ClearPathway(_ context.Context, projectID string) error {
	p.cleared = append(p.cleared, projectID)
	return nil
}

func TestLosingThePathwayClearsThePublisher(t *testing.T) {
	src := &fixedSource{}
	pub := &recordingPublisher{}
	r := NewRanker(src, pub, zap.NewNop().Sugar())
	ctx := context.Background()
	edge := func(internal bool) model.Finding {
		r := 40.0
		return model.Finding{ID: "edge", FindingType: model.FindingSubdomain, Value: "www.example.com", IsInternal: internal, RiskScore: &r}
	}

	// first pass with nothing clears whatever an earlier run cached
	assert.Nil(t, r.Recompute(ctx, "acme"))
	assert.Equal(t, []string{"acme"}, pub.cleared)
	assert.Nil(t, r.Recompute(ctx, "acme"))
	assert.Len(t, pub.cleared, 1)

	src.set([]model.Finding{edge(false)}, nil)
	require.NotNil(t, r.Recompute(ctx, "acme"))
	assert.Equal(t, []string{"acme"}, pub.published)

	src.set([]model.Finding{edge(true)}, nil)
	assert.Nil(t, r.Recompute(ctx, "acme"))
	assert.Equal(t, []string{"acme", "acme"}, pub.cleared)
	_, ok := r.Top("acme")
	assert.False(t, ok)
}

func TestRankOrdersByRiskThenRecency(t *testing.T) {
	hi, lo := 70.0, 20.0
	now := time.Now()
	fs := []model.Finding{
		{ID: "old-hi", RiskScore: &hi, LastSeen: now.Add(-time.Hour)},
		{ID: "lo", RiskScore: &lo, LastSeen: now},
		{ID: "new-hi", RiskScore: &hi, LastSeen: now},
		{ID: "none", LastSeen: now},
	}
	ids := []string{}
	for _, f := range Rank(fs) {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"new-hi", "old-hi", "lo", "none"}, ids)
}
