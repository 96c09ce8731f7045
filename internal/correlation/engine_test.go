package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stywzn/recon-orchestrator/internal/apperr"
	"github.com/stywzn/recon-orchestrator/internal/model"
)

type constScorer float64

func (c constScorer) Score(context.Context, *model.Finding) float64 { return float64(c) }

type memStore struct{ saved []model.Finding }

func (m *memStore) SaveFindings(_ context.Context, fs []model.Finding) error {
	m.saved = append(m.saved, fs...)
	return nil
}

type noteStore struct {
	memStore
	notes []model.FindingNote
}

func (n *noteStore) SaveNote(_ context.Context, note model.FindingNote) error {
	n.notes = append(n.notes, note)
	return nil
}

func job(id string, module model.Module, finished time.Time, targets ...model.Target) model.Job {
	return model.Job{
		ID:         id,
		ProjectID:  "proj-1",
		Module:     module,
		FinishedAt: &finished,
		Parameters: model.Parameters{Targets: targets},
	}
}

var internalNet = model.Target{Type: model.TargetCIDR, Value: "10.0.0.0/24"}

func sshRecord(extra map[string]any) model.NormalizedRecord {
	attrs := map[string]any{"ip": "10.0.0.5", "port": 22, "protocol": "tcp", "service": "ssh"}
	for k, v := range extra {
		attrs[k] = v
	}
	return model.NormalizedRecord{FindingType: model.FindingOpenPort, Value: "22/tcp", Attributes: attrs}
}

func TestSamePortFromTwoModulesCollapses(t *testing.T) {
	e := New(constScorer(42), nil, zap.NewNop().Sugar())
	ctx := context.Background()
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(2 * time.Hour)

	_, err := e.Ingest(ctx, job("j1", model.ModuleActiveScan, t1, internalNet), []model.NormalizedRecord{
		sshRecord(map[string]any{"product": "OpenSSH"}),
	})
	require.NoError(t, err)
	out, err := e.Ingest(ctx, job("j2", model.ModuleWeb, t2, internalNet), []model.NormalizedRecord{
		sshRecord(map[string]any{"version": "8.9p1"}),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	all := e.Findings("proj-1")
	require.Len(t, all, 1)
	f := all[0]
	assert.Equal(t, model.ModuleActiveScan, f.Module)
	assert.ElementsMatch(t, []any{"active_scan", "web"}, f.Data["modules"])
	assert.Equal(t, "OpenSSH", f.Data["product"])
	assert.Equal(t, "8.9p1", f.Data["version"])
	assert.Equal(t, t1, f.FirstSeen)
	assert.Equal(t, t2, f.LastSeen)
	assert.True(t, f.IsInternal)
	require.NotNil(t, f.RiskScore)
	assert.Equal(t, 42.0, *f.RiskScore)
}

func TestFirstAndLastSeenAreOrderIndependent(t *testing.T) {
	e := New(nil, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(48 * time.Hour)

	rec := model.NormalizedRecord{FindingType: model.FindingSubdomain, Value: "API.example.com."}
	_, err := e.Ingest(ctx, job("late", model.ModuleOSINT, late), []model.NormalizedRecord{rec})
	require.NoError(t, err)
	_, err = e.Ingest(ctx, job("early", model.ModuleOSINT, early), []model.NormalizedRecord{
		{FindingType: model.FindingSubdomain, Value: "api.example.com"},
	})
	require.NoError(t, err)

	all := e.Findings("proj-1")
	require.Len(t, all, 1)
	assert.Equal(t, early, all[0].FirstSeen)
	assert.Equal(t, late, all[0].LastSeen)
	assert.Equal(t, "late", all[0].JobID)
}

func TestListAttributesUnion(t *testing.T) {
	e := New(nil, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	now := time.Now()
	rec := func(names ...any) model.NormalizedRecord {
		return sshRecord(map[string]any{"hostnames": names})
	}
	_, err := e.Ingest(ctx, job("a", model.ModuleActiveScan, now, internalNet), []model.NormalizedRecord{rec("db01")})
	require.NoError(t, err)
	_, err = e.Ingest(ctx, job("b", model.ModuleActiveScan, now, internalNet), []model.NormalizedRecord{rec("db01", "db01.corp")})
	require.NoError(t, err)

	f := e.Findings("proj-1")[0]
	assert.Equal(t, []any{"db01", "db01.corp"}, f.Data["hostnames"])
}

func TestMalformedRecordsAreDropped(t *testing.T) {
	store := &memStore{}
	e := New(nil, store, zap.NewNop().Sugar())
	var notified []string
	e.OnBatch(func(p string) { notified = append(notified, p) })

	out, err := e.Ingest(context.Background(), job("j", model.ModuleActiveScan, time.Now(), internalNet), []model.NormalizedRecord{
		{FindingType: "", Value: "x"},
		{FindingType: model.FindingOpenPort, Value: "99999/tcp", Attributes: map[string]any{"ip": "10.0.0.1"}},
		{FindingType: model.FindingOpenPort, Value: "80/tcp"},
		sshRecord(nil),
	})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Len(t, store.saved, 1)
	assert.Equal(t, []string{"proj-1"}, notified)
}

func TestIsInternalFollowsTargetAndNeverChanges(t *testing.T) {
	e := New(nil, nil, zap.NewNop().Sugar())
	ctx := context.Background()
	now := time.Now()
	portal := model.Target{Type: model.TargetURL, Value: "https://portal.example.com"}

	ext := job("web", model.ModuleWeb, now, portal, internalNet)
	ext.IsExternal = true
	_, err := e.Ingest(ctx, ext, []model.NormalizedRecord{
		{FindingType: model.FindingAdminPanel, Value: "https://portal.example.com/admin/", Attributes: map[string]any{"domain": "portal.example.com"}},
		{FindingType: model.FindingOpenPort, Value: "443/tcp", Attributes: map[string]any{"ip": "10.0.0.9"}},
	})
	require.NoError(t, err)

	byType := map[string]model.Finding{}
	for _, f := range e.Findings("proj-1") {
		byType[f.FindingType] = f
	}
	assert.False(t, byType[model.FindingAdminPanel].IsInternal)
	assert.True(t, byType[model.FindingOpenPort].IsInternal)

	// a later internal-only observation does not flip the admin panel
	_, err = e.Ingest(ctx, job("again", model.ModuleWeb, now, internalNet), []model.NormalizedRecord{
		{FindingType: model.FindingAdminPanel, Value: "https://PORTAL.example.com/admin"},
	})
	require.NoError(t, err)
	for _, f := range e.Findings("proj-1") {
		if f.FindingType == model.FindingAdminPanel {
			assert.False(t, f.IsInternal)
		}
	}
	assert.Len(t, e.Findings("proj-1"), 2)
}

func TestLinks(t *testing.T) {
	e := New(nil, nil, zap.NewNop().Sugar())
	now := time.Now()
	_, err := e.Ingest(context.Background(), job("j", model.ModuleActiveScan, now, internalNet), []model.NormalizedRecord{
		sshRecord(nil),
		{FindingType: model.FindingCVE, Value: "CVE-2023-38408", Attributes: map[string]any{"ip": "10.0.0.5", "port": 22}},
		{FindingType: model.FindingOpenPort, Value: "80/tcp", Attributes: map[string]any{"ip": "10.0.0.5"}},
		{FindingType: model.FindingOpenPort, Value: "80/tcp", Attributes: map[string]any{"ip": "10.0.0.6"}},
	})
	require.NoError(t, err)

	links := e.Links("proj-1")
	assert.Len(t, links, 3, "three findings on 10.0.0.5 pair up, 10.0.0.6 stays alone")
	reasons := map[string]int{}
	for _, l := range links {
		reasons[l.Reason]++
		assert.Less(t, l.From, l.To)
	}
	assert.Equal(t, 1, reasons["endpoint:10.0.0.5:22"])
	assert.Equal(t, 2, reasons["ip:10.0.0.5"])

	// cached until the next batch
	assert.Equal(t, links, e.Links("proj-1"))
}

func TestDedupKeyStable(t *testing.T) {
	a := DedupKey("p", model.ModuleActiveScan, "open_port", "10.0.0.5|22/tcp")
	b := DedupKey("p", model.ModuleActiveScan, "open_port", "10.0.0.5|22/tcp")
	c := DedupKey("q", model.ModuleActiveScan, "open_port", "10.0.0.5|22/tcp")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestNormalizeValue(t *testing.T) {
	cases := []struct {
		rec  model.NormalizedRecord
		want string
	}{
		{model.NormalizedRecord{FindingType: "open_port", Value: "22", Attributes: map[string]any{"ip": "10.0.0.5"}}, "10.0.0.5|22/tcp"},
		{model.NormalizedRecord{FindingType: "open_port", Value: "udp/53", Attributes: map[string]any{"ip": "10.0.0.5"}}, "10.0.0.5|53/udp"},
		{model.NormalizedRecord{FindingType: "subdomain", Value: " Mail.Example.COM. "}, "mail.example.com"},
		{model.NormalizedRecord{FindingType: "web_path", Value: "HTTPS://Example.com/Admin/?x=1#top"}, "https://example.com/Admin"},
		{model.NormalizedRecord{FindingType: "cve", Value: "cve-2021-44228", Attributes: map[string]any{"ip": "10.0.0.7", "port": 8080}}, "CVE-2021-44228|10.0.0.7:8080"},
		{model.NormalizedRecord{FindingType: "tls_cert", Value: "CN=Example"}, "cn=example"},
	}
	for _, c := range cases {
		got, err := NormalizeValue(c.rec)
		require.NoError(t, err, c.rec.Value)
		assert.Equal(t, c.want, got)
	}
}

func TestNotesAttachToFindings(t *testing.T) {
	store := &noteStore{}
	e := New(constScorer(10), store, zap.NewNop().Sugar())
	ctx := context.Background()
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	out, err := e.Ingest(ctx, job("j1", model.ModuleActiveScan, t1, internalNet), []model.NormalizedRecord{sshRecord(nil)})
	require.NoError(t, err)
	id := out[0].ID

	note, err := e.AddNote(ctx, id, "", "  weak host keys  ")
	require.NoError(t, err)
	assert.Equal(t, NoteKindNote, note.Kind)
	assert.Equal(t, "weak host keys", note.Content)
	assert.Equal(t, "proj-1", note.ProjectID)
	_, err = e.AddNote(ctx, id, "TAG", "triaged")
	require.NoError(t, err)

	_, err = e.AddNote(ctx, id, "comment", "x")
	assert.True(t, apperr.Is(err, apperr.InvalidRequest))
	_, err = e.AddNote(ctx, id, "note", "   ")
	assert.True(t, apperr.Is(err, apperr.InvalidRequest))
	_, err = e.AddNote(ctx, "missing", "note", "x")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	// a later batch updating the finding keeps its notes
	_, err = e.Ingest(ctx, job("j2", model.ModuleActiveScan, t1.Add(time.Hour), internalNet), []model.NormalizedRecord{sshRecord(nil)})
	require.NoError(t, err)
	f, ok := e.Finding("proj-1", id)
	require.True(t, ok)
	require.Len(t, f.Notes, 2)
	assert.Equal(t, NoteKindTag, f.Notes[1].Kind)
	require.Len(t, store.notes, 2)

	reloaded := New(nil, nil, zap.NewNop().Sugar())
	reloaded.Load(store.saved)
	assert.Equal(t, 2, reloaded.LoadNotes(append(store.notes, model.FindingNote{ID: "orphan", FindingID: "gone"})))
	f, ok = reloaded.Finding("proj-1", id)
	require.True(t, ok)
	assert.Len(t, f.Notes, 2)
}
