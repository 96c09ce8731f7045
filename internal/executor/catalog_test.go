package executor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stywzn/recon-orchestrator/internal/model"
	"github.com/stywzn/recon-orchestrator/internal/progress"
)

func TestBuiltinCatalogDefaults(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)

	for _, m := range []model.Module{model.ModuleOSINT, model.ModuleActiveScan, model.ModuleWeb, model.ModuleCloud} {
		tool, err := c.Lookup(m, "")
		require.NoError(t, err, m)
		assert.Equal(t, m, tool.Module)
	}
	tool, err := c.Lookup(model.ModuleActiveScan, "")
	require.NoError(t, err)
	assert.Equal(t, "port_scan", tool.Name)

	_, err = c.Lookup(model.ModuleWeb, "port_scan")
	assert.Error(t, err)
	_, err = c.Lookup(model.ModuleWeb, "nikto")
	assert.Error(t, err)
}

func TestRenderPortScanArgs(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	tool, err := c.Lookup(model.ModuleActiveScan, "port_scan")
	require.NoError(t, err)

	args, err := tool.RenderArgs(ArgData{
		Aggressiveness: 9,
		Hosts:          []string{"10.0.0.1", "10.0.0.2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"-oX", "-", "-Pn", "-T4", "-p", "1-1000", "10.0.0.1", "10.0.0.2"}, args)

	args, err = tool.RenderArgs(ArgData{
		Aggressiveness: 1,
		Hosts:          []string{"10.0.0.1"},
		Options:        map[string]any{"ports": "22,443"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"-oX", "-", "-Pn", "-T1", "-p", "22,443", "10.0.0.1"}, args)
}

func TestRenderWebArgs(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	tool, err := c.Lookup(model.ModuleWeb, "")
	require.NoError(t, err)

	args, err := tool.RenderArgs(ArgData{Aggressiveness: 5, Hosts: []string{"https://example.com/"}})
	require.NoError(t, err)
	assert.Contains(t, args, "https://example.com/FUZZ")
	assert.Contains(t, args, "-rate=100")
}

func TestProfile(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	web, err := c.Lookup(model.ModuleWeb, "")
	require.NoError(t, err)

	p := web.Profile(model.Parameters{Options: map[string]any{"wordlist_size": float64(4600)}})
	assert.Equal(t, progress.ModeLines, p.Mode)
	assert.Equal(t, 4600, p.ExpectedLines)

	scan, err := c.Lookup(model.ModuleActiveScan, "")
	require.NoError(t, err)
	p = scan.Profile(model.Parameters{})
	assert.Equal(t, progress.ModeElapsed, p.Mode)
	assert.Equal(t, 10*time.Minute, p.AvgDuration)
}

func TestLoadCatalogOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  - name: port_scan
    module: active_scan
    image: registry.local/nmap:7.95
    args: ["-oX", "-", "-F"]
    timeout: 20m
    avg_duration: 2m
    parser: nmap
    default: true
  - name: dns_brute
    module: osint
    image: registry.local/dnsx:1
    progress: lines
    expected_lines: wordlist_size
    parser: "lines:subdomain"
`), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	scan, err := c.Lookup(model.ModuleActiveScan, "port_scan")
	require.NoError(t, err)
	assert.Equal(t, "registry.local/nmap:7.95", scan.Image)
	assert.Equal(t, 20*time.Minute, scan.Timeout)

	dns, err := c.Lookup(model.ModuleOSINT, "dns_brute")
	require.NoError(t, err)
	assert.Equal(t, progress.ModeLines, dns.Progress)
	assert.Equal(t, TargetsAppend, dns.Targets)
	assert.Len(t, c.Tools(), 7)
}
