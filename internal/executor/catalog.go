package executor

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"

	"github.com/stywzn/recon-orchestrator/internal/model"
	"github.com/stywzn/recon-orchestrator/internal/progress"
	"github.com/stywzn/recon-orchestrator/internal/safety"
)

// Target placement for a tool's argument list.
const (
	TargetsAppend = "append"
	TargetsNone   = "none"
)

// Tool is one catalog entry: how to run it and how to read its output.
type Tool struct {
	Name          string        `yaml:"name"`
	Module        model.Module  `yaml:"module"`
	Image         string        `yaml:"image"`
	Args          []string      `yaml:"args"`
	Targets       string        `yaml:"targets"`
	Timeout       time.Duration `yaml:"timeout"`
	Progress      progress.Mode `yaml:"progress"`
	AvgDuration   time.Duration `yaml:"avg_duration"`
	ExpectedLines string        `yaml:"expected_lines"`
	Parser        string        `yaml:"parser"`
	Default       bool          `yaml:"default"`

	tmpls []*template.Template
}

// ArgData is what argument templates see.
type ArgData struct {
	JobID          string
	Aggressiveness int
	Targets        []model.Target
	Hosts          []string
	Options        map[string]any
	OutputDir      string
}

func (t *Tool) compile() error {
	if t.Name == "" || t.Image == "" {
		return fmt.Errorf("tool entry needs name and image")
	}
	if !t.Module.Valid() {
		return fmt.Errorf("tool %s: unknown module %q", t.Name, t.Module)
	}
	if t.Targets == "" {
		t.Targets = TargetsAppend
	}
	if t.Progress == "" {
		t.Progress = progress.ModeElapsed
	}
	t.tmpls = t.tmpls[:0]
	for i, a := range t.Args {
		tmpl, err := template.New(fmt.Sprintf("%s/%d", t.Name, i)).Funcs(sprig.TxtFuncMap()).Parse(a)
		if err != nil {
			return fmt.Errorf("tool %s arg %d: %w", t.Name, i, err)
		}
		t.tmpls = append(t.tmpls, tmpl)
	}
	return nil
}

// RenderArgs expands the argument templates; empty results are dropped.
func (t *Tool) RenderArgs(d ArgData) ([]string, error) {
	if d.Options == nil {
		d.Options = map[string]any{}
	}
	args := make([]string, 0, len(t.tmpls)+len(d.Hosts))
	var buf bytes.Buffer
	for _, tmpl := range t.tmpls {
		buf.Reset()
		if err := tmpl.Execute(&buf, d); err != nil {
			return nil, fmt.Errorf("render %s: %w", tmpl.Name(), err)
		}
		if s := strings.TrimSpace(buf.String()); s != "" && s != "<no value>" {
			args = append(args, s)
		}
	}
	if t.Targets == TargetsAppend {
		args = append(args, d.Hosts...)
	}
	return args, nil
}

// Profile returns the progress profile for a run over params.
func (t *Tool) Profile(params model.Parameters) progress.Profile {
	p := progress.Profile{Mode: t.Progress, AvgDuration: t.AvgDuration}
	if t.Progress != progress.ModeLines {
		return p
	}
	if t.ExpectedLines != "" {
		if n, ok := params.Int(t.ExpectedLines); ok && n > 0 {
			p.ExpectedLines = n
		}
		return p
	}
	var hosts int64
	for _, tg := range params.Targets {
		hosts += safety.HostsOf(tg)
	}
	if hosts > 0 && hosts < 1<<31 {
		p.ExpectedLines = int(hosts)
	}
	return p
}

// Catalog maps tool names to entries.
type Catalog struct {
	tools map[string]*Tool
}

// NewCatalog compiles the given tools.
func NewCatalog(tools []Tool) (*Catalog, error) {
	c := &Catalog{tools: make(map[string]*Tool, len(tools))}
	for i := range tools {
		t := tools[i]
		if err := t.compile(); err != nil {
			return nil, err
		}
		c.tools[t.Name] = &t
	}
	return c, nil
}

type catalogFile struct {
	Tools []Tool `yaml:"tools"`
}

// LoadCatalog starts from the built-in tools and overlays entries from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	tools := BuiltinTools()
	if path == "" {
		return NewCatalog(tools)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tool catalog: %w", err)
	}
	byName := make(map[string]int, len(tools))
	for i, t := range tools {
		byName[t.Name] = i
	}
	for _, t := range f.Tools {
		if i, ok := byName[t.Name]; ok {
			tools[i] = t
			continue
		}
		tools = append(tools, t)
	}
	return NewCatalog(tools)
}

// Lookup returns the named tool, or the module's default when name is empty.
func (c *Catalog) Lookup(module model.Module, name string) (*Tool, error) {
	if name == "" {
		for _, t := range c.sorted() {
			if t.Module == module && t.Default {
				return t, nil
			}
		}
		for _, t := range c.sorted() {
			if t.Module == module {
				return t, nil
			}
		}
		return nil, fmt.Errorf("no tool registered for module %s", module)
	}
	t, ok := c.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	if t.Module != module {
		return nil, fmt.Errorf("tool %q belongs to module %s, not %s", name, t.Module, module)
	}
	return t, nil
}

// Tools lists the catalog sorted by module then name.
func (c *Catalog) Tools() []*Tool { return c.sorted() }

func (c *Catalog) sorted() []*Tool {
	out := make([]*Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// BuiltinTools is the stock catalog.
func BuiltinTools() []Tool {
	return []Tool{
		{
			Name:   "port_scan",
			Module: model.ModuleActiveScan,
			Image:  "instrumentisto/nmap:latest",
			Args: []string{
				"-oX", "-", "-Pn",
				`-T{{ div .Aggressiveness 2 | max 1 | min 5 }}`,
				"-p", `{{ .Options.ports | default "1-1000" }}`,
			},
			Timeout:     time.Hour,
			Progress:    progress.ModeElapsed,
			AvgDuration: 10 * time.Minute,
			Parser:      "nmap",
			Default:     true,
		},
		{
			Name:   "service_probe",
			Module: model.ModuleActiveScan,
			Image:  "instrumentisto/nmap:latest",
			Args: []string{
				"-oX", "-", "-Pn", "-sV",
				`--version-intensity={{ .Aggressiveness | min 9 }}`,
				"-p", `{{ .Options.ports | default "21,22,23,25,80,443,445,3306,3389,5432,6379,8080,8443,9200" }}`,
			},
			Timeout:     90 * time.Minute,
			Progress:    progress.ModeElapsed,
			AvgDuration: 15 * time.Minute,
			Parser:      "nmap",
		},
		{
			Name:          "subdomain_enum",
			Module:        model.ModuleOSINT,
			Image:         "projectdiscovery/subfinder:latest",
			Args:          []string{"-silent", "-d", `{{ join "," .Hosts }}`},
			Targets:       TargetsNone,
			Timeout:       30 * time.Minute,
			Progress:      progress.ModeLines,
			AvgDuration:   5 * time.Minute,
			ExpectedLines: "expected_subdomains",
			Parser:        "lines:" + model.FindingSubdomain,
			Default:       true,
		},
		{
			Name:        "whois",
			Module:      model.ModuleOSINT,
			Image:       "recon/whois:latest",
			Timeout:     5 * time.Minute,
			Progress:    progress.ModeElapsed,
			AvgDuration: 20 * time.Second,
			Parser:      "whois",
		},
		{
			Name:   "web_bruteforce",
			Module: model.ModuleWeb,
			Image:  "secsi/ffuf:latest",
			Args: []string{
				"-s", "-json",
				"-u", `{{ index .Hosts 0 | trimSuffix "/" }}/FUZZ`,
				"-w", `{{ .Options.wordlist | default "/wordlists/common.txt" }}`,
				`-rate={{ mul .Aggressiveness 20 }}`,
			},
			Targets:       TargetsNone,
			Timeout:       time.Hour,
			Progress:      progress.ModeLines,
			AvgDuration:   20 * time.Minute,
			ExpectedLines: "wordlist_size",
			Parser:        "jsonl:" + model.FindingWebPath,
			Default:       true,
		},
		{
			Name:        "cloud_enum",
			Module:      model.ModuleCloud,
			Image:       "recon/cloud_enum:latest",
			Args:        []string{"-k", `{{ .Options.keyword | default (index .Hosts 0) }}`, "--disable-azure"},
			Targets:     TargetsNone,
			Timeout:     45 * time.Minute,
			Progress:    progress.ModeElapsed,
			AvgDuration: 10 * time.Minute,
			Parser:      "lines:" + model.FindingCloudBucket,
			Default:     true,
		},
	}
}
