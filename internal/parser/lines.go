package parser

import (
	"bufio"
	"io"
	"net/url"
	"strings"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

const maxLine = 1 << 20

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	return sc
}

// Lines emits one record of the given type per non-empty output line.
func Lines(findingType string) Parser {
	return Func(func(r io.Reader) ([]model.NormalizedRecord, error) {
		var out []model.NormalizedRecord
		sc := newScanner(r)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
				continue
			}
			if rec, ok := lineRecord(findingType, line); ok {
				out = append(out, rec)
			}
		}
		return out, sc.Err()
	})
}

func lineRecord(findingType, line string) (model.NormalizedRecord, bool) {
	rec := model.NormalizedRecord{FindingType: findingType, Value: line, Attributes: map[string]any{}}
	switch findingType {
	case model.FindingSubdomain:
		host := strings.ToLower(strings.TrimSuffix(strings.Fields(line)[0], "."))
		rec.Value = host
		rec.Attributes["domain"] = host
	case model.FindingCloudBucket:
		// cloud_enum prints "OPEN S3 BUCKET: http://name.s3.amazonaws.com" and similar
		i := strings.Index(line, "://")
		if i < 0 {
			return rec, false
		}
		start := strings.LastIndexAny(line[:i], " \t:") + 1
		raw := strings.Fields(line[start:])[0]
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return rec, false
		}
		rec.Value = raw
		rec.Attributes["resource"] = raw
		rec.Attributes["domain"] = strings.ToLower(u.Hostname())
		if strings.Contains(strings.ToLower(line[:start]), "open") {
			rec.Attributes["anonymous_access"] = true
		}
	}
	return rec, true
}

// ParseWhois folds "Key: value" output into a single whois record keyed by the domain name.
func ParseWhois(r io.Reader) ([]model.NormalizedRecord, error) {
	attrs := map[string]any{}
	var domain string
	sc := newScanner(r)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" || v == "" || strings.HasPrefix(k, "%") || strings.HasPrefix(k, ">>>") {
			continue
		}
		key := strings.ReplaceAll(k, " ", "_")
		switch key {
		case "domain_name":
			if domain == "" {
				domain = strings.ToLower(v)
			}
		case "name_server":
			ns, _ := attrs["name_servers"].([]any)
			attrs["name_servers"] = append(ns, strings.ToLower(v))
			continue
		}
		if _, seen := attrs[key]; !seen {
			attrs[key] = v
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if domain == "" {
		return nil, nil
	}
	attrs["domain"] = domain
	return []model.NormalizedRecord{{FindingType: model.FindingWhois, Value: domain, Attributes: attrs}}, nil
}
