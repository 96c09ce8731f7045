package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

var adminMarkers = []string{"admin", "login", "manager", "console", "dashboard", "phpmyadmin", "wp-admin"}

// JSONLines parses one JSON object per line. With an empty findingType each object
// must already be a normalized record; otherwise it is a tool result (ffuf, httpx)
// mapped onto that type.
func JSONLines(findingType string) Parser {
	return Func(func(r io.Reader) ([]model.NormalizedRecord, error) {
		var out []model.NormalizedRecord
		var errs []error
		sc := newScanner(r)
		n := 0
		for sc.Scan() {
			n++
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(line), &obj); err != nil {
				errs = append(errs, fmt.Errorf("line %d: %w", n, err))
				continue
			}
			rec, err := objectRecord(findingType, obj)
			if err != nil {
				errs = append(errs, fmt.Errorf("line %d: %w", n, err))
				continue
			}
			out = append(out, rec)
		}
		if err := sc.Err(); err != nil {
			errs = append(errs, err)
		}
		return out, errors.Join(errs...)
	})
}

func objectRecord(findingType string, obj map[string]any) (model.NormalizedRecord, error) {
	if findingType == "" {
		ft, _ := obj["finding_type"].(string)
		v, _ := obj["value"].(string)
		if ft == "" || v == "" {
			return model.NormalizedRecord{}, errors.New("missing finding_type or value")
		}
		attrs, _ := obj["attributes"].(map[string]any)
		return model.NormalizedRecord{FindingType: ft, Value: v, Attributes: attrs}, nil
	}

	raw, _ := obj["url"].(string)
	if raw == "" {
		raw, _ = obj["value"].(string)
	}
	if raw == "" {
		return model.NormalizedRecord{}, errors.New("no url or value field")
	}
	attrs := map[string]any{"url": raw}
	for _, k := range []string{"status", "length", "words", "lines", "content_type", "title", "host"} {
		if v, ok := obj[k]; ok {
			attrs[k] = v
		}
	}
	ft := findingType
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		if host := strings.ToLower(u.Hostname()); net.ParseIP(host) != nil {
			attrs["ip"] = host
		} else {
			attrs["domain"] = host
		}
		attrs["path"] = u.Path
		if p := u.Port(); p != "" {
			attrs["port"] = p
		}
		if ft == model.FindingWebPath && looksLikeAdmin(u.Path) {
			ft = model.FindingAdminPanel
		}
		if strings.HasSuffix(u.Path, "/") {
			if title, _ := obj["title"].(string); strings.HasPrefix(strings.ToLower(title), "index of") {
				attrs["directory_listing"] = true
			}
		}
	}
	return model.NormalizedRecord{FindingType: ft, Value: raw, Attributes: attrs}, nil
}

func looksLikeAdmin(path string) bool {
	p := strings.ToLower(path)
	for _, m := range adminMarkers {
		if strings.Contains(p, m) {
			return true
		}
	}
	return false
}
