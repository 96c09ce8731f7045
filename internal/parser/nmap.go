package parser

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Ullaakut/nmap/v3"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

// ParseNmap reads nmap XML (-oX -) and emits one open_port record per open port,
// plus cve records for vulners script hits.
func ParseNmap(r io.Reader) ([]model.NormalizedRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	run := &nmap.Run{}
	if err := nmap.Parse(data, run); err != nil {
		return nil, fmt.Errorf("parse nmap xml: %w", err)
	}

	var out []model.NormalizedRecord
	for _, h := range run.Hosts {
		ip := pickHostAddress(h)
		if ip == "" {
			continue
		}
		var names []any
		for _, hn := range h.Hostnames {
			if hn.Name != "" {
				names = append(names, strings.ToLower(hn.Name))
			}
		}
		for _, p := range h.Ports {
			if !strings.HasPrefix(strings.ToLower(p.State.State), "open") {
				continue
			}
			proto := strings.ToLower(p.Protocol)
			attrs := map[string]any{
				"ip":       ip,
				"port":     int(p.ID),
				"protocol": proto,
				"state":    p.State.State,
			}
			if p.Service.Name != "" {
				attrs["service"] = strings.ToLower(p.Service.Name)
			}
			if p.Service.Product != "" {
				attrs["product"] = p.Service.Product
			}
			if p.Service.Version != "" {
				attrs["version"] = p.Service.Version
			}
			if p.Service.Tunnel != "" {
				attrs["tunnel"] = p.Service.Tunnel
			}
			if len(names) > 0 {
				attrs["hostnames"] = names
			}
			for _, s := range p.Scripts {
				switch s.ID {
				case "ftp-anon":
					if strings.Contains(s.Output, "Anonymous FTP login allowed") {
						attrs["anonymous_access"] = true
					}
				case "http-title":
					attrs["http_title"] = strings.TrimSpace(s.Output)
				}
			}
			out = append(out, model.NormalizedRecord{
				FindingType: model.FindingOpenPort,
				Value:       fmt.Sprintf("%d/%s", p.ID, proto),
				Attributes:  attrs,
			})
			for _, s := range p.Scripts {
				if s.ID == "vulners" {
					out = append(out, vulnersRecords(ip, int(p.ID), proto, s.Output)...)
				}
			}
		}
	}
	return out, nil
}

func pickHostAddress(h nmap.Host) string {
	for _, a := range h.Addresses {
		if a.AddrType == "ipv4" {
			return a.Addr
		}
	}
	for _, a := range h.Addresses {
		if a.AddrType == "ipv6" {
			return a.Addr
		}
	}
	return ""
}

// vulnersRecords reads lines of the form "CVE-2023-38408  9.8  https://vulners.com/...".
func vulnersRecords(ip string, port int, proto, output string) []model.NormalizedRecord {
	var out []model.NormalizedRecord
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "CVE-") {
			continue
		}
		attrs := map[string]any{"ip": ip, "port": port, "protocol": proto, "cve": fields[0]}
		if cvss, err := strconv.ParseFloat(fields[1], 64); err == nil {
			attrs["cvss"] = cvss
		}
		out = append(out, model.NormalizedRecord{FindingType: model.FindingCVE, Value: fields[0], Attributes: attrs})
	}
	return out
}
