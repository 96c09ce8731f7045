package correlation

import (
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

// identity is the set of linkable attributes of one finding.
type identity struct {
	ips       []string
	domains   []string
	endpoints []string
}

func addUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func listAttr(data map[string]any, key string) []string {
	var out []string
	switch v := data[key].(type) {
	case string:
		out = append(out, v)
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, v...)
	}
	return out
}

func identityOf(f *model.Finding) identity {
	var id identity
	addHost := func(h string) {
		h = normalizeHost(h)
		if h == "" {
			return
		}
		if net.ParseIP(h) != nil {
			id.ips = addUnique(id.ips, h)
		} else {
			id.domains = addUnique(id.domains, h)
		}
	}
	for _, k := range []string{"ip", "ips", "host", "domain", "hostnames"} {
		for _, h := range listAttr(f.Data, k) {
			addHost(h)
		}
	}
	switch f.FindingType {
	case model.FindingSubdomain, model.FindingHost:
		addHost(f.Value)
	case model.FindingWebPath, model.FindingAdminPanel, model.FindingCloudBucket:
		if u, err := url.Parse(f.Value); err == nil {
			addHost(u.Hostname())
		}
	}
	port, ok := attrInt(f.Data, "port")
	if !ok && f.FindingType == model.FindingOpenPort {
		if p, _, err := parsePort(f.Value); err == nil {
			port, ok = p, true
		}
	}
	if ok {
		for _, ip := range id.ips {
			id.endpoints = addUnique(id.endpoints, net.JoinHostPort(ip, strconv.Itoa(port)))
		}
	}
	return id
}

type pair struct{ a, b string }

// BuildLinks connects every two findings that share an ip, a domain or an ip:port endpoint.
// The reason names the most specific shared attribute.
func BuildLinks(findings []*model.Finding) []model.AssetLink {
	groups := map[string][]string{}
	for _, f := range findings {
		id := identityOf(f)
		for _, e := range id.endpoints {
			groups["endpoint:"+e] = append(groups["endpoint:"+e], f.ID)
		}
		for _, ip := range id.ips {
			groups["ip:"+ip] = append(groups["ip:"+ip], f.ID)
		}
		for _, d := range id.domains {
			groups["domain:"+d] = append(groups["domain:"+d], f.ID)
		}
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := reasonRank(keys[i]), reasonRank(keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})

	seen := map[pair]bool{}
	var out []model.AssetLink
	for _, k := range keys {
		ids := groups[k]
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				a, b := ids[i], ids[j]
				if a == b {
					continue
				}
				if a > b {
					a, b = b, a
				}
				p := pair{a, b}
				if seen[p] {
					continue
				}
				seen[p] = true
				out = append(out, model.AssetLink{From: a, To: b, Reason: k})
			}
		}
	}
	return out
}

func reasonRank(k string) int {
	switch {
	case strings.HasPrefix(k, "endpoint:"):
		return 0
	case strings.HasPrefix(k, "ip:"):
		return 1
	}
	return 2
}
