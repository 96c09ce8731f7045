// Package advisory maps a detected product version onto known CVE advisories.
package advisory

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// Advisory is one known vulnerability affecting a version range of a product.
type Advisory struct {
	ID           string   `json:"id"`
	Product      string   `json:"product"`
	VersionStart string   `json:"version_start,omitempty"`
	VersionEnd   string   `json:"version_end,omitempty"`
	CVSS         *float64 `json:"cvss,omitempty"`
	Summary      string   `json:"summary,omitempty"`
}

// Source looks up advisories for a product and version string.
type Source interface {
	Lookup(ctx context.Context, product, version string) ([]Advisory, error)
}

var digits = regexp.MustCompile(`\d+`)

func parseVersion(v string) []int {
	var parts []int
	for _, m := range digits.FindAllString(v, -1) {
		n, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		parts = append(parts, n)
	}
	return parts
}

// CompareVersions compares the numeric components of two version strings.
func CompareVersions(a, b string) int {
	v1, v2 := parseVersion(a), parseVersion(b)
	n := max(len(v1), len(v2))
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(v1) {
			x = v1[i]
		}
		if i < len(v2) {
			y = v2[i]
		}
		if x != y {
			if x > y {
				return 1
			}
			return -1
		}
	}
	return 0
}

// Affects reports whether version falls inside the advisory's inclusive range.
// An unparseable version never matches a bounded range.
func (a Advisory) Affects(version string) bool {
	if a.VersionStart == "" && a.VersionEnd == "" {
		return true
	}
	if len(parseVersion(version)) == 0 {
		return false
	}
	if a.VersionStart != "" && CompareVersions(version, a.VersionStart) < 0 {
		return false
	}
	if a.VersionEnd != "" && CompareVersions(version, a.VersionEnd) > 0 {
		return false
	}
	return true
}

func normalizeProduct(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// productMatches accepts "OpenSSH" for "openssh" and "Apache httpd" for "httpd".
func productMatches(detected, known string) bool {
	d, k := normalizeProduct(detected), normalizeProduct(known)
	if d == "" || k == "" {
		return false
	}
	return d == k || strings.Contains(d, k)
}

// Chain queries sources in order and returns the union, first source winning per id.
type Chain []Source

func (c Chain) Lookup(ctx context.Context, product, version string) ([]Advisory, error) {
	seen := map[string]bool{}
	var out []Advisory
	for _, s := range c {
		advs, err := s.Lookup(ctx, product, version)
		if err != nil {
			return out, err
		}
		for _, a := range advs {
			if !seen[a.ID] {
				seen[a.ID] = true
				out = append(out, a)
			}
		}
	}
	return out, nil
}
