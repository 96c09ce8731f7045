package advisory

import "context"

func cvss(v float64) *float64 { return &v }

// Builtin is a small table of well-known service vulnerabilities.
var Builtin = []Advisory{
	{ID: "CVE-2023-38408", Product: "openssh", VersionEnd: "9.3p1", CVSS: cvss(9.8), Summary: "ssh-agent PKCS#11 remote code execution"},
	{ID: "CVE-2018-15473", Product: "openssh", VersionEnd: "7.7", CVSS: cvss(5.3), Summary: "username enumeration"},
	{ID: "CVE-2011-2523", Product: "vsftpd", VersionStart: "2.3.4", VersionEnd: "2.3.4", CVSS: cvss(9.8), Summary: "backdoored release"},
	{ID: "CVE-2015-3306", Product: "proftpd", VersionStart: "1.3.5", VersionEnd: "1.3.5", CVSS: cvss(9.8), Summary: "mod_copy unauthenticated file copy"},
	{ID: "CVE-2021-41773", Product: "apache httpd", VersionStart: "2.4.49", VersionEnd: "2.4.49", CVSS: cvss(7.5), Summary: "path traversal"},
	{ID: "CVE-2021-42013", Product: "apache httpd", VersionStart: "2.4.49", VersionEnd: "2.4.50", CVSS: cvss(9.8), Summary: "path traversal and RCE"},
	{ID: "CVE-2022-0543", Product: "redis", VersionEnd: "6.2.6", CVSS: cvss(10.0), Summary: "Lua sandbox escape"},
	{ID: "CVE-2019-0708", Product: "microsoft terminal services", CVSS: cvss(9.8), Summary: "BlueKeep"},
	{ID: "CVE-2017-0144", Product: "microsoft-ds", CVSS: cvss(8.1), Summary: "SMBv1 remote code execution"},
	{ID: "CVE-2021-44228", Product: "log4j", VersionStart: "2.0", VersionEnd: "2.14.1", CVSS: cvss(10.0), Summary: "Log4Shell"},
}

// Static serves advisories from an in-memory table.
type Static struct {
	entries []Advisory
}

func NewStatic(entries []Advisory) *Static {
	if entries == nil {
		entries = Builtin
	}
	return &Static{entries: entries}
}

func (s *Static) Lookup(_ context.Context, product, version string) ([]Advisory, error) {
	var out []Advisory
	for _, a := range s.entries {
		if productMatches(product, a.Product) && a.Affects(version) {
			out = append(out, a)
		}
	}
	return out, nil
}
