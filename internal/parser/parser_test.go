package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

const nmapXML = `<?xml version="1.0" encoding="UTF-8"?>
<nmaprun scanner="nmap" args="nmap -oX - -sV 10.0.0.5" start="1700000000" version="7.94">
<host>
  <status state="up" reason="arp-response"/>
  <address addr="10.0.0.5" addrtype="ipv4"/>
  <hostnames><hostname name="DB01.corp.local" type="PTR"/></hostnames>
  <ports>
    <port protocol="tcp" portid="22">
      <state state="open" reason="syn-ack"/>
      <service name="ssh" product="OpenSSH" version="8.9p1"/>
      <script id="vulners" output="&#xa;  cpe:/a:openbsd:openssh:8.9p1: &#xa;    CVE-2023-38408  9.8  https://vulners.com/cve/CVE-2023-38408"/>
    </port>
    <port protocol="tcp" portid="21">
      <state state="open" reason="syn-ack"/>
      <service name="ftp" product="vsftpd"/>
      <script id="ftp-anon" output="Anonymous FTP login allowed (FTP code 230)"/>
    </port>
    <port protocol="tcp" portid="23">
      <state state="closed" reason="reset"/>
    </port>
  </ports>
</host>
</nmaprun>`

func TestParseNmap(t *testing.T) {
	p, err := Lookup("nmap")
	require.NoError(t, err)
	recs, err := p.Parse(strings.NewReader(nmapXML))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	ssh := recs[0]
	assert.Equal(t, model.FindingOpenPort, ssh.FindingType)
	assert.Equal(t, "22/tcp", ssh.Value)
	assert.Equal(t, "10.0.0.5", ssh.Attributes["ip"])
	assert.Equal(t, "ssh", ssh.Attributes["service"])
	assert.Equal(t, "8.9p1", ssh.Attributes["version"])
	assert.Equal(t, []any{"db01.corp.local"}, ssh.Attributes["hostnames"])

	cve := recs[1]
	assert.Equal(t, model.FindingCVE, cve.FindingType)
	assert.Equal(t, "CVE-2023-38408", cve.Value)
	assert.InDelta(t, 9.8, cve.Attributes["cvss"], 0.001)

	ftp := recs[2]
	assert.Equal(t, "21/tcp", ftp.Value)
	assert.Equal(t, true, ftp.Attributes["anonymous_access"])
}

const nmapIPv6XML = `<?xml version="1.0" encoding="UTF-8"?>
<nmaprun scanner="nmap" start="1700000000" version="7.94">
<host>
  <address addr="00:11:22:33:44:55" addrtype="mac"/>
  <address addr="2001:db8::10" addrtype="ipv6"/>
  <ports>
    <port protocol="tcp" portid="443">
      <state state="open" reason="syn-ack"/>
      <service name="https" tunnel="ssl"/>
      <script id="http-title" output=" Login portal "/>
    </port>
  </ports>
</host>
<host>
  <address addr="00:11:22:33:44:66" addrtype="mac"/>
  <ports><port protocol="tcp" portid="80"><state state="open"/></port></ports>
</host>
</nmaprun>`

func TestParseNmapFallsBackToIPv6(t *testing.T) {
	recs, err := ParseNmap(strings.NewReader(nmapIPv6XML))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "443/tcp", recs[0].Value)
	assert.Equal(t, "2001:db8::10", recs[0].Attributes["ip"])
	assert.Equal(t, "ssl", recs[0].Attributes["tunnel"])
	assert.Equal(t, "Login portal", recs[0].Attributes["http_title"])
	assert.NotContains(t, recs[0].Attributes, "hostnames")
}

func TestParseNmapRejectsGarbage(t *testing.T) {
	_, err := ParseNmap(strings.NewReader("<nmaprun"))
	assert.Error(t, err)
}

func TestLinesSubdomain(t *testing.T) {
	p, err := Lookup("lines:subdomain")
	require.NoError(t, err)
	recs, err := p.Parse(strings.NewReader("API.example.com.\n\n# comment\nmail.example.com\n"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "api.example.com", recs[0].Value)
	assert.Equal(t, "api.example.com", recs[0].Attributes["domain"])
}

func TestLinesCloudBucket(t *testing.T) {
	recs, err := Lines(model.FindingCloudBucket).Parse(strings.NewReader(
		"[+] Checking for S3 buckets\n    OPEN S3 BUCKET: http://acme-backup.s3.amazonaws.com\n    Protected S3 Bucket: http://acme-logs.s3.amazonaws.com\n"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "http://acme-backup.s3.amazonaws.com", recs[0].Value)
	assert.Equal(t, true, recs[0].Attributes["anonymous_access"])
	assert.NotContains(t, recs[1].Attributes, "anonymous_access")
}

func TestParseWhois(t *testing.T) {
	recs, err := ParseWhois(strings.NewReader(`Domain Name: EXAMPLE.COM
Registrar: Example Registrar, Inc.
Name Server: A.IANA-SERVERS.NET
Name Server: B.IANA-SERVERS.NET
>>> Last update of whois database: 2024-01-01 <<<
`))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "example.com", recs[0].Value)
	assert.Equal(t, []any{"a.iana-servers.net", "b.iana-servers.net"}, recs[0].Attributes["name_servers"])
	assert.Equal(t, "Example Registrar, Inc.", recs[0].Attributes["registrar"])
}

func TestJSONLinesFfuf(t *testing.T) {
	p, err := Lookup("jsonl:web_path")
	require.NoError(t, err)
	recs, err := p.Parse(strings.NewReader(
		`{"input":{"FUZZ":"admin"},"status":200,"length":512,"url":"https://203.0.113.7:8443/admin"}
not json
{"input":{"FUZZ":"img"},"status":301,"url":"https://203.0.113.7:8443/img/"}
`))
	require.Error(t, err, "bad line is reported")
	require.Len(t, recs, 2)
	assert.Equal(t, model.FindingAdminPanel, recs[0].FindingType)
	assert.Equal(t, "203.0.113.7", recs[0].Attributes["ip"])
	assert.Equal(t, "8443", recs[0].Attributes["port"])
	assert.Equal(t, model.FindingWebPath, recs[1].FindingType)
}

func TestJSONLinesGeneric(t *testing.T) {
	recs, err := JSONLines("").Parse(strings.NewReader(
		`{"finding_type":"tls_cert","value":"CN=example.com","attributes":{"domain":"example.com"}}
{"value":"missing type"}
`))
	require.Error(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "tls_cert", recs[0].FindingType)
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("masscan")
	assert.Error(t, err)
	_, err = Lookup("lines")
	assert.Error(t, err)
}
