package verify

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

const sampleConfig = `hostname access-sw-01
!
vlan 10
 name users
vlan 20
 name voice
vlan 30
 name printers
vlan 40
 name cameras
!
interface GigabitEthernet1/0/1
 description uplink to core
 ip address 10.1.0.2 255.255.255.252
interface GigabitEthernet1/0/2
 description access port
interface GigabitEthernet1/0/3
 description camera port
interface GigabitEthernet1/0/4
 description spare
interface GigabitEthernet1/0/5
 switchport mode access
!
interface Vlan10
 description users gateway
 ip address 10.1.10.1 255.255.255.0
!
interface Vlan20
 ip address 10.1.20.1 255.255.255.0
`

func TestExtractMarkers(t *testing.T) {
	markers := ExtractMarkers(sampleConfig)

	counts := map[MarkerKind]int{}
	for _, m := range markers {
		counts[m.Kind]++
	}

	if counts[MarkerHostname] != 1 {
		t.Errorf("hostname markers = %d, want 1", counts[MarkerHostname])
	}
	if counts[MarkerInterface] != 3 {
		t.Errorf("interface markers = %d, want 3", counts[MarkerInterface])
	}
	if counts[MarkerVLAN] != 3 {
		t.Errorf("vlan markers = %d, want 3", counts[MarkerVLAN])
	}
	if counts[MarkerIP] != 2 {
		t.Errorf("ip markers = %d, want 2", counts[MarkerIP])
	}

	if markers[0].Kind != MarkerHostname || markers[0].Value != "access-sw-01" {
		t.Errorf("first marker = %+v, want the hostname", markers[0])
	}
}

func TestExtractMarkersSkipsBareInterfaces(t *testing.T) {
	config := `interface GigabitEthernet1/0/5
 switchport mode access
interface GigabitEthernet1/0/6
 description the only described one
`
	markers := ExtractMarkers(config)
	if len(markers) != 1 {
		t.Fatalf("markers = %v, want one", markers)
	}
	if markers[0].Value != "GigabitEthernet1/0/6" {
		t.Errorf("marker = %+v", markers[0])
	}
}

func TestExtractMarkersEmptyConfig(t *testing.T) {
	if markers := ExtractMarkers(""); len(markers) != 0 {
		t.Errorf("empty config produced markers: %v", markers)
	}
}

func TestVerifyMarkers(t *testing.T) {
	running := map[string]string{
		"show running-config | include hostname": "hostname access-sw-01",
		"show running-config interface":          "interface GigabitEthernet1/0/1\n description uplink to core",
		"show running-config | include vlan 10":  "vlan 10",
	}
	r := &fakeRunner{outputs: running}

	markers := []Marker{
		{Kind: MarkerHostname, Value: "access-sw-01"},
		{Kind: MarkerInterface, Value: "GigabitEthernet1/0/1"},
		{Kind: MarkerVLAN, Value: "10"},
		{Kind: MarkerVLAN, Value: "30"},
		{Kind: MarkerIP, Value: "10.1.10.1 255.255.255.0"},
	}

	v := &ConfigVerifier{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	missing := v.VerifyMarkers(r, markers)

	if len(missing) != 2 {
		t.Fatalf("missing = %v, want vlan 30 and the ip", missing)
	}
	found := map[string]bool{}
	for _, m := range missing {
		found[m.String()] = true
	}
	if !found["vlan=30"] || !found["ip=10.1.10.1 255.255.255.0"] {
		t.Errorf("missing = %v", missing)
	}
}

func TestVerifyMarkersVLANFilterIsLiteral(t *testing.T) {
	// A running config holding only vlan 210 must not satisfy a vlan 10
	// marker, even though "210" contains "10" as a substring.
	r := &fakeRunner{outputs: map[string]string{
		"show running-config | include vlan": "vlan 210\nvlan 2100",
	}}
	markers := []Marker{{Kind: MarkerVLAN, Value: "10"}}

	v := &ConfigVerifier{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	missing := v.VerifyMarkers(r, markers)

	if len(missing) != 1 || missing[0].Value != "10" {
		t.Fatalf("vlan 10 must be reported missing, got %v", missing)
	}
	if len(r.commands) != 1 || r.commands[0] != "show running-config | include vlan 10" {
		t.Errorf("query must filter for the literal value, commands = %q", r.commands)
	}
}

func TestVerifyMarkersEvaluatesAll(t *testing.T) {
	r := &fakeRunner{} // every query returns empty output

	markers := []Marker{
		{Kind: MarkerHostname, Value: "access-sw-01"},
		{Kind: MarkerVLAN, Value: "10"},
		{Kind: MarkerVLAN, Value: "20"},
	}
	v := &ConfigVerifier{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	missing := v.VerifyMarkers(r, markers)

	if len(missing) != len(markers) {
		t.Errorf("all markers should be reported missing, got %v", missing)
	}
	if len(r.commands) != len(markers) {
		t.Errorf("every marker should be queried even after a miss, commands = %d", len(r.commands))
	}
}

func TestMarkerString(t *testing.T) {
	m := Marker{Kind: MarkerVLAN, Value: "10"}
	if !strings.Contains(m.String(), "vlan=10") {
		t.Errorf("marker string = %q", m.String())
	}
}
