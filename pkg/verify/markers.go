package verify

import (
	"bufio"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/fieldops/ztpd/pkg/console"
)

// MarkerKind classifies a configuration element selected for post-apply
// spot checks.
type MarkerKind string

const (
	MarkerHostname  MarkerKind = "hostname"
	MarkerInterface MarkerKind = "interface"
	MarkerVLAN      MarkerKind = "vlan"
	MarkerIP        MarkerKind = "ip"
)

// Marker is one element of the intended configuration whose presence in the
// running config proves the apply took effect.
type Marker struct {
	Kind  MarkerKind
	Value string
}

func (m Marker) String() string {
	return fmt.Sprintf("%s=%s", m.Kind, m.Value)
}

// Marker selection caps. A handful of representative elements is enough; a
// full config diff over a slow console is not worth the session time.
const (
	maxInterfaceMarkers = 3
	maxVLANMarkers      = 3
	maxIPMarkers        = 2
)

var (
	hostnameLine  = regexp.MustCompile(`^hostname\s+(\S+)`)
	interfaceLine = regexp.MustCompile(`^interface\s+(\S+)`)
	vlanLine      = regexp.MustCompile(`^vlan\s+(\d+)$`)
	ipAddressLine = regexp.MustCompile(`^\s*ip address\s+(\S+)\s+(\S+)`)
)

// ExtractMarkers selects spot-check markers from an intended configuration:
// the hostname, up to three interfaces that carry a description, up to three
// VLAN definitions, and up to two IP address assignments. Only interfaces
// with a description are selected; bare interface stanzas prove nothing.
func ExtractMarkers(config string) []Marker {
	var (
		hostname   []Marker
		interfaces []Marker
		vlans      []Marker
		ips        []Marker
	)

	currentInterface := ""
	interfaceMarked := false

	sc := bufio.NewScanner(strings.NewReader(config))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \r")

		if m := hostnameLine.FindStringSubmatch(line); m != nil {
			if len(hostname) == 0 {
				hostname = append(hostname, Marker{Kind: MarkerHostname, Value: m[1]})
			}
			currentInterface = ""
			continue
		}

		if m := interfaceLine.FindStringSubmatch(line); m != nil {
			currentInterface = m[1]
			interfaceMarked = false
			continue
		}

		if currentInterface != "" && !interfaceMarked &&
			strings.HasPrefix(strings.TrimSpace(line), "description ") {
			if len(interfaces) < maxInterfaceMarkers {
				interfaces = append(interfaces, Marker{Kind: MarkerInterface, Value: currentInterface})
			}
			interfaceMarked = true
			continue
		}

		if m := vlanLine.FindStringSubmatch(line); m != nil {
			if len(vlans) < maxVLANMarkers {
				vlans = append(vlans, Marker{Kind: MarkerVLAN, Value: m[1]})
			}
			currentInterface = ""
			continue
		}

		if m := ipAddressLine.FindStringSubmatch(line); m != nil {
			if len(ips) < maxIPMarkers {
				ips = append(ips, Marker{Kind: MarkerIP, Value: m[1] + " " + m[2]})
			}
			continue
		}

		if line != "" && !strings.HasPrefix(line, " ") {
			currentInterface = ""
		}
	}

	markers := make([]Marker, 0, len(hostname)+len(interfaces)+len(vlans)+len(ips))
	markers = append(markers, hostname...)
	markers = append(markers, interfaces...)
	markers = append(markers, vlans...)
	markers = append(markers, ips...)
	return markers
}

// ConfigVerifier checks the running configuration for each marker after an
// apply.
type ConfigVerifier struct {
	Logger         *slog.Logger
	CommandTimeout time.Duration
}

func (v *ConfigVerifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

func markerQuery(m Marker) string {
	switch m.Kind {
	case MarkerHostname:
		return "show running-config | include hostname"
	case MarkerInterface:
		return "show running-config interface " + m.Value
	case MarkerVLAN:
		return "show running-config | include vlan " + m.Value
	case MarkerIP:
		return "show running-config | include ip address " + m.Value
	}
	return "show running-config"
}

// markerNeedle is the text whose presence in the query output proves the
// marker. A bare VLAN number is too short to check on its own ("vlan 210"
// contains "10"), so VLAN markers require the full definition line.
func markerNeedle(m Marker) string {
	if m.Kind == MarkerVLAN {
		return "vlan " + m.Value
	}
	return m.Value
}

// VerifyMarkers queries the running config for every marker and returns the
// ones that could not be found. All markers are evaluated even after a miss
// so a failure report names everything that is absent. A query that errors
// is logged and its marker counted as missing.
func (v *ConfigVerifier) VerifyMarkers(r CommandRunner, markers []Marker) []Marker {
	log := v.logger()
	var missing []Marker

	for _, m := range markers {
		// Filtered show commands return a handful of lines; a short quiet
		// window keeps a long marker list from dominating session time.
		out, err := r.RunCommand(markerQuery(m), console.RunOptions{
			Timeout:    v.CommandTimeout,
			Quiescence: 5 * time.Second,
		})
		if err != nil {
			log.Warn("marker_query_failed", "marker", m.String(), "error", err)
			missing = append(missing, m)
			continue
		}
		if !containsFold(console.StripArtifacts(out), markerNeedle(m)) {
			log.Warn("marker_missing", "marker", m.String())
			missing = append(missing, m)
			continue
		}
		log.Debug("marker_present", "marker", m.String())
	}
	return missing
}

// Device output may re-case identifiers (Vlan10 vs vlan 10 headers), so
// presence checks fold case.
func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
