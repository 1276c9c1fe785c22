package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldops/ztpd/pkg/errors"
)

// NetBoxSource reads device records from a NetBox instance. Configuration
// text is looked up in config context first, then custom fields, then local
// context data, mirroring where site tooling tends to stash it.
type NetBoxSource struct {
	baseURL string
	token   string
	client  *http.Client
	log     *slog.Logger
}

// NewNetBoxSource builds a source for the given NetBox base URL and API
// token.
func NewNetBoxSource(baseURL, token string, logger *slog.Logger) *NetBoxSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetBoxSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     logger,
	}
}

type netboxDevice struct {
	Name             string         `json:"name"`
	Serial           string         `json:"serial"`
	ConfigContext    map[string]any `json:"config_context"`
	CustomFields     map[string]any `json:"custom_fields"`
	LocalContextData map[string]any `json:"local_context_data"`
}

type netboxDeviceList struct {
	Count   int            `json:"count"`
	Results []netboxDevice `json:"results"`
}

func (s *NetBoxSource) fetchDevice(ctx context.Context, device string) (*netboxDevice, error) {
	u := fmt.Sprintf("%s/api/dcim/devices/?name=%s", s.baseURL, url.QueryEscape(device))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building netbox request")
	}
	req.Header.Set("Authorization", "Token "+s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "querying netbox")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("netbox returned status %d", resp.StatusCode)
	}

	var list netboxDeviceList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, errors.Wrap(err, "decoding netbox response")
	}
	if list.Count == 0 || len(list.Results) == 0 {
		return nil, errors.Wrapf(ErrDeviceNotFound, "netbox device %q", device)
	}
	if list.Count > 1 {
		s.log.Warn("netbox_duplicate_devices", "device", device, "count", list.Count)
	}
	return &list.Results[0], nil
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// FetchConfig returns the device's intended configuration text.
func (s *NetBoxSource) FetchConfig(ctx context.Context, device string) (string, error) {
	d, err := s.fetchDevice(ctx, device)
	if err != nil {
		return "", err
	}
	for _, probe := range []struct {
		m   map[string]any
		key string
	}{
		{d.ConfigContext, "startup_config"},
		{d.ConfigContext, "configuration"},
		{d.CustomFields, "startup_config"},
		{d.LocalContextData, "startup_config"},
	} {
		if cfg, ok := stringField(probe.m, probe.key); ok {
			return cfg, nil
		}
	}
	return "", errors.Wrapf(ErrConfigNotFound, "netbox device %q", device)
}

// FetchExpectedIdentity returns the serial number recorded for the device.
func (s *NetBoxSource) FetchExpectedIdentity(ctx context.Context, device string) (string, error) {
	d, err := s.fetchDevice(ctx, device)
	if err != nil {
		return "", err
	}
	serial := strings.TrimSpace(d.Serial)
	if serial == "" {
		return "", errors.Wrapf(ErrIdentityNotFound, "netbox device %q", device)
	}
	return serial, nil
}
