// Package inventory resolves a device name into its intended configuration
// and its expected hardware identity.
package inventory

import (
	"context"
	"fmt"
)

// ErrDeviceNotFound means the inventory has no record of the device.
var ErrDeviceNotFound = fmt.Errorf("device not found in inventory")

// ErrConfigNotFound means the device exists but carries no intended
// configuration.
var ErrConfigNotFound = fmt.Errorf("no intended configuration for device")

// ErrIdentityNotFound means the device exists but no expected serial number
// is recorded for it.
var ErrIdentityNotFound = fmt.Errorf("no expected serial for device")

// Source provides device data. Implementations must return the sentinel
// errors above (possibly wrapped) so callers can distinguish an absent
// device from a transport failure.
type Source interface {
	// FetchConfig returns the full intended configuration text.
	FetchConfig(ctx context.Context, device string) (string, error)
	// FetchExpectedIdentity returns the serial number the device must
	// report before any configuration is pushed to it.
	FetchExpectedIdentity(ctx context.Context, device string) (string, error)
}
