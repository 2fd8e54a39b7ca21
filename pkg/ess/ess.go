// Package ess reads the latest inverter data from the vendor cloud.
package ess

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandertiopan1212/netzero-ems/pkg/metrics"
	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// ErrUnauthorized is returned when the cloud rejects the access token even
// after a fresh login.
var ErrUnauthorized = errors.New("unauthorized")

// Source defines the interface for reading the latest inverter data.
type Source interface {
	// Devices returns the serial numbers this source was configured to poll.
	Devices() []string

	// Latest returns the most recent collection for each serial. Devices that
	// could be fetched are returned alongside any error for those that could
	// not.
	Latest(ctx context.Context, deviceSNs []string) ([]types.DeviceData, error)
}

// Configured sets up the Source based on flags.
func Configured(m *metrics.Metrics) Source {
	provider := lflag.String("ess-provider", "deye", "Inverter data source (available: deye, mock)")

	var s struct{ Source }

	d := configuredDeye(m)
	sim := configuredSimulator()

	lflag.Do(func() {
		switch *provider {
		case "deye":
			if err := d.Validate(); err != nil {
				panic(fmt.Sprintf("deye validation failed: %v", err))
			}
			s.Source = d
		case "mock":
			s.Source = sim
		default:
			panic(fmt.Sprintf("unknown ess provider: %s", *provider))
		}
	})

	return &s
}
