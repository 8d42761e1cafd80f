package proximity

import (
	"strings"

	"github.com/chaz8081/proximity-signal/internal/radio"
)

// DumpService is one service of a GattDump, with its characteristics in
// discovery order.
type DumpService struct {
	UUID            string
	Primary         bool
	Characteristics []radio.Characteristic
}

// GattDump is the result of a diagnostic discovery.
type GattDump struct {
	DeviceID string
	Name     string
	Services []DumpService
}

// String renders the dump as newline-separated lines without a trailing
// newline:
//
//	deviceId: <id>
//	name: <name or "unknown">
//	service <uuid> (primary|secondary)
//	  char <uuid> props=<flags or none>
func (d GattDump) String() string {
	name := d.Name
	if name == "" {
		name = "unknown"
	}
	lines := []string{
		"deviceId: " + d.DeviceID,
		"name: " + name,
	}
	for _, s := range d.Services {
		kind := "secondary"
		if s.Primary {
			kind = "primary"
		}
		lines = append(lines, "service "+s.UUID+" ("+kind+")")
		for _, c := range s.Characteristics {
			lines = append(lines, "  char "+c.UUID+" props="+c.Properties.String())
		}
	}
	return strings.Join(lines, "\n")
}
