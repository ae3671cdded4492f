//go:build !windows

package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

func platformSections() map[string]func(context.Context) (any, error) {
	return nil
}

// collectSoftware has no portable source; the installed-software list is
// read from the Windows registry only.
func collectSoftware(context.Context) (any, error) {
	return nil, errUnsupported
}

// Peripheral inventory comes from WMI; there is no portable equivalent.

func collectControllers(context.Context) (any, error)  { return nil, errUnsupported }
func collectInputDevices(context.Context) (any, error) { return nil, errUnsupported }
func collectMonitors(context.Context) (any, error)     { return nil, errUnsupported }
func collectPrinters(context.Context) (any, error)     { return nil, errUnsupported }

// collectBIOS reads the DMI attributes Linux exposes under sysfs.
func collectBIOS(context.Context) (any, error) {
	const dmi = "/sys/class/dmi/id"
	read := func(name string) string {
		b, err := os.ReadFile(filepath.Join(dmi, name))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
	bios := BIOSInfo{
		Version:      read("bios_version"),
		Manufacturer: read("bios_vendor"),
		ReleaseDate:  read("bios_date"),
		SerialNumber: read("product_serial"),
	}
	if bios.Version == "" && bios.Manufacturer == "" {
		return nil, errUnsupported
	}
	return bios, nil
}
