//go:build windows

package agent

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/vesaa/inventra/internal/snapshot"
	"github.com/yusufpapurcu/wmi"
	"golang.org/x/sys/windows/registry"
)

type win32ComputerSystem struct {
	Name     string
	Domain   string
	UserName string
}

type win32OperatingSystem struct {
	Caption                 string
	Version                 string
	SerialNumber            string
	OSArchitecture          string
	ServicePackMajorVersion uint16
}

type win32Processor struct {
	Name                      string
	MaxClockSpeed             uint32
	NumberOfCores             uint32
	NumberOfLogicalProcessors uint32
}

type win32PhysicalMemory struct {
	Capacity uint64
	Speed    uint32
}

type win32NetworkAdapterConfiguration struct {
	Description      string
	MACAddress       string
	IPAddress        []string
	IPSubnet         []string
	DefaultIPGateway []string
}

type win32LogicalDisk struct {
	DeviceID   string
	DriveType  uint32
	FileSystem string
	Size       uint64
	FreeSpace  uint64
}

type win32BIOS struct {
	SMBIOSBIOSVersion string
	Version           string
	Manufacturer      string
	ReleaseDate       string
	SerialNumber      string
}

type win32NetworkLoginProfile struct {
	Name      string
	LastLogon string
}

// win32Device covers Win32_IDEController, Win32_USBController,
// Win32_Keyboard and Win32_PointingDevice, which share these properties.
type win32Device struct {
	Name        string
	Description string
}

type win32DesktopMonitor struct {
	Name                string
	Description         string
	MonitorManufacturer string
	MonitorType         string
}

type win32Printer struct {
	Name     string
	PortName string
	Default  bool
}

func platformSections() map[string]func(context.Context) (any, error) {
	return map[string]func(context.Context) (any, error){
		snapshot.SectionIdentification: collectIdentificationWMI,
		snapshot.SectionOS:             collectOSWMI,
		snapshot.SectionCPU:            collectCPUWMI,
		snapshot.SectionMemory:         collectMemoryWMI,
		snapshot.SectionNetwork:        collectNetworkWMI,
		snapshot.SectionDisks:          collectDisksWMI,
		snapshot.SectionLastLogon:      collectLastLogonWMI,
	}
}

func collectIdentificationWMI(ctx context.Context) (any, error) {
	var cs []win32ComputerSystem
	if err := wmi.Query("SELECT Name, Domain, UserName FROM Win32_ComputerSystem", &cs); err != nil || len(cs) == 0 {
		return collectIdentification(ctx)
	}
	id := Identification{
		Name:     cs[0].Name,
		Hostname: cs[0].Name,
		Domain:   cs[0].Domain,
		User:     cs[0].UserName,
	}
	if id.User == "" {
		// nobody logged on interactively (service / GPO startup script)
		id.User = currentUser()
	}
	return id, nil
}

func collectOSWMI(ctx context.Context) (any, error) {
	var oss []win32OperatingSystem
	if err := wmi.Query("SELECT Caption, Version, SerialNumber, OSArchitecture, ServicePackMajorVersion FROM Win32_OperatingSystem", &oss); err != nil || len(oss) == 0 {
		return collectOS(ctx)
	}
	return OSInfo{
		Name:        strings.TrimSpace(oss[0].Caption),
		Version:     oss[0].Version,
		Arch:        oss[0].OSArchitecture,
		Serial:      oss[0].SerialNumber,
		ServicePack: int(oss[0].ServicePackMajorVersion),
	}, nil
}

func collectCPUWMI(ctx context.Context) (any, error) {
	var procs []win32Processor
	if err := wmi.Query("SELECT Name, MaxClockSpeed, NumberOfCores, NumberOfLogicalProcessors FROM Win32_Processor", &procs); err != nil || len(procs) == 0 {
		return collectCPU(ctx)
	}
	out := CPUInfo{Model: strings.TrimSpace(procs[0].Name), MHz: float64(procs[0].MaxClockSpeed)}
	for _, p := range procs {
		out.PhysicalCores += int(p.NumberOfCores)
		out.LogicalCores += int(p.NumberOfLogicalProcessors)
	}
	return out, nil
}

// collectMemoryWMI sums the installed DIMMs, which is what asset owners
// expect to see, rather than the OS-visible total.
func collectMemoryWMI(ctx context.Context) (any, error) {
	var pm []win32PhysicalMemory
	if err := wmi.Query("SELECT Capacity, Speed FROM Win32_PhysicalMemory", &pm); err != nil || len(pm) == 0 {
		return collectMemory(ctx)
	}
	var total uint64
	var speed uint32
	for _, m := range pm {
		total += m.Capacity
		if m.Speed > speed {
			speed = m.Speed
		}
	}
	return MemoryInfo{TotalGB: toGB(total), Slots: len(pm), SpeedMHz: speed}, nil
}

func collectNetworkWMI(ctx context.Context) (any, error) {
	var cfgs []win32NetworkAdapterConfiguration
	q := "SELECT Description, MACAddress, IPAddress, IPSubnet, DefaultIPGateway FROM Win32_NetworkAdapterConfiguration WHERE IPEnabled = TRUE"
	if err := wmi.Query(q, &cfgs); err != nil {
		return collectNetwork(ctx)
	}
	info := NetworkInfo{IPAddress: localIP(), Adapters: []NetworkAdapter{}}
	for _, c := range cfgs {
		a := NetworkAdapter{
			Description: c.Description,
			MACAddress:  c.MACAddress,
			IPAddress:   first(c.IPAddress),
			Mask:        first(c.IPSubnet),
			Gateway:     first(c.DefaultIPGateway),
		}
		if info.Gateway == "" {
			info.Gateway = a.Gateway
		}
		info.Adapters = append(info.Adapters, a)
	}
	return info, nil
}

func collectDisksWMI(ctx context.Context) (any, error) {
	var lds []win32LogicalDisk
	if err := wmi.Query("SELECT DeviceID, DriveType, FileSystem, Size, FreeSpace FROM Win32_LogicalDisk", &lds); err != nil {
		return collectDisks(ctx)
	}
	disks := []Disk{}
	for _, d := range lds {
		disks = append(disks, Disk{
			Unit:       d.DeviceID,
			FileSystem: d.FileSystem,
			Type:       driveType(d.DriveType),
			SizeGB:     toGB(d.Size),
			FreeGB:     toGB(d.FreeSpace),
		})
	}
	return disks, nil
}

func driveType(t uint32) string {
	switch t {
	case 2:
		return "removable"
	case 3:
		return "local"
	case 4:
		return "network"
	case 5:
		return "cd-rom"
	case 6:
		return "ram"
	default:
		return "unknown"
	}
}

func collectBIOS(context.Context) (any, error) {
	var bios []win32BIOS
	if err := wmi.Query("SELECT SMBIOSBIOSVersion, Version, Manufacturer, ReleaseDate, SerialNumber FROM Win32_BIOS", &bios); err != nil {
		return nil, err
	}
	if len(bios) == 0 {
		return nil, errUnsupported
	}
	b := bios[0]
	version := b.SMBIOSBIOSVersion
	if version == "" {
		version = b.Version
	}
	return BIOSInfo{
		Version:      version,
		Manufacturer: b.Manufacturer,
		ReleaseDate:  cimDate(b.ReleaseDate),
		SerialNumber: strings.TrimSpace(b.SerialNumber),
	}, nil
}

// collectLastLogonWMI picks the profile with the newest LastLogon. System
// profiles report an empty LastLogon and are skipped.
func collectLastLogonWMI(ctx context.Context) (any, error) {
	var profiles []win32NetworkLoginProfile
	if err := wmi.Query("SELECT Name, LastLogon FROM Win32_NetworkLoginProfile", &profiles); err != nil {
		return collectLastLogon(ctx)
	}
	var best win32NetworkLoginProfile
	for _, p := range profiles {
		if p.Name == "" || len(p.LastLogon) < 14 {
			continue
		}
		// CIM datetimes sort lexically up to the seconds field
		if p.LastLogon[:14] > best.LastLogon {
			best = win32NetworkLoginProfile{Name: p.Name, LastLogon: p.LastLogon[:14]}
		}
	}
	if best.Name == "" {
		return collectLastLogon(ctx)
	}
	return LastLogon{User: best.Name, Time: cimDateTime(best.LastLogon)}, nil
}

// collectControllers lists IDE and USB controllers.
func collectControllers(context.Context) (any, error) {
	return queryDevices([]deviceClass{
		{"IDE", "Win32_IDEController"},
		{"USB", "Win32_USBController"},
	})
}

// collectInputDevices lists keyboards and pointing devices.
func collectInputDevices(context.Context) (any, error) {
	return queryDevices([]deviceClass{
		{"keyboard", "Win32_Keyboard"},
		{"mouse", "Win32_PointingDevice"},
	})
}

type deviceClass struct {
	kind  string
	class string
}

// queryDevices fails only when every class query fails.
func queryDevices(classes []deviceClass) (any, error) {
	out := []Device{}
	var lastErr error
	var ok int
	for _, dc := range classes {
		var rows []win32Device
		if err := wmi.Query("SELECT Name, Description FROM "+dc.class, &rows); err != nil {
			lastErr = fmt.Errorf("%s: %w", dc.class, err)
			continue
		}
		ok++
		for _, r := range rows {
			out = append(out, Device{Type: dc.kind, Name: r.Name, Description: r.Description})
		}
	}
	if ok == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func collectMonitors(context.Context) (any, error) {
	var rows []win32DesktopMonitor
	if err := wmi.Query("SELECT Name, Description, MonitorManufacturer, MonitorType FROM Win32_DesktopMonitor", &rows); err != nil {
		return nil, err
	}
	out := []Monitor{}
	for _, m := range rows {
		desc := m.Description
		if desc == "" {
			desc = m.Name
		}
		out = append(out, Monitor{
			Manufacturer: orNA(m.MonitorManufacturer),
			Type:         orNA(m.MonitorType),
			Description:  desc,
		})
	}
	return out, nil
}

func collectPrinters(context.Context) (any, error) {
	var rows []win32Printer
	if err := wmi.Query("SELECT Name, PortName, Default FROM Win32_Printer", &rows); err != nil {
		return nil, err
	}
	out := []Printer{}
	for _, p := range rows {
		out = append(out, Printer{Name: p.Name, Port: p.PortName, Default: p.Default})
	}
	return out, nil
}

func orNA(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "N/A"
	}
	return s
}

var uninstallKeys = []struct {
	root registry.Key
	path string
}{
	{registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall`},
	{registry.LOCAL_MACHINE, `SOFTWARE\WOW6432Node\Microsoft\Windows\CurrentVersion\Uninstall`},
}

// collectSoftware walks the Uninstall keys. Entries without a DisplayName
// are skipped. Duplicates across the 32/64-bit views are kept.
func collectSoftware(context.Context) (any, error) {
	list := []Software{}
	var opened int
	for _, u := range uninstallKeys {
		k, err := registry.OpenKey(u.root, u.path, registry.ENUMERATE_SUB_KEYS|registry.QUERY_VALUE)
		if err != nil {
			log.Printf("[agent] registry %s: %v", u.path, err)
			continue
		}
		opened++
		names, err := k.ReadSubKeyNames(-1)
		if err != nil {
			log.Printf("[agent] registry %s: %v", u.path, err)
		}
		for _, name := range names {
			if sw, ok := readUninstallEntry(k, name); ok {
				list = append(list, sw)
			}
		}
		k.Close()
	}
	if opened == 0 {
		return nil, fmt.Errorf("no uninstall key readable")
	}
	return list, nil
}

func readUninstallEntry(parent registry.Key, name string) (Software, bool) {
	sk, err := registry.OpenKey(parent, name, registry.QUERY_VALUE)
	if err != nil {
		return Software{}, false
	}
	defer sk.Close()

	str := func(value string) string {
		v, _, err := sk.GetStringValue(value)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(v)
	}
	sw := Software{
		Name:        str("DisplayName"),
		Version:     str("DisplayVersion"),
		Publisher:   str("Publisher"),
		InstallDate: installDate(str("InstallDate")),
	}
	if sw.Name == "" {
		return Software{}, false
	}
	if sw.Version == "" {
		sw.Version = "N/A"
	}
	if sw.Publisher == "" {
		sw.Publisher = "N/A"
	}
	return sw, true
}

// cimDate turns a CIM datetime (20230115000000.000000+000) into 2023-01-15.
func cimDate(s string) string {
	if len(s) < 8 {
		return ""
	}
	return installDate(s[:8])
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
