// Package agent implements the Inventra collection agent.
// It gathers a snapshot section by section with gopsutil (plus WMI and the
// registry on Windows) and hands it to the server data plane (port 5000).
// Every outbound HTTP request carries: Authorization: Bearer <token>
package agent

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/vesaa/inventra/internal/snapshot"
)

// ErrorKind separates sections the platform cannot provide from failures
// that may clear up on the next run.
type ErrorKind int

const (
	Transient ErrorKind = iota
	Unsupported
)

func (k ErrorKind) String() string {
	if k == Unsupported {
		return "unsupported"
	}
	return "transient"
}

// errUnsupported is returned by section functions that have nothing to offer
// on this platform.
var errUnsupported = errors.New("not supported on " + runtime.GOOS)

// CollectionError describes why one section is missing from a snapshot.
type CollectionError struct {
	Section string
	Kind    ErrorKind
	Err     error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Section, e.Kind, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// SectionResult is the outcome of one section. Exactly one of Data and Err is set.
type SectionResult struct {
	Name string
	Data any
	Err  *CollectionError
}

// Section collects one named part of the snapshot.
type Section struct {
	Name    string
	Collect func(ctx context.Context) (any, error)
}

// Collector runs every section and assembles the document.
type Collector struct {
	sections []Section
	now      func() time.Time
}

// NewCollector returns a Collector with the sections for this platform.
func NewCollector() *Collector {
	return NewCollectorWith(defaultSections()...)
}

// NewCollectorWith builds a Collector from explicit sections.
func NewCollectorWith(sections ...Section) *Collector {
	return &Collector{sections: sections, now: time.Now}
}

// Collect runs all sections. Failed sections are left out of the document;
// collection itself never fails.
func (c *Collector) Collect(ctx context.Context) (snapshot.Document, []SectionResult) {
	results := make([]SectionResult, 0, len(c.sections))
	raw := make(map[string]any, len(c.sections)+1)

	for _, s := range c.sections {
		res := runSection(ctx, s)
		results = append(results, res)
		if res.Err == nil {
			raw[s.Name] = res.Data
		}
	}
	raw[snapshot.FieldCollectionTime] = c.now().Format(time.RFC3339)

	doc, err := toDocument(raw)
	if err != nil {
		// only reachable if a section returned something json cannot encode
		log.Printf("[agent] encoding snapshot: %v", err)
		doc = snapshot.Document{snapshot.FieldCollectionTime: raw[snapshot.FieldCollectionTime]}
	}
	return doc, results
}

func runSection(ctx context.Context, s Section) (res SectionResult) {
	res.Name = s.Name
	defer func() {
		if r := recover(); r != nil {
			res.Data = nil
			res.Err = &CollectionError{Section: s.Name, Kind: Transient, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	data, err := s.Collect(ctx)
	switch {
	case errors.Is(err, errUnsupported):
		res.Err = &CollectionError{Section: s.Name, Kind: Unsupported, Err: err}
	case err != nil:
		res.Err = &CollectionError{Section: s.Name, Kind: Transient, Err: err}
	default:
		res.Data = data
	}
	return res
}

// toDocument round-trips through JSON so the agent validates and stores
// exactly what goes on the wire.
func toDocument(raw map[string]any) (snapshot.Document, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc snapshot.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// summarize logs one line per run plus one per failed section.
func summarize(machine string, results []SectionResult) {
	var failed []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Name)
			log.Printf("[agent] section %v", r.Err)
		}
	}
	if len(failed) == 0 {
		log.Printf("[agent] collected %s: all %d sections", machine, len(results))
		return
	}
	log.Printf("[agent] collected %s: %d/%d sections, missing %s",
		machine, len(results)-len(failed), len(results), strings.Join(failed, ", "))
}

// defaultSections lists the portable sections, replacing any that the
// platform file provides a richer version of.
func defaultSections() []Section {
	portable := []Section{
		{snapshot.SectionIdentification, collectIdentification},
		{snapshot.SectionOS, collectOS},
		{snapshot.SectionCPU, collectCPU},
		{snapshot.SectionMemory, collectMemory},
		{snapshot.SectionNetwork, collectNetwork},
		{snapshot.SectionDisks, collectDisks},
		{snapshot.SectionSoftware, collectSoftware},
		{snapshot.SectionBIOS, collectBIOS},
		{snapshot.SectionLastLogon, collectLastLogon},
		{snapshot.SectionControllers, collectControllers},
		{snapshot.SectionInputDevices, collectInputDevices},
		{snapshot.SectionMonitors, collectMonitors},
		{snapshot.SectionPrinters, collectPrinters},
	}
	overrides := platformSections()
	for i, s := range portable {
		if fn, ok := overrides[s.Name]; ok {
			portable[i].Collect = fn
		}
	}
	return portable
}

// ─── portable sections ────────────────────────────────────────────────────────

func collectIdentification(ctx context.Context) (any, error) {
	id := Identification{}
	if info, err := host.InfoWithContext(ctx); err == nil {
		id.Hostname = info.Hostname
	}
	if id.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		id.Hostname = h
	}
	id.Name = id.Hostname
	id.User = currentUser()
	id.Domain = domainName()
	return id, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	for _, key := range []string{"USERNAME", "USER"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// domainName takes the DNS suffix of the host's FQDN, if it has one.
func domainName() string {
	if d := os.Getenv("USERDOMAIN"); d != "" {
		return d
	}
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	if _, suffix, ok := strings.Cut(h, "."); ok {
		return suffix
	}
	return ""
}

func collectOS(ctx context.Context) (any, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	name := info.Platform
	if name == "" {
		name = runtime.GOOS
	}
	return OSInfo{
		Name:    name,
		Version: info.PlatformVersion,
		Kernel:  info.KernelVersion,
		Arch:    info.KernelArch,
	}, nil
}

func collectCPU(ctx context.Context) (any, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := CPUInfo{}
	if len(infos) > 0 {
		out.Model = strings.TrimSpace(infos[0].ModelName)
		out.MHz = infos[0].Mhz
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		out.PhysicalCores = n
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		out.LogicalCores = n
	}
	return out, nil
}

func collectMemory(ctx context.Context) (any, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return MemoryInfo{TotalGB: toGB(vm.Total)}, nil
}

func collectNetwork(ctx context.Context) (any, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	info := NetworkInfo{
		IPAddress: localIP(),
		Gateway:   defaultGateway(),
		Adapters:  []NetworkAdapter{},
	}
	for _, iface := range ifaces {
		if hasFlag(iface.Flags, "loopback") || !hasFlag(iface.Flags, "up") {
			continue
		}
		adapter := NetworkAdapter{Description: iface.Name, MACAddress: iface.HardwareAddr}
		for _, a := range iface.Addrs {
			ip, ipnet, err := net.ParseCIDR(a.Addr)
			if err != nil || ip.To4() == nil {
				continue
			}
			adapter.IPAddress = ip.String()
			adapter.Mask = net.IP(ipnet.Mask).String()
			break
		}
		if adapter.IPAddress == "" {
			continue
		}
		info.Adapters = append(info.Adapters, adapter)
	}
	return info, nil
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// localIP returns the first non-loopback IPv4 address.
func localIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return ""
}

// defaultGateway reads the kernel routing table on Linux; elsewhere the
// gateway comes from the platform adapter query, if any.
func defaultGateway() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	data, err := os.ReadFile("/proc/net/route")
	if err != nil {
		return ""
	}
	return routeGateway(string(data))
}

// routeGateway returns the gateway of the default route in a
// /proc/net/route table. Addresses there are little-endian hex.
func routeGateway(table string) string {
	lines := strings.Split(table, "\n")
	for _, line := range lines[1:] { // skip header
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		gw, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil || gw == 0 {
			continue
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(gw))
		return net.IP(b[:]).String()
	}
	return ""
}

func collectDisks(ctx context.Context) (any, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	disks := []Disk{}
	seen := map[string]bool{}
	for _, p := range partitions {
		if seen[p.Device] {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		seen[p.Device] = true
		disks = append(disks, Disk{
			Unit:       p.Device,
			Mountpoint: p.Mountpoint,
			FileSystem: p.Fstype,
			SizeGB:     toGB(usage.Total),
			FreeGB:     toGB(usage.Free),
		})
	}
	return disks, nil
}

// collectLastLogon reports the most recent login session gopsutil can see,
// falling back to the user running the agent.
func collectLastLogon(ctx context.Context) (any, error) {
	if users, err := host.UsersWithContext(ctx); err == nil {
		if last, ok := latestSession(users); ok {
			return last, nil
		}
	}
	u := currentUser()
	if u == "" {
		return nil, errUnsupported
	}
	return LastLogon{User: u}, nil
}

func latestSession(users []host.UserStat) (LastLogon, bool) {
	var best host.UserStat
	for _, u := range users {
		if u.User != "" && u.Started >= best.Started {
			best = u
		}
	}
	if best.User == "" {
		return LastLogon{}, false
	}
	out := LastLogon{User: best.User}
	if best.Started > 0 {
		out.Time = time.Unix(int64(best.Started), 0).Format(logonLayout)
	}
	return out, true
}

const logonLayout = "2006-01-02 15:04:05"

// cimDateTime turns a CIM datetime (20240315083012.000000+060) into
// "2024-03-15 08:30:12", keeping the wall-clock time as reported.
func cimDateTime(s string) string {
	if len(s) < 14 {
		return ""
	}
	t, err := time.Parse("20060102150405", s[:14])
	if err != nil {
		return ""
	}
	return t.Format(logonLayout)
}

// installDate rewrites the registry's YYYYMMDD form as YYYY-MM-DD.
func installDate(s string) string {
	if len(s) != 8 {
		return ""
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return s[:4] + "-" + s[4:6] + "-" + s[6:]
}

// toGB converts bytes to GiB rounded to two decimals.
func toGB(b uint64) float64 {
	return math.Round(float64(b)/(1<<30)*100) / 100
}
