package agent

// Section payloads. Field names are the wire names the server normalizes.

type Identification struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	User     string `json:"user,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

type OSInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Kernel      string `json:"kernel,omitempty"`
	Arch        string `json:"arch,omitempty"`
	Serial      string `json:"serial,omitempty"`
	ServicePack int    `json:"service_pack,omitempty"`
}

type CPUInfo struct {
	Model         string  `json:"model"`
	MHz           float64 `json:"speed_mhz"`
	PhysicalCores int     `json:"physical_cores"`
	LogicalCores  int     `json:"logical_cores"`
}

type MemoryInfo struct {
	TotalGB  float64 `json:"total_gb"`
	Slots    int     `json:"slots,omitempty"`
	SpeedMHz uint32  `json:"speed_mhz,omitempty"`
}

type NetworkAdapter struct {
	Description string `json:"description"`
	MACAddress  string `json:"mac_address,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	Mask        string `json:"mask,omitempty"`
	Gateway     string `json:"gateway,omitempty"`
}

type NetworkInfo struct {
	IPAddress string           `json:"ip_address"`
	Gateway   string           `json:"gateway,omitempty"`
	Adapters  []NetworkAdapter `json:"adapters"`
}

type Disk struct {
	Unit       string  `json:"unit"`
	Mountpoint string  `json:"mountpoint,omitempty"`
	FileSystem string  `json:"filesystem,omitempty"`
	Type       string  `json:"type,omitempty"`
	SizeGB     float64 `json:"size_gb"`
	FreeGB     float64 `json:"free_gb"`
}

type Software struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Publisher   string `json:"publisher"`
	InstallDate string `json:"install_date,omitempty"`
}

type BIOSInfo struct {
	Version      string `json:"version"`
	Manufacturer string `json:"manufacturer"`
	ReleaseDate  string `json:"release_date,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

type LastLogon struct {
	User string `json:"user"`
	// Time is local wall-clock time, "2006-01-02 15:04:05".
	Time string `json:"logon_time,omitempty"`
}

// Device is a controller or input peripheral.
type Device struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Monitor struct {
	Manufacturer string `json:"manufacturer"`
	Type         string `json:"type"`
	Description  string `json:"description"`
}

type Printer struct {
	Name    string `json:"name"`
	Port    string `json:"port"`
	Default bool   `json:"default,omitempty"`
}
