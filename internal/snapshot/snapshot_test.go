package snapshot

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vesaa/inventra/internal/models"
)

func mustDecode(t *testing.T, body string) Document {
	t.Helper()
	doc, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode(%s): %v", body, err)
	}
	return doc
}

func TestNormalizeScenario(t *testing.T) {
	now := time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)
	doc := mustDecode(t, `{"identification":{"name":"PC-01"},"memory":{"total_gb":16},"disks":[{"size_gb":500},{"size_gb":0}]}`)

	m := Normalize(doc, now)

	if m.MachineName != "PC-01" {
		t.Errorf("machine_name = %q", m.MachineName)
	}
	if m.RAM != "16 GB" {
		t.Errorf("ram = %q, want 16 GB", m.RAM)
	}
	if m.Storage != "500 GB" {
		t.Errorf("storage = %q, want 500 GB", m.Storage)
	}
	if string(m.Software) != "[]" {
		t.Errorf("software = %s, want []", m.Software)
	}
	if !m.LastSeen.Equal(now) {
		t.Errorf("last_seen = %s, want fallback %s", m.LastSeen, now)
	}
	for field, got := range map[string]string{"user": m.User, "domain": m.Domain, "ip": m.IP, "os": m.OS} {
		if got != models.NotAvailable {
			t.Errorf("%s = %q, want N/A", field, got)
		}
	}
}

func TestNormalizeNeverFails(t *testing.T) {
	now := time.Now()
	bodies := []string{
		`{"x":1}`,
		`{"identification":"oops","os":[],"memory":{"total_gb":"lots"},"disks":{"a":1},"software":"none"}`,
		`{"identification":{"name":null},"network":{"adapters":"eth0"},"disks":[1,"two",null,{"size_gb":true}]}`,
		`{"collection_timestamp":{"nested":true},"os":{"name":5,"version":null}}`,
	}
	for _, body := range bodies {
		m := Normalize(mustDecode(t, body), now)
		if m.MachineName == "" || m.RAM == "" || m.Storage == "" || m.OS == "" || m.IP == "" {
			t.Errorf("empty field for %s: %+v", body, m)
		}
		if m.LastSeen.IsZero() {
			t.Errorf("zero last_seen for %s", body)
		}
	}
}

func TestMachineNameFallback(t *testing.T) {
	now := time.Now()
	if got := Normalize(Document{"identification": map[string]any{"hostname": "node-7"}}, now).MachineName; got != "node-7" {
		t.Errorf("hostname fallback = %q", got)
	}
	if got := Normalize(Document{"identification": map[string]any{"name": "  "}}, now).MachineName; got != models.UnknownMachine {
		t.Errorf("unknown fallback = %q", got)
	}
}

func TestPrimaryIP(t *testing.T) {
	now := time.Now()
	doc := mustDecode(t, `{"network":{"ip_address":"10.0.0.9","adapters":[{"ip_address":""},{"description":"wifi"},{"ip_address":"192.168.1.20"},{"ip_address":"192.168.1.21"}]}}`)
	if got := Normalize(doc, now).IP; got != "192.168.1.20" {
		t.Errorf("ip = %q, want first adapter address", got)
	}

	doc = mustDecode(t, `{"network":{"ip_address":"10.0.0.9","adapters":[]}}`)
	if got := Normalize(doc, now).IP; got != "10.0.0.9" {
		t.Errorf("ip = %q, want host address", got)
	}
}

func TestOSAndSizes(t *testing.T) {
	doc := mustDecode(t, `{
		"os":{"name":"Microsoft Windows 11 Pro","version":"10.0.22631"},
		"memory":{"total_gb":"15.888"},
		"disks":[{"size_gb":237.5},{"size_gb":"100.25"},{"unit":"E:"}]
	}`)
	m := Normalize(doc, time.Now())
	if m.OS != "Microsoft Windows 11 Pro 10.0.22631" {
		t.Errorf("os = %q", m.OS)
	}
	if m.RAM != "15.89 GB" {
		t.Errorf("ram = %q", m.RAM)
	}
	if m.Storage != "337.75 GB" {
		t.Errorf("storage = %q", m.Storage)
	}

	m = Normalize(Document{"os": map[string]any{"version": "10.0"}}, time.Now())
	if m.OS != "10.0" {
		t.Errorf("version-only os = %q", m.OS)
	}
}

func TestSoftwarePassThrough(t *testing.T) {
	body := `{"software":[{"name":"7-Zip","version":"23.01","publisher":"Igor Pavlov","install_date":"2024-01-02"},{"name":"7-Zip","version":"23.01","publisher":"Igor Pavlov"}]}`
	m := Normalize(mustDecode(t, body), time.Now())

	var got []map[string]any
	if err := json.Unmarshal(m.Software, &got); err != nil {
		t.Fatalf("software json: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("software len = %d, want 2 (no dedup)", len(got))
	}
	if got[0]["install_date"] != "2024-01-02" {
		t.Errorf("install_date lost: %v", got[0])
	}
}

func TestCollectionTimestamp(t *testing.T) {
	fallback := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		raw  any
		want time.Time
	}{
		{"2026-10-19T08:30:00Z", time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)},
		{"2026-10-19T08:30:00.123456+02:00", time.Date(2026, 10, 19, 6, 30, 0, 123456000, time.UTC)},
		{"2026-10-19T08:30:00.5", time.Date(2026, 10, 19, 8, 30, 0, 500000000, time.Local)},
		{"2026-10-19T08:30:00", time.Date(2026, 10, 19, 8, 30, 0, 0, time.Local)},
		{float64(1760862600), time.Unix(1760862600, 0)},
		{"yesterday", fallback},
		{nil, fallback},
	}
	for _, tc := range cases {
		got := collectionTime(tc.raw, fallback)
		if !got.Equal(tc.want) {
			t.Errorf("collectionTime(%v) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	for _, body := range []string{"", "   ", "{}", "not json", "[1,2]", `"str"`} {
		if _, err := Decode([]byte(body)); !errors.Is(err, ErrMalformedSnapshot) {
			t.Errorf("Decode(%q) err = %v, want ErrMalformedSnapshot", body, err)
		}
	}
}

func TestValidate(t *testing.T) {
	doc := mustDecode(t, `{"identification":{"user":"bob"},"disks":[],"software":{}}`)
	warnings := Validate(doc)

	want := map[string]bool{
		"identification.name is empty": false,
		"no disks reported":            false,
		"software is not a list":       false,
		"missing section: memory":      false,
	}
	for _, w := range warnings {
		if _, ok := want[w]; ok {
			want[w] = true
		}
	}
	for w, seen := range want {
		if !seen {
			t.Errorf("missing warning %q in %v", w, warnings)
		}
	}
}
