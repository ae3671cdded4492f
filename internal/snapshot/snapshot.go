// Package snapshot turns a raw collected document into the canonical machine
// record. The document shape is loose: every section is optional and every
// field may be missing or carry the wrong type. Normalization never fails;
// missing data degrades to sentinel values.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/vesaa/inventra/internal/models"
	"gorm.io/datatypes"
)

// Section names of a snapshot document.
const (
	SectionIdentification = "identification"
	SectionOS             = "os"
	SectionCPU            = "cpu"
	SectionMemory         = "memory"
	SectionNetwork        = "network"
	SectionDisks          = "disks"
	SectionSoftware       = "software"
	SectionBIOS           = "bios"
	SectionLastLogon      = "last_logon"
	SectionControllers    = "controllers"
	SectionInputDevices   = "input_devices"
	SectionMonitors       = "monitors"
	SectionPrinters       = "printers"
	FieldCollectionTime   = "collection_timestamp"
)

// ErrMalformedSnapshot is returned by Decode for empty or unusable payloads.
var ErrMalformedSnapshot = errors.New("malformed snapshot")

// Document is one collection cycle's worth of raw facts from a single machine.
type Document map[string]any

// Decode parses a request body into a Document. Empty bodies, invalid JSON,
// non-object JSON and empty objects are all rejected.
func Decode(body []byte) (Document, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedSnapshot)
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedSnapshot)
	}
	return doc, nil
}

// Normalize maps doc onto a Machine. ID and the store-owned timestamps are
// left zero. now is used when the collection timestamp is missing or
// unparseable.
func Normalize(doc Document, now time.Time) models.Machine {
	ident := section(doc, SectionIdentification)

	return models.Machine{
		MachineName: machineName(ident),
		User:        orNA(str(ident, "user")),
		Domain:      orNA(str(ident, "domain")),
		IP:          primaryIP(section(doc, SectionNetwork)),
		OS:          osString(section(doc, SectionOS)),
		RAM:         ramString(section(doc, SectionMemory)),
		Storage:     storageString(doc[SectionDisks]),
		Software:    softwareJSON(doc[SectionSoftware]),
		LastSeen:    collectionTime(doc[FieldCollectionTime], now),
	}
}

// Validate reports soft problems with a document. The agent logs these as
// warnings; they never block sending.
func Validate(doc Document) []string {
	var warnings []string
	for _, name := range []string{SectionIdentification, SectionOS, SectionCPU, SectionMemory, SectionNetwork, SectionDisks} {
		if _, ok := doc[name]; !ok {
			warnings = append(warnings, "missing section: "+name)
		}
	}
	if _, ok := doc[SectionIdentification]; ok && str(section(doc, SectionIdentification), "name") == "" {
		warnings = append(warnings, "identification.name is empty")
	}
	if raw, ok := doc[SectionDisks]; ok {
		disks, isList := raw.([]any)
		switch {
		case !isList:
			warnings = append(warnings, "disks is not a list")
		case len(disks) == 0:
			warnings = append(warnings, "no disks reported")
		}
	}
	if raw, ok := doc[SectionSoftware]; ok {
		if _, isList := raw.([]any); !isList {
			warnings = append(warnings, "software is not a list")
		}
	}
	return warnings
}

func machineName(ident map[string]any) string {
	if name := str(ident, "name"); name != "" {
		return name
	}
	if name := str(ident, "hostname"); name != "" {
		return name
	}
	return models.UnknownMachine
}

// primaryIP scans adapters in order for the first non-empty address, then
// falls back to the single host IP.
func primaryIP(network map[string]any) string {
	if adapters, ok := network["adapters"].([]any); ok {
		for _, a := range adapters {
			if adapter, ok := a.(map[string]any); ok {
				if ip := str(adapter, "ip_address"); ip != "" {
					return ip
				}
			}
		}
	}
	return orNA(str(network, "ip_address"))
}

func osString(osSection map[string]any) string {
	return orNA(strings.TrimSpace(str(osSection, "name") + " " + str(osSection, "version")))
}

func ramString(memory map[string]any) string {
	total, ok := number(memory["total_gb"])
	if !ok {
		return models.NotAvailable
	}
	return formatGB(total)
}

// storageString sums disk sizes, skipping disks with a missing or zero size.
func storageString(raw any) string {
	disks, ok := raw.([]any)
	if !ok {
		return models.NotAvailable
	}
	var sum float64
	for _, d := range disks {
		disk, ok := d.(map[string]any)
		if !ok {
			continue
		}
		if size, ok := number(disk["size_gb"]); ok && size > 0 {
			sum += size
		}
	}
	return formatGB(sum)
}

// softwareJSON passes the list through verbatim. Anything other than a list
// becomes an empty list.
func softwareJSON(raw any) datatypes.JSON {
	list, ok := raw.([]any)
	if !ok || list == nil {
		return datatypes.JSON("[]")
	}
	b, err := json.Marshal(list)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(b)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// collectionTime parses an ISO-8601 instant. Timestamps without an offset
// are read in local time, the way the agent writes them. Unix seconds are
// accepted as well.
func collectionTime(raw any, now time.Time) time.Time {
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return t
			}
		}
	case float64:
		if v > 0 {
			return time.Unix(int64(v), 0)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return time.Unix(n, 0)
		}
	}
	return now
}

func section(doc Document, name string) map[string]any {
	if m, ok := doc[name].(map[string]any); ok {
		return m
	}
	return nil
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch m[key].(type) {
	case map[string]any, []any, nil:
		return ""
	}
	return strings.TrimSpace(cast.ToString(m[key]))
}

func number(raw any) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	if _, isBool := raw.(bool); isBool {
		return 0, false
	}
	f, err := cast.ToFloat64E(raw)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// formatGB renders a size rounded to two decimals in its shortest form:
// 16 -> "16 GB", 15.888 -> "15.89 GB".
func formatGB(v float64) string {
	v = math.Round(v*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + " GB"
}

func orNA(s string) string {
	if s == "" {
		return models.NotAvailable
	}
	return s
}
