package homeassistant

import (
	"context"
	"fmt"
	"sort"
)

// AreaSummary maps area name → entity domain → device count. It gives
// the command synthesizer a compact picture of what lives where.
type AreaSummary map[string]map[string]int

// DeviceDetail describes one registry device with its resolved area
// and the entity domains it exposes.
type DeviceDetail struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Area         string   `json:"area"`
	Domains      []string `json:"domains"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// DevicesByArea joins the area, device, and entity registries into a
// per-area domain summary plus a device detail list. Devices without
// an assigned area land under "Unassigned".
func (c *WSClient) DevicesByArea(ctx context.Context) (AreaSummary, []DeviceDetail, error) {
	areas, err := c.GetAreaRegistry(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("area registry: %w", err)
	}
	devices, err := c.GetDeviceRegistry(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("device registry: %w", err)
	}
	entries, err := c.GetEntityRegistry(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("entity registry: %w", err)
	}

	summary, details := JoinRegistries(areas, devices, entries)
	return summary, details, nil
}

// JoinRegistries builds the area summary and device details from raw
// registry listings. Pure function of its inputs.
func JoinRegistries(areas []Area, devices []Device, entries []RegistryEntry) (AreaSummary, []DeviceDetail) {
	areaNames := make(map[string]string, len(areas))
	for _, a := range areas {
		areaNames[a.AreaID] = a.Name
	}

	// device id → entity domains
	deviceDomains := make(map[string]map[string]struct{})
	for _, e := range entries {
		if e.DeviceID == "" || e.IsDisabled() {
			continue
		}
		domain, _ := SplitEntityID(e.EntityID)
		if domain == "" {
			continue
		}
		if deviceDomains[e.DeviceID] == nil {
			deviceDomains[e.DeviceID] = make(map[string]struct{})
		}
		deviceDomains[e.DeviceID][domain] = struct{}{}
	}

	summary := make(AreaSummary)
	details := make([]DeviceDetail, 0, len(devices))

	for _, d := range devices {
		areaName := areaNames[d.AreaID]
		if areaName == "" {
			areaName = "Unassigned"
		}

		domains := make([]string, 0, len(deviceDomains[d.ID]))
		for domain := range deviceDomains[d.ID] {
			domains = append(domains, domain)
		}
		sort.Strings(domains)

		name := d.NameByUser
		if name == "" {
			name = d.Name
		}

		details = append(details, DeviceDetail{
			ID:           d.ID,
			Name:         name,
			Area:         areaName,
			Domains:      domains,
			Manufacturer: d.Manufacturer,
			Model:        d.Model,
		})

		if summary[areaName] == nil {
			summary[areaName] = make(map[string]int)
		}
		for _, domain := range domains {
			summary[areaName][domain]++
		}
	}

	return summary, details
}

// String renders the summary as a compact context block, one line per
// area, areas sorted alphabetically.
func (s AreaSummary) String() string {
	if len(s) == 0 {
		return ""
	}

	areaNames := make([]string, 0, len(s))
	for name := range s {
		areaNames = append(areaNames, name)
	}
	sort.Strings(areaNames)

	out := "Areas:\n"
	for _, area := range areaNames {
		domains := s[area]
		names := make([]string, 0, len(domains))
		for d := range domains {
			names = append(names, d)
		}
		sort.Strings(names)

		line := area + ":"
		for _, d := range names {
			line += fmt.Sprintf(" %s=%d", d, domains[d])
		}
		out += line + "\n"
	}
	return out
}
