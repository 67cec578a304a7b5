package model

import (
	"fmt"
	"strings"
)

// CloudObjectContainer is a batch of entities waiting for upload or just
// downloaded, grouped by kind.
type CloudObjectContainer struct {
	Prescriptions []Prescription     `json:"prescriptions"`
	Devices       []Device           `json:"devices"`
	InhaleEvents  []InhaleEvent      `json:"inhale_events"`
	DSAs          []DailyUserFeeling `json:"dsas"`
	Settings      []ReminderSetting  `json:"settings"`
	Profiles      []UserProfile      `json:"profiles"`
}

// HasData reports whether any entity is present.
func (c *CloudObjectContainer) HasData() bool {
	return c.ObjectCount() > 0
}

// ObjectCount returns the total number of entities.
func (c *CloudObjectContainer) ObjectCount() int {
	return len(c.Prescriptions) + len(c.Devices) + len(c.InhaleEvents) +
		len(c.DSAs) + len(c.Settings) + len(c.Profiles)
}

// RemoveAllData empties every collection.
func (c *CloudObjectContainer) RemoveAllData() {
	c.Prescriptions = nil
	c.Devices = nil
	c.InhaleEvents = nil
	c.DSAs = nil
	c.Settings = nil
	c.Profiles = nil
}

// Append adds every entity of other to c.
func (c *CloudObjectContainer) Append(other *CloudObjectContainer) {
	c.Prescriptions = append(c.Prescriptions, other.Prescriptions...)
	c.Devices = append(c.Devices, other.Devices...)
	c.InhaleEvents = append(c.InhaleEvents, other.InhaleEvents...)
	c.DSAs = append(c.DSAs, other.DSAs...)
	c.Settings = append(c.Settings, other.Settings...)
	c.Profiles = append(c.Profiles, other.Profiles...)
}

// ObjectCountString summarizes the non-empty collections for logging.
func (c *CloudObjectContainer) ObjectCountString() string {
	var b strings.Builder
	add := func(n int, label string) {
		if n > 0 {
			fmt.Fprintf(&b, "%d %s; ", n, label)
		}
	}
	add(len(c.Prescriptions), "prescription(s)")
	add(len(c.Devices), "device(s)")
	add(len(c.InhaleEvents), "inhale event(s)")
	add(len(c.DSAs), "dsa(s)")
	add(len(c.Settings), "setting(s)")
	add(len(c.Profiles), "profile(s)")
	return b.String()
}
