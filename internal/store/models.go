package store

import "time"

// SwitchNode represents one switch device placed on a layout.
type SwitchNode struct {
	ID         string `json:"id"`
	SwitchName string `json:"switch_name,omitempty"`
	Address    string `json:"address,omitempty"` // normalized: lowercase, no 0x prefix
	Online     bool   `json:"online"`

	PartNumber   string `json:"part_number,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	HWVersion    string `json:"hw_version,omitempty"`
	SWVersion    string `json:"sw_version,omitempty"`

	BrokerURL string `json:"broker_url,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`

	// IsOn is the last commanded state, set only by the command surface.
	// Telemetry never flips it; it only decides whether readings are zeroed.
	IsOn   bool `json:"is_on"`
	Locked bool `json:"locked"`

	Voltage       float64   `json:"voltage_reading"`
	Amperage      float64   `json:"amperage_reading"`
	PowerFactor   float64   `json:"power_factor"`
	ActivePower   float64   `json:"active_power"`
	ReactivePower float64   `json:"reactive_power"`
	ApparentPower float64   `json:"apparent_power"`
	Frequency     float64   `json:"frequency"`
	HealthStatus  string    `json:"health_status,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Layout is one saved dashboard layout owned by a single user.
// Several layouts of the same owner may reference the same device address.
type Layout struct {
	OwnerID   string       `json:"owner_id"`
	LayoutID  string       `json:"layout_id"`
	Name      string       `json:"name,omitempty"`
	Nodes     []SwitchNode `json:"nodes,omitempty"`
	LastSaved time.Time    `json:"last_saved"`
}

// Device is one subscribable device extracted from a layout node.
type Device struct {
	OwnerID    string
	Address    string
	SwitchName string
	BrokerURL  string
	Username   string
	Password   string
}

// AlertEntry is one appended alert log record.
type AlertEntry struct {
	Seq          uint64    `json:"seq,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	OwnerID      string    `json:"owner_id"`
	Message      string    `json:"message"`
	BrokerURL    string    `json:"broker_url"`
	Address      string    `json:"address"`
	SwitchName   string    `json:"switch_name"`
	HealthStatus string    `json:"health_status"`
}
