package model

import "time"

type Direction string

const (
	DirectionEntry Direction = "entry"
	DirectionExit  Direction = "exit"
)

// Opposite returns the other canonical direction. Anything that is not an
// exit is treated as an entry.
func (d Direction) Opposite() Direction {
	if d == DirectionExit {
		return DirectionEntry
	}
	return DirectionExit
}

func ParseDirection(s string) Direction {
	if s == string(DirectionExit) {
		return DirectionExit
	}
	return DirectionEntry
}

type DeviceKind string

const (
	DeviceKindEntry DeviceKind = "entry"
	DeviceKindExit  DeviceKind = "exit"
	DeviceKindBoth  DeviceKind = "both"
	DeviceKindOther DeviceKind = "other"
)

// Device is owned by the administrative layer. PasswordCipher is opaque and
// only turned into a secret by the credential decryptor.
type Device struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Address        string     `json:"address"`
	Username       string     `json:"username"`
	PasswordCipher []byte     `json:"-"`
	Active         bool       `json:"active"`
	Kind           DeviceKind `json:"kind"`
	InsecureTLS    bool       `json:"insecure_tls"`
	LastSync       time.Time  `json:"last_sync,omitempty"`
}

type NormalizedEvent struct {
	ID          string    `json:"id"`
	PersonID    string    `json:"person_id,omitempty"`
	EmployeeNo  string    `json:"employee_no,omitempty"`
	Name        string    `json:"name,omitempty"`
	CardNo      string    `json:"card_no,omitempty"`
	ReaderID    string    `json:"reader_id,omitempty"`
	TypeCode    string    `json:"type_code"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Terminal    string    `json:"terminal"`
	Direction   Direction `json:"direction"`
	Source      string    `json:"source,omitempty"`
}

// Subject is the identity the direction resolver and the store key events
// on: the internal person id when known, else the terminal-assigned number.
func (e NormalizedEvent) Subject() string {
	if e.PersonID != "" {
		return e.PersonID
	}
	if e.EmployeeNo != "" {
		return "emp:" + e.EmployeeNo
	}
	return ""
}

type Person struct {
	ID         string         `json:"id"`
	EmployeeNo string         `json:"employee_no"`
	Name       string         `json:"name"`
	Schedule   WeeklySchedule `json:"schedule,omitempty"`
}

type Session struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Open  bool      `json:"open,omitempty"`
}

func (s Session) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

type ShiftWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CrossesMidnight reports whether the window ends on a later calendar day
// than it starts.
func (w ShiftWindow) CrossesMidnight() bool {
	sy, sm, sd := w.Start.Date()
	ey, em, ed := w.End.Date()
	return sy != ey || sm != em || sd != ed
}

// ShiftTimes holds wall clock times in "15:04" form.
type ShiftTimes struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

type WeeklySchedule map[time.Weekday]ShiftTimes

type SubscriptionState string

const (
	StateDisconnected SubscriptionState = "disconnected"
	StateStreaming    SubscriptionState = "streaming"
	StateReconnecting SubscriptionState = "reconnecting"
)

const (
	ConnectionConnected = "connected"
	ConnectionError     = "error"
	ConnectionNotFound  = "not_found"
	ConnectionInactive  = "inactive"
)

type DeviceInfo struct {
	Available       bool   `json:"available"`
	Name            string `json:"name,omitempty"`
	Model           string `json:"model,omitempty"`
	SerialNumber    string `json:"serial_number,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	MACAddress      string `json:"mac_address,omitempty"`
}

type DeviceStatus struct {
	DeviceID         string            `json:"device_id"`
	Name             string            `json:"name,omitempty"`
	Address          string            `json:"address,omitempty"`
	Kind             DeviceKind        `json:"kind,omitempty"`
	Active           bool              `json:"active"`
	LastSync         time.Time         `json:"last_sync,omitempty"`
	ConnectionStatus string            `json:"connection_status"`
	ErrorKind        string            `json:"error_kind,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	Subscribed       bool              `json:"subscribed"`
	State            SubscriptionState `json:"state"`
	LastEventAt      time.Time         `json:"last_event_at,omitempty"`
	Info             *DeviceInfo       `json:"info,omitempty"`
}
