package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"attendsync/internal/model"
)

// Wrapper keys a terminal may nest the event body under. Payloads without
// any of them carry the fields at the top level.
var wrapperKeys = []string{
	"AccessControllerEvent",
	"IDCardInfoEvent",
	"QRCodeEvent",
	"FaceTemperatureMeasurementEvent",
}

type Options struct {
	Location *time.Location
	Now      func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) location() *time.Location {
	if o.Location != nil {
		return o.Location
	}
	return time.UTC
}

// Normalize maps one decoded protocol event onto the canonical shape. It
// never fails: missing or unparseable fields fall back to safe defaults.
// peer is the transport-level sender address and is only used when the
// payload itself does not name the terminal.
func Normalize(raw map[string]any, peer string, opts Options) model.NormalizedEvent {
	body := Body(raw)

	major := intField(body, "majorEventType", "major")
	minor := intField(body, "subEventType", "minor", "minorEventType")
	reader := stringField(body, "cardReaderNo", "readerNo", "doorNo")

	tsValue := stringField(body, "time", "dateTime")
	if tsValue == "" {
		tsValue = stringField(raw, "dateTime", "time")
	}
	ts, err := ParseTimestamp(tsValue, opts.location())
	if err != nil {
		ts = opts.now()
	}

	return model.NormalizedEvent{
		EmployeeNo:  stringField(body, "employeeNoString", "employeeNo", "employeeID"),
		Name:        stringField(body, "name"),
		CardNo:      stringField(body, "cardNo"),
		ReaderID:    reader,
		TypeCode:    TypeCode(major, minor),
		Description: Describe(major, minor),
		Timestamp:   ts.UTC(),
		Terminal:    RemoteHost(raw, peer),
		Direction:   HeuristicDirection(major, minor, reader),
	}
}

// Body returns the nested event object, or raw itself when unwrapped.
func Body(raw map[string]any) map[string]any {
	for _, key := range wrapperKeys {
		if inner, ok := raw[key].(map[string]any); ok {
			return inner
		}
	}
	return raw
}

// RemoteHost prefers the address carried in the payload over the peer,
// since terminals often sit behind NAT.
func RemoteHost(raw map[string]any, peer string) string {
	if host := stringField(Body(raw), "remoteHostAddr"); host != "" {
		return host
	}
	if host := stringField(raw, "remoteHostAddr", "ipAddress"); host != "" {
		return host
	}
	return stripPort(peer)
}

// IsHeartbeat reports keep-alive payloads that carry no presence event.
func IsHeartbeat(raw map[string]any) bool {
	eventType := strings.ToLower(stringField(raw, "eventType"))
	if eventType == "heartbeat" {
		return true
	}
	return eventType == "videoloss" && strings.EqualFold(stringField(raw, "eventState"), "inactive")
}

// EventType is the top-level protocol event type, e.g. AccessControllerEvent.
func EventType(raw map[string]any) string {
	return stringField(raw, "eventType")
}

func HeuristicDirection(major, minor int, reader string) model.Direction {
	if major == majorOperation {
		switch minor {
		case minorLocalLogin, minorRemoteLogin:
			return model.DirectionEntry
		case minorLocalLogout, minorRemoteLogout:
			return model.DirectionExit
		}
	}
	n, err := strconv.Atoi(strings.TrimSpace(reader))
	if err != nil || n <= 0 {
		return model.DirectionEntry
	}
	if n%2 == 0 {
		return model.DirectionExit
	}
	return model.DirectionEntry
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006/01/02 15:04:05",
	"20060102T150405",
}

// ParseTimestamp accepts the layouts terminal firmwares emit. Values
// without an offset are read in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			if s := strings.TrimSpace(x); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		case int:
			return strconv.Itoa(x)
		case int64:
			return strconv.FormatInt(x, 10)
		case fmt.Stringer:
			return x.String()
		}
	}
	return ""
}

func intField(m map[string]any, keys ...string) int {
	s := stringField(m, keys...)
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

func stripPort(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if strings.HasPrefix(addr, "[") {
		if end := strings.Index(addr, "]"); end > 0 {
			return addr[1:end]
		}
	}
	if strings.Count(addr, ":") == 1 {
		return addr[:strings.Index(addr, ":")]
	}
	return addr
}
