package normalize

import "fmt"

const (
	majorAlarm     = 1
	majorException = 2
	majorOperation = 3
	majorEvent     = 5
)

const (
	minorLocalLogin   = 0x50
	minorLocalLogout  = 0x51
	minorRemoteLogin  = 0x70
	minorRemoteLogout = 0x71
)

var categories = map[int]string{
	majorAlarm:     "Alarm",
	majorException: "Exception",
	majorOperation: "Operation",
	majorEvent:     "Event",
}

type code struct{ major, minor int }

var descriptions = map[code]string{
	{majorAlarm, 0x400}: "Zone Short Circuit Attempts Alarm",
	{majorAlarm, 0x401}: "Zone Disconnected Attempts Alarm",
	{majorAlarm, 0x404}: "Device Tampering Alarm",
	{majorAlarm, 0x40a}: "Duress Alarm",
	{majorAlarm, 0x40d}: "Door Open Timeout Alarm",
	{majorAlarm, 0x40e}: "Door Abnormally Open Alarm",

	{majorException, 0x27}: "Network Disconnected",
	{majorException, 0x3a}: "Device Power On",
	{majorException, 0x3b}: "Device Power Off",
	{majorException, 0x3e}: "Low Battery Voltage",
	{majorException, 0x44}: "Card Reader Offline",

	{majorOperation, minorLocalLogin}:   "Local Login",
	{majorOperation, minorLocalLogout}:  "Local Logout",
	{majorOperation, 0x5a}:              "Local Upgrade",
	{majorOperation, minorRemoteLogin}:  "Remote Login",
	{majorOperation, minorRemoteLogout}: "Remote Logout",
	{majorOperation, 0x79}:              "Remote Arming",
	{majorOperation, 0x7a}:              "Remote Disarming",
	{majorOperation, 0x7b}:              "Remote Reboot",
	{majorOperation, 0x7e}:              "Remote Upgrade",
	{majorOperation, 0x86}:              "Remote Open Door",
	{majorOperation, 0x87}:              "Remote Close Door",

	{majorEvent, 0x01}: "Valid Card Authentication Passed",
	{majorEvent, 0x02}: "Card and Password Authentication Passed",
	{majorEvent, 0x03}: "Card and Password Authentication Failed",
	{majorEvent, 0x06}: "Card No Permission",
	{majorEvent, 0x08}: "Card Expired",
	{majorEvent, 0x09}: "Invalid Card",
	{majorEvent, 0x15}: "Door Unlocked",
	{majorEvent, 0x16}: "Door Locked",
	{majorEvent, 0x17}: "Exit Button Pressed",
	{majorEvent, 0x26}: "Fingerprint Matched",
	{majorEvent, 0x27}: "Fingerprint Mismatched",
	{majorEvent, 0x4b}: "Face Authentication Passed",
	{majorEvent, 0x4c}: "Face Authentication Failed",
	{majorEvent, 0x68}: "Employee No. and Password Authentication Passed",
	{majorEvent, 0x69}: "Employee No. and Password Authentication Failed",
	{majorEvent, 0x97}: "Face and Card Authentication Passed",
	{majorEvent, 0xc4}: "QR Code Authentication Passed",
}

func TypeCode(major, minor int) string {
	return fmt.Sprintf("%d.%d", major, minor)
}

// Describe names a major/minor pair, falling back to a generic label
// built from the category.
func Describe(major, minor int) string {
	if d, ok := descriptions[code{major, minor}]; ok {
		return d
	}
	category, ok := categories[major]
	if !ok {
		category = "Unknown"
	}
	return fmt.Sprintf("%s Event (%d.%d)", category, major, minor)
}
