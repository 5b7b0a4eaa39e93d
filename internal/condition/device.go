package condition

import "strings"

// ClassifyDevice derives the device class from a user agent string. An
// empty or unknown agent is a desktop.
func ClassifyDevice(userAgent string) Device {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ipad"),
		strings.Contains(ua, "tablet"),
		strings.Contains(ua, "kindle"),
		strings.Contains(ua, "silk/"),
		strings.Contains(ua, "playbook"),
		strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return DeviceTablet
	case strings.Contains(ua, "mobi"),
		strings.Contains(ua, "iphone"),
		strings.Contains(ua, "ipod"),
		strings.Contains(ua, "android"),
		strings.Contains(ua, "blackberry"),
		strings.Contains(ua, "windows phone"),
		strings.Contains(ua, "opera mini"):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}
