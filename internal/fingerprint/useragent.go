// Package fingerprint derives stable device and browser identifiers from
// the passive signals a plain HTTP request carries.
package fingerprint

import (
	"strings"

	"github.com/mssola/user_agent"
)

// Device categories emitted by ParseUserAgent.
const (
	CategoryDesktop = "desktop"
	CategoryMobile  = "mobile"
	CategoryTablet  = "tablet"
	CategoryBot     = "bot"
)

// Agent is the normalized slice of a User-Agent string that feeds the
// fingerprint components. Versions are truncated to their major number so
// routine browser updates do not rotate identities.
type Agent struct {
	BrowserName         string
	BrowserVersionMajor string
	OSFamily            string
	OSVersionMajor      string
	DeviceCategory      string
	Bot                 bool
}

// ParseUserAgent extracts the normalized agent facts from a raw
// User-Agent header. An empty or junk header yields the zero-ish agent
// with "unknown" fields rather than an error.
func ParseUserAgent(raw string) Agent {
	ua := user_agent.New(raw)

	name, version := ua.Browser()
	osInfo := ua.OSInfo()

	a := Agent{
		BrowserName:         normalizeBrowserName(name),
		BrowserVersionMajor: majorVersion(version),
		OSFamily:            normalizeOSFamily(osInfo.Name),
		OSVersionMajor:      majorVersion(osInfo.Version),
		Bot:                 ua.Bot(),
	}
	a.DeviceCategory = deviceCategory(raw, ua)
	return a
}

// normalizeBrowserName collapses vendor token variants so the same engine
// reported under a different token (CriOS, Edg, OPR) maps to one family.
func normalizeBrowserName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "chrome", "crios", "chromium", "headlesschrome":
		return "chrome"
	case "firefox", "fxios":
		return "firefox"
	case "safari", "mobile safari":
		return "safari"
	case "edge", "edg", "edga", "edgios":
		return "edge"
	case "opera", "opr", "opios":
		return "opera"
	case "samsungbrowser", "samsung internet":
		return "samsung"
	case "":
		return "unknown"
	default:
		return strings.ToLower(strings.TrimSpace(name))
	}
}

func normalizeOSFamily(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case n == "":
		return "unknown"
	case strings.Contains(n, "windows"):
		return "windows"
	case strings.Contains(n, "mac os") || strings.Contains(n, "macos") || n == "os x":
		return "macos"
	case strings.Contains(n, "iphone os") || n == "ios" || strings.Contains(n, "cpu os"):
		return "ios"
	case strings.Contains(n, "android"):
		return "android"
	case strings.Contains(n, "chrome os") || strings.Contains(n, "chromeos") || n == "cros":
		return "chromeos"
	case strings.Contains(n, "linux") || strings.Contains(n, "ubuntu") || strings.Contains(n, "fedora"):
		return "linux"
	default:
		return n
	}
}

// majorVersion keeps only the leading numeric component of a version
// string ("139.0.7258.67" yields "139").
func majorVersion(v string) string {
	major, _, _ := strings.Cut(strings.TrimSpace(v), ".")
	major = strings.TrimSpace(major)
	if major == "" {
		return "0"
	}
	return major
}

func deviceCategory(raw string, ua *user_agent.UserAgent) string {
	if ua.Bot() {
		return CategoryBot
	}
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet") {
		return CategoryTablet
	}
	// Android without the Mobile token is tablet by convention.
	if strings.Contains(lower, "android") && !strings.Contains(lower, "mobile") {
		return CategoryTablet
	}
	if ua.Mobile() {
		return CategoryMobile
	}
	return CategoryDesktop
}
