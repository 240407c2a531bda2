package fingerprint

import (
	"testing"
	"time"

	"github.com/koltyakov/visitid/internal/domain"
	"github.com/koltyakov/visitid/internal/ipaddr"
)

const (
	chromeMacUA  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36"
	firefoxMacUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:130.0) Gecko/20100101 Firefox/130.0"
	safariMacUA  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15"
	iphoneUA     = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
	googlebotUA  = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

func baseSignals(userAgent string) Signals {
	return Signals{
		IP: ipaddr.Resolution{IP: "203.0.113.5", Confidence: 90, Source: "X-Forwarded-For"},
		Geo: domain.GeoResolution{
			Country:    "Italy",
			Region:     "Lazio",
			City:       "Rome",
			IP:         "203.0.113.5",
			IPHash:     ipaddr.Hash("203.0.113.5"),
			Confidence: 95,
			Source:     domain.GeoSourceEdgeHeaders,
		},
		UserAgent:      userAgent,
		AcceptLanguage: "it-IT,it;q=0.9",
		AcceptEncoding: "gzip, deflate, br",
		Accept:         "text/html,application/xhtml+xml",
		Timezone:       "Europe/Rome",
	}
}

func TestGenerateDeterministic(t *testing.T) {
	t.Parallel()

	g := NewGenerator(DefaultWeights, 0)
	g.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	a := g.Generate(baseSignals(chromeMacUA))
	b := g.Generate(baseSignals(chromeMacUA))

	if a.DeviceHash != b.DeviceHash || a.BrowserHash != b.BrowserHash || a.SessionHash != b.SessionHash {
		t.Fatalf("same signals produced different hashes:\n%+v\n%+v", a, b)
	}
	if len(a.DeviceHash) != componentHashLen || len(a.BrowserHash) != componentHashLen {
		t.Fatalf("unexpected hash lengths: %q %q", a.DeviceHash, a.BrowserHash)
	}
}

func TestCrossBrowserDeviceStability(t *testing.T) {
	t.Parallel()

	g := NewGenerator(DefaultWeights, 0)
	g.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	chrome := g.Generate(baseSignals(chromeMacUA))
	firefox := g.Generate(baseSignals(firefoxMacUA))
	safari := g.Generate(baseSignals(safariMacUA))

	if chrome.DeviceHash != firefox.DeviceHash || firefox.DeviceHash != safari.DeviceHash {
		t.Fatalf("device hash must be browser-independent: chrome=%s firefox=%s safari=%s",
			chrome.DeviceHash, firefox.DeviceHash, safari.DeviceHash)
	}
	hashes := map[string]bool{
		chrome.BrowserHash:  true,
		firefox.BrowserHash: true,
		safari.BrowserHash:  true,
	}
	if len(hashes) != 3 {
		t.Fatalf("browser hashes must be distinct per browser, got %v", hashes)
	}
}

func TestSessionHashRotation(t *testing.T) {
	t.Parallel()

	g := NewGenerator(DefaultWeights, 0)

	// Align to a window boundary so the in-window sample cannot straddle it.
	base := time.Unix(int64(defaultSessionWindow/time.Second)*100_000, 0)

	g.now = func() time.Time { return base }
	first := g.Generate(baseSignals(chromeMacUA))

	g.now = func() time.Time { return base.Add(5 * time.Hour) }
	sameWindow := g.Generate(baseSignals(chromeMacUA))

	g.now = func() time.Time { return base.Add(defaultSessionWindow + time.Second) }
	nextWindow := g.Generate(baseSignals(chromeMacUA))

	if first.SessionHash != sameWindow.SessionHash {
		t.Fatal("session hash rotated inside the window")
	}
	if first.SessionHash == nextWindow.SessionHash {
		t.Fatal("session hash must rotate across windows")
	}
	if first.BrowserHash != nextWindow.BrowserHash {
		t.Fatal("browser hash must not rotate with the session window")
	}
}

func TestSessionHashCustomWindow(t *testing.T) {
	t.Parallel()

	g := NewGenerator(DefaultWeights, time.Hour)

	base := time.Unix(int64(time.Hour/time.Second)*200_000, 0)

	g.now = func() time.Time { return base }
	first := g.Generate(baseSignals(chromeMacUA))

	g.now = func() time.Time { return base.Add(30 * time.Minute) }
	sameWindow := g.Generate(baseSignals(chromeMacUA))

	g.now = func() time.Time { return base.Add(61 * time.Minute) }
	nextWindow := g.Generate(baseSignals(chromeMacUA))

	if first.SessionHash != sameWindow.SessionHash {
		t.Fatal("session hash rotated inside the configured window")
	}
	if first.SessionHash == nextWindow.SessionHash {
		t.Fatal("session hash must rotate once the configured window elapses")
	}
}

func TestGenerateConfidence(t *testing.T) {
	t.Parallel()

	g := NewGenerator(DefaultWeights, 0)

	strong := g.Generate(baseSignals(chromeMacUA))
	if strong.Confidence > 100 {
		t.Fatalf("confidence must be capped at 100, got %d", strong.Confidence)
	}
	if strong.Confidence < 90 {
		t.Fatalf("full signal set should score high, got %d", strong.Confidence)
	}

	weak := g.Generate(Signals{
		IP:  ipaddr.Resolution{IP: ipaddr.Localhost, Confidence: 50, Source: "fallback"},
		Geo: domain.GeoResolution{Country: "United States", Confidence: 50, Source: domain.GeoSourceDefault},
	})
	if weak.Confidence >= strong.Confidence {
		t.Fatalf("signal-free request must score lower: weak=%d strong=%d", weak.Confidence, strong.Confidence)
	}
	if !containsFactor(weak.CorrelationFactors, "geo_region") {
		t.Fatalf("weak request should anchor on geo region, factors=%v", weak.CorrelationFactors)
	}
	if !containsFactor(strong.CorrelationFactors, "ip_stable") {
		t.Fatalf("strong request should anchor on the stable IP, factors=%v", strong.CorrelationFactors)
	}
}

func TestGeoComponentGranularity(t *testing.T) {
	t.Parallel()

	g := NewGenerator(DefaultWeights, 0)

	city := baseSignals(chromeMacUA)
	city.Geo.Confidence = 95

	region := baseSignals(chromeMacUA)
	region.Geo.Confidence = 75

	country := baseSignals(chromeMacUA)
	country.Geo.Confidence = 55

	a, b, c := g.Generate(city), g.Generate(region), g.Generate(country)
	if a.GeoComponent == b.GeoComponent || b.GeoComponent == c.GeoComponent {
		t.Fatal("geo component granularity must track resolution confidence")
	}
}

func TestParseUserAgent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		ua       string
		browser  string
		os       string
		category string
		bot      bool
	}{
		{"chrome mac", chromeMacUA, "chrome", "macos", CategoryDesktop, false},
		{"firefox mac", firefoxMacUA, "firefox", "macos", CategoryDesktop, false},
		{"safari mac", safariMacUA, "safari", "macos", CategoryDesktop, false},
		{"iphone", iphoneUA, "safari", "ios", CategoryMobile, false},
		{"googlebot", googlebotUA, "", "", CategoryBot, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := ParseUserAgent(tc.ua)
			if a.Bot != tc.bot {
				t.Fatalf("Bot = %v, want %v", a.Bot, tc.bot)
			}
			if a.DeviceCategory != tc.category {
				t.Fatalf("DeviceCategory = %q, want %q", a.DeviceCategory, tc.category)
			}
			if tc.bot {
				return
			}
			if a.BrowserName != tc.browser {
				t.Fatalf("BrowserName = %q, want %q", a.BrowserName, tc.browser)
			}
			if a.OSFamily != tc.os {
				t.Fatalf("OSFamily = %q, want %q", a.OSFamily, tc.os)
			}
		})
	}
}

func TestNormalizeBrowserName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Chrome":  "chrome",
		"CriOS":   "chrome",
		"Edg":     "edge",
		"OPR":     "opera",
		"FxiOS":   "firefox",
		"Safari":  "safari",
		"":        "unknown",
		"Vivaldi": "vivaldi",
	}
	for in, want := range cases {
		if got := normalizeBrowserName(in); got != want {
			t.Errorf("normalizeBrowserName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMajorVersion(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"139.0.7258.67": "139",
		"17.5":          "17",
		"10":            "10",
		"":              "0",
	}
	for in, want := range cases {
		if got := majorVersion(in); got != want {
			t.Errorf("majorVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func BenchmarkGenerate(b *testing.B) {
	g := NewGenerator(DefaultWeights, 0)
	sig := baseSignals(chromeMacUA)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.Generate(sig)
	}
}

func containsFactor(factors []string, want string) bool {
	for _, f := range factors {
		if f == want {
			return true
		}
	}
	return false
}
