// Package fingerprint assigns stable browser identities to proxy sessions.
package fingerprint

import "github.com/JakeFAU/proxy-session-rotator/internal/rotation"

const (
	acceptChrome  = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
	acceptFirefox = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	acceptSafari  = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// baseHeaders are sent by every profile.
func baseHeaders(accept string) map[string]string {
	return map[string]string{
		"Accept":                    accept,
		"Accept-Language":           "en-US,en;q=0.9",
		"Accept-Encoding":           "gzip, deflate, br",
		"DNT":                       "1",
		"Connection":                "keep-alive",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
		"Cache-Control":             "max-age=0",
	}
}

func chromeProfile(name, version, osToken, platform string) rotation.Fingerprint {
	h := baseHeaders(acceptChrome)
	h["sec-ch-ua"] = `"Not_A Brand";v="8", "Chromium";v="` + version + `", "Google Chrome";v="` + version + `"`
	h["sec-ch-ua-mobile"] = "?0"
	h["sec-ch-ua-platform"] = `"` + platform + `"`
	return rotation.Fingerprint{
		Name: name,
		UserAgent: "Mozilla/5.0 (" + osToken + ") AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" +
			version + ".0.0.0 Safari/537.36",
		Headers: h,
	}
}

func firefoxProfile(name, version, osToken string) rotation.Fingerprint {
	return rotation.Fingerprint{
		Name: name,
		UserAgent: "Mozilla/5.0 (" + osToken + "; rv:" + version + ".0) Gecko/20100101 Firefox/" +
			version + ".0",
		Headers: baseHeaders(acceptFirefox),
	}
}

func safariProfile(name, version string) rotation.Fingerprint {
	return rotation.Fingerprint{
		Name: name,
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 " +
			"(KHTML, like Gecko) Version/" + version + " Safari/605.1.15",
		Headers: baseHeaders(acceptSafari),
	}
}

const (
	osWindows  = "Windows NT 10.0; Win64; x64"
	osMacChr   = "Macintosh; Intel Mac OS X 10_15_7"
	osMacGecko = "Macintosh; Intel Mac OS X 10.15"
)

// DefaultProfiles returns the built-in identity pool: recent Chrome and
// Firefox on Windows and macOS plus desktop Safari.
func DefaultProfiles() []rotation.Fingerprint {
	return []rotation.Fingerprint{
		chromeProfile("chrome-120-win", "120", osWindows, "Windows"),
		chromeProfile("chrome-119-win", "119", osWindows, "Windows"),
		chromeProfile("chrome-118-mac", "118", osMacChr, "macOS"),
		chromeProfile("chrome-117-mac", "117", osMacChr, "macOS"),
		firefoxProfile("firefox-120-win", "120", osWindows),
		firefoxProfile("firefox-119-win", "119", osWindows),
		firefoxProfile("firefox-118-mac", "118", osMacGecko),
		firefoxProfile("firefox-117-mac", "117", osMacGecko),
		safariProfile("safari-17.1", "17.1"),
		safariProfile("safari-17.0", "17.0"),
		safariProfile("safari-16.6", "16.6"),
		safariProfile("safari-16.5", "16.5"),
	}
}
