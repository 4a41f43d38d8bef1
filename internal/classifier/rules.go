package classifier

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/mssola/useragent"
)

// defaultAgentSignatures are lowercase substrings of known download managers,
// accelerators, HTTP client libraries and API tools.
var defaultAgentSignatures = []string{
	"idm/",
	"idman",
	"internet download manager",
	"jdownloader",
	"curl",
	"wget",
	"aria2",
	"axel",
	"flashget",
	"getright",
	"download accelerator",
	"free download manager",
	"fdm/",
	"eagleget",
	"xdm",
	"motrix",
	"python-requests",
	"python-urllib",
	"aiohttp",
	"httpx",
	"go-http-client",
	"okhttp",
	"java/",
	"apache-httpclient",
	"libwww-perl",
	"lwp::",
	"guzzlehttp",
	"node-fetch",
	"axios",
	"undici",
	"postmanruntime",
	"insomnia",
	"httpie",
	"powershell",
	"lavf",
	"ffmpeg",
	"yt-dlp",
	"youtube-dl",
	"streamlink",
	"n_m3u8dl",
}

var allowedFetchDest = map[string]bool{
	"video":  true,
	"audio":  true,
	"empty":  true,
	"object": true,
}

func deny(reason Reason, status int, message string) *Denial {
	return &Denial{Reason: reason, Status: status, Message: message}
}

func agentRule(signatures []string) Rule {
	return func(req Request) *Denial {
		ua := strings.TrimSpace(req.UserAgent)
		if ua == "" {
			return deny(ReasonAgent, http.StatusForbidden, "user agent required")
		}
		lower := strings.ToLower(ua)
		for _, sig := range signatures {
			if strings.Contains(lower, sig) {
				return deny(ReasonAgent, http.StatusForbidden, "client not permitted")
			}
		}
		if useragent.New(ua).Bot() {
			return deny(ReasonAgent, http.StatusForbidden, "automated clients not permitted")
		}
		return nil
	}
}

func sessionRule(req Request) *Denial {
	if !req.HasSession {
		return deny(ReasonSession, http.StatusForbidden, "valid playback session required")
	}
	return nil
}

func refererRule(origins originSet) Rule {
	return func(req Request) *Denial {
		if req.Origin != "" && !origins.allows(req.Origin) {
			return deny(ReasonReferer, http.StatusForbidden, "origin not permitted")
		}
		if req.Referer == "" {
			if isNavigation(req) {
				return nil
			}
			return deny(ReasonReferer, http.StatusForbidden, "referer required")
		}
		if !origins.allows(req.Referer) {
			return deny(ReasonReferer, http.StatusForbidden, "referer not permitted")
		}
		return nil
	}
}

func methodRule(req Request) *Denial {
	if req.Method == http.MethodHead {
		return deny(ReasonMethod, http.StatusMethodNotAllowed, "method not allowed")
	}
	return nil
}

// fetchDestRule only judges clients that send Fetch metadata.
func fetchDestRule(req Request) *Denial {
	if req.SecFetchDest == "" {
		return nil
	}
	if !allowedFetchDest[strings.ToLower(req.SecFetchDest)] {
		return deny(ReasonFetchDest, http.StatusForbidden, "fetch destination not permitted")
	}
	return nil
}

func isNavigation(req Request) bool {
	return strings.Contains(strings.ToLower(req.Accept), "text/html")
}

type originSet map[string]bool

func newOriginSet(origins []string) originSet {
	set := make(originSet, len(origins))
	for _, o := range origins {
		if key := originKey(o); key != "" {
			set[key] = true
		}
	}
	return set
}

func (s originSet) allows(raw string) bool {
	key := originKey(raw)
	return key != "" && s[key]
}

// originKey reduces a URL to lowercase scheme://host[:port].
func originKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}
	return scheme + "://" + host
}
