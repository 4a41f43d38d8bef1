package classifier

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
const safariUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"

func newTestClassifier() *Classifier {
	return New(Config{AllowedOrigins: []string{"https://app.example.com", "http://localhost:5173"}})
}

// browserRequest is a clean player request that every rule allows.
func browserRequest() Request {
	return Request{
		Method:       http.MethodGet,
		UserAgent:    chromeUA,
		Referer:      "https://app.example.com/watch/42",
		Accept:       "*/*",
		SecFetchDest: "empty",
		HasSession:   true,
	}
}

func expectDenied(t *testing.T, d Decision, reason Reason, status int) {
	t.Helper()
	if d.Allowed {
		t.Fatalf("expected denial %q, got allowed", reason)
	}
	if d.Denial.Reason != reason {
		t.Errorf("expected reason %q, got %q", reason, d.Denial.Reason)
	}
	if d.Denial.Status != status {
		t.Errorf("expected status %d, got %d", status, d.Denial.Status)
	}
}

func TestClassify_AllowsBrowserPlayback(t *testing.T) {
	c := newTestClassifier()

	for _, ua := range []string{chromeUA, safariUA} {
		req := browserRequest()
		req.UserAgent = ua
		if d := c.Classify(req); !d.Allowed {
			t.Errorf("expected %q to be allowed, got %+v", ua, d.Denial)
		}
	}
}

func TestClassify_DeniesDownloaderAgents(t *testing.T) {
	agents := []string{
		"curl/8.5.0",
		"Wget/1.21.4",
		"aria2/1.37.0",
		"JDownloader",
		"Mozilla/4.0 (compatible; MSIE 8.0; Windows NT 6.1; Trident/4.0) IDM/6.41",
		"python-requests/2.31.0",
		"Go-http-client/2.0",
		"okhttp/4.12.0",
		"PostmanRuntime/7.36.0",
		"insomnia/2023.5.8",
		"Lavf/60.3.100",
		"yt-dlp/2024.03.10",
		"Mozilla/5.0 (Windows NT 10.0) Free Download Manager/6.20",
	}
	c := newTestClassifier()

	for _, ua := range agents {
		t.Run(ua, func(t *testing.T) {
			req := browserRequest()
			req.UserAgent = ua
			expectDenied(t, c.Classify(req), ReasonAgent, http.StatusForbidden)
		})
	}
}

func TestClassify_AgentMatchIsCaseInsensitive(t *testing.T) {
	c := newTestClassifier()

	for _, ua := range []string{"CURL/8.0", "WgEt/1.0", "ARIA2/1.0"} {
		req := browserRequest()
		req.UserAgent = ua
		expectDenied(t, c.Classify(req), ReasonAgent, http.StatusForbidden)
	}
}

func TestClassify_DeniesSelfDeclaredBots(t *testing.T) {
	c := newTestClassifier()

	req := browserRequest()
	req.UserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
	expectDenied(t, c.Classify(req), ReasonAgent, http.StatusForbidden)
}

func TestClassify_DeniesEmptyAgent(t *testing.T) {
	c := newTestClassifier()

	req := browserRequest()
	req.UserAgent = "  "
	expectDenied(t, c.Classify(req), ReasonAgent, http.StatusForbidden)
}

func TestClassify_ExtraAgents(t *testing.T) {
	c := New(Config{AllowedOrigins: []string{"https://app.example.com"}, ExtraAgents: []string{"GrabberBot9000"}})

	req := browserRequest()
	req.UserAgent = chromeUA + " grabberbot9000/1.0"
	expectDenied(t, c.Classify(req), ReasonAgent, http.StatusForbidden)
}

func TestClassify_AgentCheckedBeforeSession(t *testing.T) {
	c := newTestClassifier()

	req := browserRequest()
	req.UserAgent = "curl/8.5.0"
	req.HasSession = false
	expectDenied(t, c.Classify(req), ReasonAgent, http.StatusForbidden)
}

func TestClassify_DeniesMissingSessionRegardlessOfHeaders(t *testing.T) {
	c := newTestClassifier()

	req := browserRequest()
	req.HasSession = false
	expectDenied(t, c.Classify(req), ReasonSession, http.StatusForbidden)

	req.Method = http.MethodHead
	expectDenied(t, c.Classify(req), ReasonSession, http.StatusForbidden)
}

func TestClassify_Referer(t *testing.T) {
	tests := []struct {
		name    string
		referer string
		origin  string
		accept  string
		allowed bool
	}{
		{"allowed origin", "https://app.example.com/watch/1", "", "*/*", true},
		{"allowed origin with explicit port", "https://app.example.com:443/x", "", "*/*", true},
		{"allowed dev origin", "http://localhost:5173/", "", "*/*", true},
		{"host case ignored", "https://APP.example.com/", "", "*/*", true},
		{"missing referer", "", "", "*/*", false},
		{"missing referer on html navigation", "", "", "text/html,application/xhtml+xml", true},
		{"foreign referer", "https://evil.example.net/page", "", "*/*", false},
		{"lookalike suffix", "https://app.example.com.evil.net/", "", "*/*", false},
		{"scheme mismatch", "http://app.example.com/", "", "*/*", false},
		{"unparseable referer", "::::", "", "*/*", false},
		{"foreign origin header", "https://app.example.com/", "https://evil.example.net", "*/*", false},
		{"allowed origin header", "https://app.example.com/", "https://app.example.com", "*/*", true},
	}
	c := newTestClassifier()

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := browserRequest()
			req.Referer = tc.referer
			req.Origin = tc.origin
			req.Accept = tc.accept
			d := c.Classify(req)
			if tc.allowed && !d.Allowed {
				t.Errorf("expected allowed, got %+v", d.Denial)
			}
			if !tc.allowed {
				expectDenied(t, d, ReasonReferer, http.StatusForbidden)
			}
		})
	}
}

func TestClassify_HeadIsMethodNotAllowed(t *testing.T) {
	c := newTestClassifier()

	req := browserRequest()
	req.Method = http.MethodHead
	expectDenied(t, c.Classify(req), ReasonMethod, http.StatusMethodNotAllowed)
}

func TestClassify_FetchDest(t *testing.T) {
	tests := []struct {
		dest    string
		allowed bool
	}{
		{"video", true},
		{"audio", true},
		{"empty", true},
		{"object", true},
		{"VIDEO", true},
		{"", true},
		{"document", false},
		{"iframe", false},
		{"image", false},
		{"script", false},
	}
	c := newTestClassifier()

	for _, tc := range tests {
		t.Run("dest="+tc.dest, func(t *testing.T) {
			req := browserRequest()
			req.SecFetchDest = tc.dest
			d := c.Classify(req)
			if tc.allowed && !d.Allowed {
				t.Errorf("expected allowed, got %+v", d.Denial)
			}
			if !tc.allowed {
				expectDenied(t, d, ReasonFetchDest, http.StatusForbidden)
			}
		})
	}
}

func TestClassify_FirstFailingRuleWins(t *testing.T) {
	calls := 0
	counting := func(req Request) *Denial {
		calls++
		return nil
	}
	failing := func(req Request) *Denial {
		return deny(ReasonMethod, http.StatusMethodNotAllowed, "nope")
	}
	c := NewWithRules(counting, failing, counting)

	d := c.Classify(browserRequest())
	if d.Allowed || d.Denial.Reason != ReasonMethod {
		t.Fatalf("expected method denial, got %+v", d)
	}
	if calls != 1 {
		t.Errorf("expected rules after the denial to be skipped, got %d calls", calls)
	}
}

func TestFromHTTP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/stream?url=x", nil)
	r.Header.Set("User-Agent", chromeUA)
	r.Header.Set("Referer", "https://app.example.com/")
	r.Header.Set("Sec-Fetch-Dest", "video")

	req := FromHTTP(r, "198.51.100.1", true)
	if req.UserAgent != chromeUA || req.Referer != "https://app.example.com/" {
		t.Errorf("headers not copied: %+v", req)
	}
	if req.SecFetchDest != "video" {
		t.Errorf("fetch metadata not copied: %+v", req)
	}
	if req.ClientAddr != "198.51.100.1" || !req.HasSession {
		t.Errorf("context not copied: %+v", req)
	}
}
