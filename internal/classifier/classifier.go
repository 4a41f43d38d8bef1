// Package classifier decides whether a stream request looks like a browser
// player or an automated bulk downloader, using only what the request carries.
//
// Rules run in a fixed order and the first denial wins. Cheap, high-confidence
// checks come first; the referer check, which is the most prone to false
// positives, runs after the session check.
package classifier

import (
	"net/http"
	"strings"
)

type Reason string

const (
	ReasonAgent     Reason = "agent"
	ReasonSession   Reason = "session"
	ReasonReferer   Reason = "referer"
	ReasonMethod    Reason = "method"
	ReasonFetchDest Reason = "fetch-dest"
)

// Request is the normalized view of an inbound stream request.
type Request struct {
	Method       string
	UserAgent    string
	Referer      string
	Origin       string
	Accept       string
	SecFetchDest string
	ClientAddr   string
	// HasSession is resolved by the caller against the session store.
	HasSession bool
}

func FromHTTP(r *http.Request, clientAddr string, hasSession bool) Request {
	return Request{
		Method:       r.Method,
		UserAgent:    r.Header.Get("User-Agent"),
		Referer:      r.Header.Get("Referer"),
		Origin:       r.Header.Get("Origin"),
		Accept:       r.Header.Get("Accept"),
		SecFetchDest: r.Header.Get("Sec-Fetch-Dest"),
		ClientAddr:   clientAddr,
		HasSession:   hasSession,
	}
}

type Denial struct {
	Reason  Reason
	Status  int
	Message string
}

// Rule returns nil to allow the request.
type Rule func(req Request) *Denial

type Decision struct {
	Allowed bool
	Denial  *Denial
}

type Config struct {
	// AllowedOrigins are the front-end origins ("https://app.example.com")
	// whose pages may embed the player.
	AllowedOrigins []string
	// ExtraAgents extend the built-in downloader signatures.
	ExtraAgents []string
}

type Classifier struct {
	rules []Rule
}

func New(cfg Config) *Classifier {
	signatures := append(append([]string{}, defaultAgentSignatures...), lowerAll(cfg.ExtraAgents)...)
	origins := newOriginSet(cfg.AllowedOrigins)
	return NewWithRules(
		agentRule(signatures),
		sessionRule,
		refererRule(origins),
		methodRule,
		fetchDestRule,
	)
}

// NewWithRules builds a classifier from an explicit, ordered rule list.
func NewWithRules(rules ...Rule) *Classifier {
	return &Classifier{rules: rules}
}

func (c *Classifier) Classify(req Request) Decision {
	for _, rule := range c.rules {
		if d := rule(req); d != nil {
			return Decision{Denial: d}
		}
	}
	return Decision{Allowed: true}
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}
