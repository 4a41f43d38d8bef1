// Package manifest rewrites HLS playlists so that every media segment and
// variant playlist they reference is fetched back through the gateway.
//
// Rewriting is a pure text transform. Directive lines pass through untouched
// unless tag URI rewriting is enabled, and each URI line is resolved against
// the playlist's own location before being handed to a BuildFunc.
package manifest

import (
	"mime"
	"net/url"
	"regexp"
	"strings"
)

const ContentType = "application/vnd.apple.mpegurl"

var manifestContentTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// Tags whose URI attribute references a fetchable resource.
var uriTags = []string{
	"#EXT-X-KEY:",
	"#EXT-X-SESSION-KEY:",
	"#EXT-X-MAP:",
	"#EXT-X-MEDIA:",
	"#EXT-X-I-FRAME-STREAM-INF:",
}

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// BuildFunc maps an absolute upstream URL to the URL a client should request.
type BuildFunc func(absolute string) string

type Options struct {
	// RewriteTagURIs also routes URI="..." attributes of key, map and
	// rendition tags through the gateway.
	RewriteTagURIs bool
}

// Rewrite returns the rewritten playlist and the number of references it
// replaced. Line endings, blank lines and unparseable references are kept
// as they are.
func Rewrite(content string, base *url.URL, build BuildFunc, opts Options) (string, int) {
	lines := strings.Split(content, "\n")
	rewritten := 0
	for i, line := range lines {
		body, eol := splitEOL(line)
		trimmed := strings.TrimSpace(body)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "#"):
			if opts.RewriteTagURIs && hasURITag(trimmed) {
				out, n := rewriteTag(body, base, build)
				lines[i] = out + eol
				rewritten += n
			}
		default:
			abs, ok := resolve(base, trimmed)
			if !ok {
				continue
			}
			lines[i] = build(abs) + eol
			rewritten++
		}
	}
	return strings.Join(lines, "\n"), rewritten
}

// StreamLink builds gateway URLs of the form endpoint?url=<abs>[&token=<t>].
func StreamLink(endpoint, token string) BuildFunc {
	return func(absolute string) string {
		q := url.Values{"url": {absolute}}
		if token != "" {
			q.Set("token", token)
		}
		return endpoint + "?" + q.Encode()
	}
}

func IsManifestPath(u *url.URL) bool {
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}

func IsManifestContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return manifestContentTypes[strings.ToLower(mediaType)]
}

func rewriteTag(line string, base *url.URL, build BuildFunc) (string, int) {
	n := 0
	out := uriAttr.ReplaceAllStringFunc(line, func(attr string) string {
		ref := uriAttr.FindStringSubmatch(attr)[1]
		abs, ok := resolve(base, ref)
		if !ok {
			return attr
		}
		n++
		return `URI="` + build(abs) + `"`
	})
	return out, n
}

// resolve only accepts references that land on a fetchable scheme, which
// leaves data: keys and DRM scheme URIs such as skd:// alone.
func resolve(base *url.URL, ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(u)
	switch abs.Scheme {
	case "http", "https", "s3":
	default:
		return "", false
	}
	if abs.Host == "" {
		return "", false
	}
	return abs.String(), true
}

func hasURITag(line string) bool {
	for _, tag := range uriTags {
		if strings.HasPrefix(line, tag) {
			return true
		}
	}
	return false
}

func splitEOL(line string) (string, string) {
	if strings.HasSuffix(line, "\r") {
		return line[:len(line)-1], "\r"
	}
	return line, ""
}
