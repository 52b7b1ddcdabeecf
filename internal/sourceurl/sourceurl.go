// Package sourceurl canonicalizes user-supplied video URLs into a stable
// identity used for deduplicating shared source assets.
package sourceurl

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

type Platform string

const (
	PlatformYouTube Platform = "youtube"
	PlatformX       Platform = "x"
	PlatformReddit  Platform = "reddit"
	PlatformOther   Platform = "other"
)

var (
	ErrEmptyURL         = errors.New("empty url")
	ErrInvalidVideoID   = errors.New("invalid youtube video id")
	ErrInvalidStatusURL = errors.New("invalid x/twitter status url")
	ErrInvalidPostURL   = errors.New("invalid reddit post url")
)

// NormalizationError reports a URL that looks like a known platform but does
// not match any accepted shape for it.
type NormalizationError struct {
	Raw string
	Err error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %q: %v", e.Raw, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// Identity is the canonical identity of an external video.
// ExternalID is empty for PlatformOther.
type Identity struct {
	Platform      Platform
	NormalizedURL string
	ExternalID    string
}

// HasExternalID reports whether the identity carries a platform-native id.
func (i Identity) HasExternalID() bool { return i.ExternalID != "" }

// Known host aliases. Key: input host. Value: platform.
var platformByHost = map[string]Platform{
	"youtube.com":              PlatformYouTube,
	"www.youtube.com":          PlatformYouTube,
	"m.youtube.com":            PlatformYouTube,
	"music.youtube.com":        PlatformYouTube,
	"youtu.be":                 PlatformYouTube,
	"youtube-nocookie.com":     PlatformYouTube,
	"www.youtube-nocookie.com": PlatformYouTube,

	"twitter.com":        PlatformX,
	"www.twitter.com":    PlatformX,
	"mobile.twitter.com": PlatformX,
	"m.twitter.com":      PlatformX,
	"x.com":              PlatformX,
	"www.x.com":          PlatformX,
	"mobile.x.com":       PlatformX,

	"reddit.com":     PlatformReddit,
	"www.reddit.com": PlatformReddit,
	"old.reddit.com": PlatformReddit,
	"new.reddit.com": PlatformReddit,
	"m.reddit.com":   PlatformReddit,
}

// Query parameters dropped from generic URLs. Keys ending in "*" match by prefix.
var trackingParams = []string{
	"utm_*",
	"fbclid",
	"gclid",
	"dclid",
	"gbraid",
	"wbraid",
	"msclkid",
	"yclid",
	"igshid",
	"mc_cid",
	"mc_eid",
	"ref",
	"ref_src",
	"ref_url",
	"si",
	"_ga",
	"_gl",
	"spm",
}

var (
	youtubeIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	numericRe   = regexp.MustCompile(`^[0-9]+$`)
	redditIDRe  = regexp.MustCompile(`^[a-z0-9]+$`)
	handleRe    = regexp.MustCompile(`^[a-z0-9_]{1,50}$`)
	subRe       = regexp.MustCompile(`^[a-z0-9_]{2,32}$`)
)

// ResolvePlatform returns the platform served by host. Unknown hosts map to
// PlatformOther.
func ResolvePlatform(host string) Platform {
	if p, ok := platformByHost[normalizeHost(host)]; ok {
		return p
	}
	return PlatformOther
}

// Normalize maps a raw URL to its canonical identity.
//
// Known platforms are rewritten to a single permalink shape and reject paths
// they cannot identify. Everything else is normalized best-effort and never
// fails unless the input is empty.
func Normalize(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, &NormalizationError{Raw: raw, Err: ErrEmptyURL}
	}

	u, err := parseLoose(raw)
	if err != nil {
		return fallback(raw), nil
	}

	switch ResolvePlatform(u.Host) {
	case PlatformYouTube:
		return normalizeYouTube(raw, u)
	case PlatformX:
		return normalizeX(raw, u)
	case PlatformReddit:
		return normalizeReddit(raw, u)
	}
	return normalizeGeneric(u), nil
}

// IdempotencyKey returns the hex sha256 of a normalized URL.
func IdempotencyKey(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return hex.EncodeToString(sum[:])
}

// hostPortPrefix matches scheme-less input such as "example.com:8080/v",
// which url.Parse would read as scheme "example.com".
var hostPortPrefix = regexp.MustCompile(`^[A-Za-z0-9.-]+:[0-9]+([/?#]|$)`)

func parseLoose(raw string) (*url.URL, error) {
	if hostPortPrefix.MatchString(raw) {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u, err = url.Parse("https://" + raw)
		if err != nil {
			return nil, err
		}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if normalizeHost(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func fallback(raw string) Identity {
	return Identity{Platform: PlatformOther, NormalizedURL: raw}
}

func normalizeYouTube(raw string, u *url.URL) (Identity, error) {
	id, err := ExtractYouTubeVideoID(u)
	if err != nil {
		return Identity{}, &NormalizationError{Raw: raw, Err: err}
	}
	return Identity{
		Platform:      PlatformYouTube,
		NormalizedURL: "https://www.youtube.com/watch?v=" + id,
		ExternalID:    id,
	}, nil
}

// ExtractYouTubeVideoID extracts the 11 character video id from a YouTube URL.
func ExtractYouTubeVideoID(u *url.URL) (string, error) {
	host := normalizeHost(u.Host)

	var id string
	switch {
	case host == "youtu.be":
		id = firstPathSegment(u.Path)
	case u.Query().Get("v") != "":
		id = u.Query().Get("v")
	default:
		for _, prefix := range []string{"/embed/", "/shorts/", "/v/", "/live/"} {
			if strings.HasPrefix(u.Path, prefix) {
				id = firstPathSegment(strings.TrimPrefix(u.Path, prefix))
				break
			}
		}
	}

	id = strings.TrimSpace(id)
	if len(id) != 11 || !youtubeIDRe.MatchString(id) {
		return "", ErrInvalidVideoID
	}
	return id, nil
}

func normalizeX(raw string, u *url.URL) (Identity, error) {
	segs := pathSegments(u.Path)
	// /<handle>/status/<id>[/photo/1|/video/1]
	if len(segs) < 3 || (segs[1] != "status" && segs[1] != "statuses") {
		return Identity{}, &NormalizationError{Raw: raw, Err: ErrInvalidStatusURL}
	}
	handle := strings.ToLower(segs[0])
	id := segs[2]
	if !handleRe.MatchString(handle) || !numericRe.MatchString(id) {
		return Identity{}, &NormalizationError{Raw: raw, Err: ErrInvalidStatusURL}
	}
	return Identity{
		Platform:      PlatformX,
		NormalizedURL: "https://twitter.com/" + handle + "/status/" + id,
		ExternalID:    id,
	}, nil
}

func normalizeReddit(raw string, u *url.URL) (Identity, error) {
	segs := pathSegments(u.Path)
	// /r/<sub>/comments/<id>[/<slug>]
	if len(segs) < 4 || segs[0] != "r" || segs[2] != "comments" {
		return Identity{}, &NormalizationError{Raw: raw, Err: ErrInvalidPostURL}
	}
	sub := strings.ToLower(segs[1])
	id := strings.ToLower(segs[3])
	if !subRe.MatchString(sub) || !redditIDRe.MatchString(id) {
		return Identity{}, &NormalizationError{Raw: raw, Err: ErrInvalidPostURL}
	}
	return Identity{
		Platform:      PlatformReddit,
		NormalizedURL: "https://www.reddit.com/r/" + sub + "/comments/" + id + "/",
		ExternalID:    id,
	}, nil
}

func normalizeGeneric(u *url.URL) Identity {
	out := *u
	out.Scheme = "https"
	out.User = nil
	out.Fragment = ""
	out.RawFragment = ""
	out.Host = stripHostPrefix(normalizeHost(u.Host))
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		out.Host += ":" + port
	}
	out.Path = trimTrailingSlash(u.Path)
	out.RawPath = ""

	q := u.Query()
	for key := range q {
		if isTrackingParam(key) {
			q.Del(key)
		}
	}
	// Encode sorts by key.
	out.RawQuery = q.Encode()
	out.ForceQuery = false

	return Identity{Platform: PlatformOther, NormalizedURL: out.String()}
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	for _, p := range trackingParams {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(k, prefix) {
				return true
			}
			continue
		}
		if k == p {
			return true
		}
	}
	return false
}

func stripHostPrefix(h string) string {
	for _, p := range []string{"www.", "m.", "mobile."} {
		if rest, ok := strings.CutPrefix(h, p); ok && strings.Contains(rest, ".") {
			return rest
		}
	}
	return h
}

func normalizeHost(hostport string) string {
	h := strings.TrimSpace(strings.ToLower(hostport))
	if h == "" {
		return ""
	}
	// url.URL.Host may include port.
	if strings.Contains(h, ":") {
		if parsed, err := url.Parse("//" + h); err == nil {
			if parsed.Hostname() != "" {
				h = parsed.Hostname()
			}
		}
	}
	return strings.TrimSuffix(h, ".")
}

func trimTrailingSlash(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	return strings.TrimRight(p, "/")
}

func firstPathSegment(p string) string {
	p = strings.TrimPrefix(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	seg, _, _ := strings.Cut(p, "/")
	return strings.TrimSpace(seg)
}

func pathSegments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
