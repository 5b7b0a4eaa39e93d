// Package condition evaluates workflow conditions against the current
// visitor, session and page. Evaluation is deterministic given a Context.
package condition

import (
	"net/url"
	"path"
	"strings"
)

// Source is the classified traffic source of a session.
type Source string

const (
	SourceDirect   Source = "direct"
	SourceSearch   Source = "search"
	SourceSocial   Source = "social"
	SourceInternal Source = "internal"
	SourceReferral Source = "referral"
	SourcePaid     Source = "paid"
	SourceEmail    Source = "email"
)

// Device is the classified device of the visitor.
type Device string

const (
	DeviceMobile  Device = "mobile"
	DeviceTablet  Device = "tablet"
	DeviceDesktop Device = "desktop"
)

// Context is everything a condition may look at.
type Context struct {
	URL      *url.URL
	Title    string
	Referrer string
	Source   Source
	// IsNew is true for the whole session in which the visitor was created.
	IsNew  bool
	Device Device
	// Properties carries trigger detail, e.g. custom event properties.
	Properties map[string]any
}

// Path returns the URL path, "/" when empty.
func (c Context) Path() string {
	if c.URL == nil || c.URL.Path == "" {
		return "/"
	}
	return c.URL.Path
}

// MatchPath reports whether p matches the glob pattern. A pattern ending in
// "*" also matches every path under its prefix, so "/blog/*" covers
// "/blog/2024/post". A pattern without wildcards matches exactly.
func MatchPath(pattern, p string) bool {
	if pattern == "" {
		return false
	}
	if ok, err := path.Match(pattern, p); err == nil && ok {
		return true
	}
	if prefix, found := strings.CutSuffix(pattern, "*"); found && !strings.ContainsAny(prefix, "*?[") {
		return strings.HasPrefix(p, prefix)
	}
	return false
}
