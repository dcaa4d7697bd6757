package domain

import (
	"net/url"
	"strings"
)

// Wiki is a core entity describing one site from the global catalogue.
type Wiki struct {
	DBName string
	URL    string
	Lang   string

	Private   bool
	Closed    bool
	Fishbowl  bool
	NonGlobal bool
}

// Host returns the hostname part of the wiki base URL, or "" when unparsable.
func (w Wiki) Host() string {
	u, err := url.Parse(w.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Supported reports whether this wiki may be queried through the service.
// Private and non-global wikis are not reachable for anonymous tooling.
func (w Wiki) Supported() bool {
	return !w.Private && !w.NonGlobal
}

// Namespace describes one namespace of a wiki as reported by siteinfo.
type Namespace struct {
	ID            int
	Canonical     string
	Name          string
	CaseSensitive bool
	Content       bool
	Subpages      bool
	Right         string
}

// Title is a canonicalized page title within a namespace.
type Title struct {
	Namespace    int
	PrefixedText string
	MainText     string
}

// UserTalkPrefix namespaces used when resolving a user's talk page.
const (
	NamespaceMain     = 0
	NamespaceUser     = 2
	NamespaceUserTalk = 3
)

// NormalizeUsername applies the wiki convention of underscores as spaces and
// an upper-cased first letter.
func NormalizeUsername(raw string) string {
	name := strings.TrimSpace(strings.ReplaceAll(raw, "_", " "))
	if name == "" {
		return name
	}
	runes := []rune(name)
	return strings.ToUpper(string(runes[0])) + string(runes[1:])
}
