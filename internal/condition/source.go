package condition

import (
	"net/url"
	"slices"
	"strings"

	"github.com/gorilla/schema"
)

// UTM holds the campaign parameters of a landing URL.
type UTM struct {
	Source   string `schema:"utm_source"`
	Medium   string `schema:"utm_medium"`
	Campaign string `schema:"utm_campaign"`
	Term     string `schema:"utm_term"`
	Content  string `schema:"utm_content"`
}

// Empty reports whether no campaign parameter was present.
func (u UTM) Empty() bool {
	return u == UTM{}
}

var utmDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

// ParseUTM decodes the utm_* parameters of landing. Malformed queries
// decode to an empty UTM.
func ParseUTM(landing *url.URL) UTM {
	var utm UTM
	if landing == nil {
		return utm
	}
	if err := utmDecoder.Decode(&utm, landing.Query()); err != nil {
		return UTM{}
	}
	return utm
}

var (
	paidMediums  = []string{"cpc", "ppc", "paid", "paidsearch", "paid_social", "display", "cpm"}
	emailMediums = []string{"email", "e-mail", "newsletter"}

	searchHosts = []string{
		"google.", "bing.com", "duckduckgo.com", "yahoo.", "baidu.com",
		"yandex.", "ecosia.org", "ask.com", "naver.com", "search.brave.com",
	}
	socialHosts = []string{
		"facebook.com", "fb.com", "instagram.com", "t.co", "twitter.com", "x.com",
		"linkedin.com", "lnkd.in", "reddit.com", "pinterest.", "youtube.com",
		"tiktok.com", "threads.net", "mastodon.", "news.ycombinator.com",
	}
)

// ClassifySource derives the traffic source of a session from its landing
// URL and document referrer. Campaign parameters win over the referrer.
func ClassifySource(landing *url.URL, referrer string) Source {
	if utm := ParseUTM(landing); !utm.Empty() {
		if s, ok := classifyUTM(utm); ok {
			return s
		}
	}

	if referrer == "" {
		return SourceDirect
	}
	ref, err := url.Parse(referrer)
	if err != nil || ref.Hostname() == "" {
		return SourceDirect
	}
	host := strings.ToLower(strings.TrimPrefix(ref.Hostname(), "www."))
	if landing != nil && strings.EqualFold(strings.TrimPrefix(landing.Hostname(), "www."), host) {
		return SourceInternal
	}
	switch {
	case hostMatches(host, searchHosts):
		return SourceSearch
	case hostMatches(host, socialHosts):
		return SourceSocial
	default:
		return SourceReferral
	}
}

func classifyUTM(utm UTM) (Source, bool) {
	medium := strings.ToLower(utm.Medium)
	source := strings.ToLower(utm.Source)
	switch {
	case slices.Contains(paidMediums, medium):
		return SourcePaid, true
	case slices.Contains(emailMediums, medium), slices.Contains(emailMediums, source):
		return SourceEmail, true
	case medium == "social", hostMatches(source, socialHosts), slices.Contains(socialNames, source):
		return SourceSocial, true
	case medium == "organic", hostMatches(source, searchHosts), slices.Contains(searchNames, source):
		return SourceSearch, true
	case source != "":
		return SourceReferral, true
	}
	return "", false
}

var (
	searchNames = []string{"google", "bing", "duckduckgo", "yahoo", "baidu", "yandex", "ecosia"}
	socialNames = []string{"facebook", "instagram", "twitter", "x", "linkedin", "reddit", "pinterest", "youtube", "tiktok"}
)

// hostMatches reports whether host equals or is a subdomain of one of the
// entries. Entries ending in "." match any suffix, e.g. "google." matches
// "google.co.uk".
func hostMatches(host string, entries []string) bool {
	for _, e := range entries {
		if strings.HasSuffix(e, ".") {
			if strings.HasPrefix(host, e) || strings.Contains(host, "."+e) {
				return true
			}
			continue
		}
		if host == e || strings.HasSuffix(host, "."+e) {
			return true
		}
	}
	return false
}
