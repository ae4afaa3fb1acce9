// Package transform rewrites commercial links with affiliate identifiers
// and applies the per-destination quality gate.
package transform

import (
	"regexp"
	"strings"
)

// linkRe matches http/https links inside free-form message text.
var linkRe = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)

// ExtractLinks returns all links found in text, in order.
func ExtractLinks(text string) []string {
	return linkRe.FindAllString(text, -1)
}

// storeDef describes how one commercial store is detected and rewritten.
type storeDef struct {
	slug    string
	prefix  string
	hosts   []*regexp.Regexp
	extract func(url string) string
	rewrite func(url, tagCode string) string
}

var stores = []storeDef{
	{
		slug:   "amazon",
		prefix: "AMZN",
		hosts: compileHosts(
			`amazon\.com\.br`,
			`amazon\.com`,
			`amzn\.to`,
			`a\.co`,
		),
		extract: extractAmazonASIN,
		rewrite: rewriteAmazon,
	},
	{
		slug:   "magalu",
		prefix: "MGLU",
		hosts: compileHosts(
			`magazineluiza\.com\.br`,
			`magalu\.com\.br`,
		),
		extract: extractMagaluID,
		rewrite: rewriteMagalu,
	},
	{
		slug:   "mercadolivre",
		prefix: "MLB",
		hosts: compileHosts(
			`mercadolivre\.com\.br`,
			`mercadolivre\.com`,
		),
		extract: extractMercadoLivreID,
		rewrite: rewriteMercadoLivre,
	},
	{
		slug:   "americanas",
		prefix: "AMER",
		hosts:  compileHosts(`americanas\.com\.br`),
	},
	{
		slug:   "shopee",
		prefix: "SHOP",
		hosts:  compileHosts(`shopee\.com\.br`),
	},
}

func compileHosts(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(p)
	}
	return res
}

// DetectStore returns the store slug for a link, or "" for unknown hosts.
func DetectStore(url string) string {
	lower := strings.ToLower(url)
	for _, s := range stores {
		for _, re := range s.hosts {
			if re.MatchString(lower) {
				return s.slug
			}
		}
	}
	return ""
}

var (
	amazonASINRes = []*regexp.Regexp{
		regexp.MustCompile(`/dp/([A-Z0-9]{10})`),
		regexp.MustCompile(`/gp/product/([A-Z0-9]{10})`),
		regexp.MustCompile(`/product/([A-Z0-9]{10})`),
	}
	magaluIDRe       = regexp.MustCompile(`/produto/(\d+)`)
	mercadoLivreIDRe = regexp.MustCompile(`(?i)(MLB-?\d+)`)
)

func extractAmazonASIN(url string) string {
	for _, re := range amazonASINRes {
		if m := re.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	return ""
}

func extractMagaluID(url string) string {
	if m := magaluIDRe.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}

func extractMercadoLivreID(url string) string {
	m := mercadoLivreIDRe.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	id := strings.ToUpper(m[1])
	if !strings.HasPrefix(id, "MLB-") {
		id = strings.Replace(id, "MLB", "MLB-", 1)
	}
	return id
}

// ExtractProductID returns the store-specific product identifier, or ""
// when the store has no extraction rule or the link carries no id.
func ExtractProductID(slug, url string) string {
	for _, s := range stores {
		if s.slug == slug {
			if s.extract == nil {
				return ""
			}
			return s.extract(url)
		}
	}
	return ""
}

// ProductUniqueID builds the normalized STOREPREFIX-id identifier.
func ProductUniqueID(slug, productID string) string {
	if productID == "" {
		return ""
	}
	prefix := strings.ToUpper(slug)
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	for _, s := range stores {
		if s.slug == slug {
			prefix = s.prefix
			break
		}
	}
	if strings.HasPrefix(productID, prefix+"-") {
		return productID
	}
	return prefix + "-" + productID
}

// RewriteLink applies the store-specific affiliate rule. Stores without a
// rewrite rule, and empty tag codes, leave the link untouched.
func RewriteLink(slug, url, tagCode string) string {
	if tagCode == "" {
		return url
	}
	for _, s := range stores {
		if s.slug == slug {
			if s.rewrite == nil {
				return url
			}
			return s.rewrite(url, tagCode)
		}
	}
	return url
}

// rewriteAmazon strips tracking params and appends the tag parameter.
func rewriteAmazon(url, tagCode string) string {
	base, _, _ := strings.Cut(url, "?")
	return base + "?tag=" + tagCode
}

func rewriteMagalu(url, tagCode string) string {
	base, _, _ := strings.Cut(url, "?")
	return base + "?parceiro=" + tagCode
}

// rewriteMercadoLivre appends the redirect parameter, preserving any
// existing query (short /sec/ links break if their query is stripped).
func rewriteMercadoLivre(url, tagCode string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "mshops_redirect=" + tagCode
}
