package transform

import (
	"regexp"
	"strconv"
)

// Price bounds in centavos. Anything outside is treated as noise (ticket
// numbers, phone fragments), not a price.
const (
	minPriceCents = 10
	maxPriceCents = 99_999_999
)

// priceRes are the only accepted currency shapes. A text matching none of
// them yields no price; the pipeline never guesses.
var priceRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)R\$\s*(\d{1,6})[,.](\d{2})\b`),
	regexp.MustCompile(`(?i)por\s+R\$\s*(\d{1,6})[,.](\d{2})\b`),
	regexp.MustCompile(`(?i)\b(\d{1,6})[,.](\d{2})\s*reais\b`),
}

// ExtractPriceCents returns the first confidently matched price in
// centavos. ok is false when no strict pattern matches.
func ExtractPriceCents(text string) (cents int64, ok bool) {
	for _, re := range priceRes {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		whole, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		frac, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		v := whole*100 + frac
		if v < minPriceCents || v > maxPriceCents {
			continue
		}
		return v, true
	}
	return 0, false
}
