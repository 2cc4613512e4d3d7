package amfi

import (
	"regexp"

	"priceresolver/internal/price"
)

var schemeCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)MF_(\d+)`),
	regexp.MustCompile(`^(\d+)$`),
	regexp.MustCompile(`(\d{5,6})`),
}

// SchemeCode extracts the AMFI scheme code from a fund ticker such as
// "MF_120828" or "120828".
func SchemeCode(t price.Ticker) (string, bool) {
	for _, re := range schemeCodePatterns {
		if m := re.FindStringSubmatch(string(t)); m != nil {
			return m[1], true
		}
	}
	return "", false
}
