package router

import (
	"regexp"
	"strings"

	"priceresolver/internal/price"
)

// Classifier decides the instrument class of a ticker.
type Classifier interface {
	Classify(t price.Ticker) price.Class
}

// mutualFundPatterns match tickers that name a fund scheme rather than a listed stock.
var mutualFundPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^MF_`),
	regexp.MustCompile(`^\d{5,6}$`),
	regexp.MustCompile(`_MF$`),
	regexp.MustCompile(`(FUND|GROWTH|DIVIDEND|IDCW)$`),
}

// HeuristicClassifier consults an explicit registry first and falls back to
// naming patterns. Anything unmatched is an equity.
type HeuristicClassifier struct {
	registry map[price.Ticker]price.Class
}

// NewHeuristicClassifier builds a classifier with the given registry entries.
// A ticker listed in both slices is an equity.
func NewHeuristicClassifier(mutualFunds, equities []string) *HeuristicClassifier {
	c := &HeuristicClassifier{
		registry: make(map[price.Ticker]price.Class, len(mutualFunds)+len(equities)),
	}
	for _, t := range mutualFunds {
		c.registry[price.NormalizeTicker(t)] = price.ClassMutualFund
	}
	for _, t := range equities {
		c.registry[price.NormalizeTicker(t)] = price.ClassEquity
	}
	return c
}

// Classify implements Classifier.
func (c *HeuristicClassifier) Classify(t price.Ticker) price.Class {
	if class, ok := c.registry[t]; ok {
		return class
	}
	s := strings.ToUpper(string(t))
	for _, re := range mutualFundPatterns {
		if re.MatchString(s) {
			return price.ClassMutualFund
		}
	}
	return price.ClassEquity
}
