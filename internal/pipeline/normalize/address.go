package normalize

import (
	"regexp"
	"strings"
)

// Address holds the administrative components parsed from an address line.
type Address struct {
	Region       string
	Subregion    string
	Neighborhood string
}

var parenRe = regexp.MustCompile(`\(([^)]*)\)`)

var (
	subregionSuffixes    = []string{"시", "군", "구", "-si", "-gun", "-gu"}
	neighborhoodSuffixes = []string{"동", "읍", "면", "가", "-dong", "-eup", "-myeon", "-ga"}
)

// ParseAddress extracts region, subregion and neighborhood. The road address
// is preferred; the lot address fills in what it lacks.
func ParseAddress(road, lot string) Address {
	var a Address

	primary := road
	if strings.TrimSpace(primary) == "" {
		primary = lot
	}
	tokens := strings.Fields(parenRe.ReplaceAllString(primary, " "))
	if len(tokens) == 0 {
		return a
	}
	a.Region = strings.Trim(tokens[0], ",")
	a.Subregion = parseSubregion(tokens[1:])

	// Road addresses carry the neighborhood as "(Euljiro-dong, Building)".
	if m := parenRe.FindStringSubmatch(road); m != nil {
		first := strings.TrimSpace(strings.Split(m[1], ",")[0])
		if hasSuffix(first, neighborhoodSuffixes) {
			a.Neighborhood = first
		}
	}
	if a.Neighborhood == "" {
		a.Neighborhood = parseNeighborhood(lot)
	}
	if a.Subregion == "" && lot != primary {
		if lotTokens := strings.Fields(lot); len(lotTokens) > 1 {
			a.Subregion = parseSubregion(lotTokens[1:])
		}
	}
	return a
}

// parseSubregion reads "Jung-gu" or a combined "Suwon-si Paldal-gu".
func parseSubregion(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	first := strings.Trim(tokens[0], ",")
	if !hasSuffix(first, subregionSuffixes) {
		return ""
	}
	if len(tokens) > 1 && isCity(first) {
		second := strings.Trim(tokens[1], ",")
		if isDistrict(second) {
			return first + " " + second
		}
	}
	return first
}

func parseNeighborhood(lot string) string {
	tokens := strings.Fields(lot)
	// The region token never names a neighborhood.
	for i := 1; i < len(tokens); i++ {
		tok := strings.Trim(tokens[i], ",")
		if hasSuffix(tok, subregionSuffixes) {
			continue
		}
		if hasSuffix(tok, neighborhoodSuffixes) {
			return tok
		}
	}
	return ""
}

func isCity(tok string) bool {
	return strings.HasSuffix(tok, "시") || strings.HasSuffix(strings.ToLower(tok), "-si")
}

func isDistrict(tok string) bool {
	return strings.HasSuffix(tok, "구") || strings.HasSuffix(strings.ToLower(tok), "-gu")
}

func hasSuffix(tok string, suffixes []string) bool {
	lower := strings.ToLower(tok)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s) && len(lower) > len(s) {
			return true
		}
	}
	return false
}
