package geo

import "strings"

// languageLocations maps a primary language tag to the most plausible
// location for speakers of that language. Regional tags (pt-BR, zh-TW)
// outrank their base language where both are present.
var languageLocations = map[string]Location{
	"en":    {Country: "United States", Region: "California", City: "San Francisco"},
	"en-gb": {Country: "United Kingdom", Region: "England", City: "London"},
	"en-au": {Country: "Australia", Region: "New South Wales", City: "Sydney"},
	"en-ca": {Country: "Canada", Region: "Ontario", City: "Toronto"},
	"it":    {Country: "Italy", Region: "Lazio", City: "Rome"},
	"de":    {Country: "Germany", Region: "Berlin", City: "Berlin"},
	"fr":    {Country: "France", Region: "Ile-de-France", City: "Paris"},
	"es":    {Country: "Spain", Region: "Madrid", City: "Madrid"},
	"pt":    {Country: "Portugal", Region: "Lisbon", City: "Lisbon"},
	"pt-br": {Country: "Brazil", Region: "Sao Paulo", City: "Sao Paulo"},
	"nl":    {Country: "Netherlands", Region: "North Holland", City: "Amsterdam"},
	"sv":    {Country: "Sweden", Region: "Stockholm", City: "Stockholm"},
	"no":    {Country: "Norway", Region: "Oslo", City: "Oslo"},
	"da":    {Country: "Denmark", Region: "Capital Region", City: "Copenhagen"},
	"fi":    {Country: "Finland", Region: "Uusimaa", City: "Helsinki"},
	"pl":    {Country: "Poland", Region: "Masovia", City: "Warsaw"},
	"cs":    {Country: "Czechia", Region: "Prague", City: "Prague"},
	"ru":    {Country: "Russia", Region: "Moscow", City: "Moscow"},
	"uk":    {Country: "Ukraine", Region: "Kyiv", City: "Kyiv"},
	"tr":    {Country: "Turkey", Region: "Istanbul", City: "Istanbul"},
	"ar":    {Country: "Saudi Arabia", Region: "Riyadh", City: "Riyadh"},
	"he":    {Country: "Israel", Region: "Tel Aviv", City: "Tel Aviv"},
	"hi":    {Country: "India", Region: "Maharashtra", City: "Mumbai"},
	"ja":    {Country: "Japan", Region: "Tokyo", City: "Tokyo"},
	"ko":    {Country: "South Korea", Region: "Seoul", City: "Seoul"},
	"zh":    {Country: "China", Region: "Beijing", City: "Beijing"},
	"zh-tw": {Country: "Taiwan", Region: "Taipei", City: "Taipei"},
	"th":    {Country: "Thailand", Region: "Bangkok", City: "Bangkok"},
	"vi":    {Country: "Vietnam", Region: "Hanoi", City: "Hanoi"},
	"id":    {Country: "Indonesia", Region: "Jakarta", City: "Jakarta"},
}

// PrimaryLanguage extracts the first language tag from an Accept-Language
// value, lowercased and stripped of quality parameters. Returns "" when the
// header is absent or unparseable.
func PrimaryLanguage(acceptLanguage string) string {
	first, _, _ := strings.Cut(acceptLanguage, ",")
	tag, _, _ := strings.Cut(first, ";")
	return strings.ToLower(strings.TrimSpace(tag))
}

// locationForLanguage maps an Accept-Language header to a plausible
// location. The full tag ("pt-br") is tried before its base ("pt");
// unknown tags fall back to the United States default with known=false so
// the caller can score the guess lower.
func locationForLanguage(acceptLanguage string) (Location, bool) {
	tag := PrimaryLanguage(acceptLanguage)
	if tag == "" {
		return defaultLocation, false
	}
	if loc, ok := languageLocations[tag]; ok {
		return loc, true
	}
	base, _, _ := strings.Cut(tag, "-")
	if loc, ok := languageLocations[base]; ok {
		return loc, true
	}
	return defaultLocation, false
}
