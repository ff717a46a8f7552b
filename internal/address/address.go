// Package address normalizes raw US postal addresses into the canonical form
// the geocoder and matcher key on. Normalization never invents data: it
// extracts what is present, scores how much of a full address that is, and
// picks the strongest canonical representation the parts support.
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Method identifies which canonical representation an address supports.
type Method string

const (
	MethodFullAddress Method = "full_address"
	MethodZipOnly     Method = "zip_only"
	MethodCityState   Method = "city_state"
)

// Flags records which address parts were recognized in the raw input.
type Flags struct {
	StreetNumber bool
	StreetName   bool
	City         bool
	State        bool
	Zip          bool
}

// Quality weights per recognized part. They sum to 1.0.
const (
	weightStreetNumber = 0.25
	weightStreetName   = 0.25
	weightCity         = 0.20
	weightState        = 0.15
	weightZip          = 0.15
)

// Normalized is the parsed, scored, canonicalized form of a raw address.
type Normalized struct {
	Raw       string
	Cleaned   string
	Street    string
	City      string
	State     string
	Zip       string
	Flags     Flags
	Quality   float64
	Method    Method
	Canonical string
}

var ErrEmptyAddress = errors.New("address: empty input")

var (
	reZip        = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\b`)
	reHouseNum   = regexp.MustCompile(`^\d+[A-Za-z]?$`)
	reMultiSpace = regexp.MustCompile(`\s+`)
	reCommaSpace = regexp.MustCompile(`\s*,\s*`)
)

var stateCodes = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true,
	"CT": true, "DE": true, "FL": true, "GA": true, "HI": true, "ID": true,
	"IL": true, "IN": true, "IA": true, "KS": true, "KY": true, "LA": true,
	"ME": true, "MD": true, "MA": true, "MI": true, "MN": true, "MS": true,
	"MO": true, "MT": true, "NE": true, "NV": true, "NH": true, "NJ": true,
	"NM": true, "NY": true, "NC": true, "ND": true, "OH": true, "OK": true,
	"OR": true, "PA": true, "RI": true, "SC": true, "SD": true, "TN": true,
	"TX": true, "UT": true, "VT": true, "VA": true, "WA": true, "WV": true,
	"WI": true, "WY": true,
	"DC": true, "PR": true, "VI": true, "GU": true, "AS": true, "MP": true,
}

var stateNames = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR",
	"california": "CA", "colorado": "CO", "connecticut": "CT", "delaware": "DE",
	"florida": "FL", "georgia": "GA", "hawaii": "HI", "idaho": "ID",
	"illinois": "IL", "indiana": "IN", "iowa": "IA", "kansas": "KS",
	"kentucky": "KY", "louisiana": "LA", "maine": "ME", "maryland": "MD",
	"massachusetts": "MA", "michigan": "MI", "minnesota": "MN",
	"mississippi": "MS", "missouri": "MO", "montana": "MT", "nebraska": "NE",
	"nevada": "NV", "new hampshire": "NH", "new jersey": "NJ",
	"new mexico": "NM", "new york": "NY", "north carolina": "NC",
	"north dakota": "ND", "ohio": "OH", "oklahoma": "OK", "oregon": "OR",
	"pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC",
	"south dakota": "SD", "tennessee": "TN", "texas": "TX", "utah": "UT",
	"vermont": "VT", "virginia": "VA", "washington": "WA",
	"west virginia": "WV", "wisconsin": "WI", "wyoming": "WY",
	"district of columbia": "DC", "puerto rico": "PR",
}

var streetTypes = map[string]bool{
	"st": true, "street": true, "ave": true, "avenue": true, "av": true,
	"blvd": true, "boulevard": true, "rd": true, "road": true, "dr": true,
	"drive": true, "ln": true, "lane": true, "ct": true, "court": true,
	"pl": true, "place": true, "sq": true, "square": true, "ter": true,
	"terrace": true, "pkwy": true, "parkway": true, "hwy": true,
	"highway": true, "cir": true, "circle": true, "way": true, "trl": true,
	"trail": true, "pike": true, "aly": true, "alley": true, "plz": true,
	"plaza": true, "cres": true, "crescent": true, "bnd": true, "bend": true,
	"xing": true, "crossing": true, "pt": true, "point": true, "loop": true,
	"walk": true, "row": true, "run": true, "expy": true, "expressway": true,
}

var unitTokens = map[string]bool{
	"apt": true, "apartment": true, "suite": true, "ste": true, "unit": true,
	"fl": true, "floor": true, "rm": true, "room": true, "bldg": true,
	"building": true, "lot": true, "#": true, "po": true, "box": true,
	"basement": true, "penthouse": true, "ph": true, "frnt": true, "rear": true,
}

// boroughs are the urban subdivisions the geocoder treats as localities worth
// a component filter even though they are not the USPS city.
var boroughs = map[string]bool{
	"brooklyn": true, "queens": true, "bronx": true, "the bronx": true,
	"manhattan": true, "staten island": true,
}

// Normalize parses raw into its parts, scores completeness, and assembles the
// canonical string. It fails only on empty or whitespace-only input; any
// other garbage yields a weak (possibly zero-quality) normalization.
func Normalize(raw string) (Normalized, error) {
	cleaned := Clean(raw)
	if cleaned == "" {
		return Normalized{}, ErrEmptyAddress
	}

	n := Normalized{Raw: raw, Cleaned: cleaned}

	rest := stripCountry(cleaned)

	// ZIP: the last 5-digit token, tolerating a +4 suffix. A leading
	// 5-digit token followed by a street-type token is a house number.
	if locs := reZip.FindAllStringSubmatchIndex(rest, -1); len(locs) > 0 {
		m := locs[len(locs)-1]
		if !looksLikeHouseNumber(rest, m[0], m[1]) {
			n.Zip = rest[m[2]:m[3]]
			n.Flags.Zip = true
			rest = tidy(rest[:m[0]] + " " + rest[m[1]:])
		}
	}

	parts := splitParts(rest)
	parts, n.State = extractState(parts)
	n.Flags.State = n.State != ""

	parts = splitStreetCity(parts)

	// A lone part with no corroborating state or ZIP is untrustworthy as a
	// city; it stays in the cleaned fallback instead.
	citySignal := n.Flags.State || n.Flags.Zip || len(parts) >= 2

	// Street line: the leftmost part when it looks like one.
	if len(parts) > 0 && isStreetPart(parts[0]) {
		street := parts[0]
		parts = parts[1:]
		toks := strings.Fields(street)
		if reHouseNum.MatchString(toks[0]) {
			n.Flags.StreetNumber = true
			if len(toks) > 1 {
				n.Flags.StreetName = true
			}
		} else {
			n.Flags.StreetName = true
		}
		n.Street = titleCase(street)
	}

	// City: rightmost remaining part that is not a unit designator or a
	// second street line.
	if citySignal {
		for i := len(parts) - 1; i >= 0; i-- {
			p := parts[i]
			if p == "" || isUnitPart(p) || isStreetPart(p) {
				continue
			}
			n.City = titleCase(p)
			n.Flags.City = true
			break
		}
	}

	n.Quality = quality(n.Flags)
	n.Method = method(n.Flags)
	n.Canonical = canonical(n)
	return n, nil
}

// Clean collapses whitespace, canonicalizes unicode quotes, and normalizes
// spacing around commas. It performs no extraction.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	replacer := strings.NewReplacer(
		"‘", "'", "’", "'",
		"“", `"`, "”", `"`,
		" ", " ",
	)
	s = replacer.Replace(s)
	s = reMultiSpace.ReplaceAllString(s, " ")
	s = reCommaSpace.ReplaceAllString(s, ", ")
	s = strings.Trim(s, ", ")
	return s
}

// IsUrbanSubdivision reports whether city names a recognized urban
// subdivision (an NYC borough) rather than a USPS city.
func IsUrbanSubdivision(city string) bool {
	return boroughs[strings.ToLower(strings.TrimSpace(city))]
}

// areaAliases maps locality spellings to one canonical area label per NYC
// borough. Borough name, county name, and USPS city line all show up in
// source addresses; Queens addresses usually carry the neighborhood.
var areaAliases = map[string]string{
	"brooklyn": "brooklyn", "kings county": "brooklyn",

	"manhattan": "manhattan", "new york": "manhattan",
	"new york city": "manhattan", "nyc": "manhattan",
	"new york county": "manhattan",

	"bronx": "bronx", "the bronx": "bronx", "bronx county": "bronx",

	"staten island": "staten_island", "richmond county": "staten_island",

	"queens": "queens", "queens county": "queens",
	"astoria": "queens", "long island city": "queens", "sunnyside": "queens",
	"woodside": "queens", "jackson heights": "queens", "elmhurst": "queens",
	"east elmhurst": "queens", "corona": "queens", "flushing": "queens",
	"college point": "queens", "whitestone": "queens", "bayside": "queens",
	"little neck": "queens", "douglaston": "queens", "fresh meadows": "queens",
	"forest hills": "queens", "rego park": "queens", "kew gardens": "queens",
	"ridgewood": "queens", "glendale": "queens", "maspeth": "queens",
	"middle village": "queens", "woodhaven": "queens", "richmond hill": "queens",
	"ozone park": "queens", "south ozone park": "queens", "howard beach": "queens",
	"jamaica": "queens", "hollis": "queens", "queens village": "queens",
	"saint albans": "queens", "st albans": "queens", "st. albans": "queens",
	"springfield gardens": "queens", "rosedale": "queens", "laurelton": "queens",
	"cambria heights": "queens", "bellerose": "queens", "far rockaway": "queens",
	"arverne": "queens", "rockaway beach": "queens", "rockaway park": "queens",
}

// areaZipPrefixes maps 3-digit ZIP prefixes to the same labels. 110 is
// deliberately absent: it straddles Queens and Nassau County.
var areaZipPrefixes = map[string]string{
	"100": "manhattan", "101": "manhattan", "102": "manhattan",
	"103": "staten_island",
	"104": "bronx",
	"112": "brooklyn",
	"111": "queens", "113": "queens", "114": "queens", "116": "queens",
}

// Area resolves the canonical area label for a city spelling or ZIP, city
// winning when both resolve. Empty when neither is recognized.
func Area(city, zip string) string {
	if a, ok := areaAliases[strings.ToLower(strings.TrimSpace(city))]; ok {
		return a
	}
	if len(zip) >= 3 {
		if a, ok := areaZipPrefixes[zip[:3]]; ok {
			return a
		}
	}
	return ""
}

func quality(f Flags) float64 {
	q := 0.0
	if f.StreetNumber {
		q += weightStreetNumber
	}
	if f.StreetName {
		q += weightStreetName
	}
	if f.City {
		q += weightCity
	}
	if f.State {
		q += weightState
	}
	if f.Zip {
		q += weightZip
	}
	return q
}

// method picks the strongest representation the recognized parts support.
// Inputs with neither a locatable city+state nor a ZIP fall through to
// city_state, whose canonical form degrades to the cleaned raw string.
func method(f Flags) Method {
	switch {
	case f.StreetNumber && f.StreetName && f.State && (f.City || f.Zip):
		return MethodFullAddress
	case f.Zip:
		return MethodZipOnly
	default:
		return MethodCityState
	}
}

func canonical(n Normalized) string {
	switch n.Method {
	case MethodFullAddress:
		var b strings.Builder
		b.WriteString(n.Street)
		if n.City != "" {
			b.WriteString(", ")
			b.WriteString(n.City)
		}
		b.WriteString(", ")
		b.WriteString(n.State)
		if n.Zip != "" {
			b.WriteString(" ")
			b.WriteString(n.Zip)
		}
		b.WriteString(", USA")
		return b.String()
	case MethodZipOnly:
		return n.Zip + ", USA"
	default:
		if n.City != "" && n.State != "" {
			return fmt.Sprintf("%s, %s, USA", n.City, n.State)
		}
		return stripCountry(n.Cleaned) + ", USA"
	}
}

// stripCountry drops a trailing USA/US/United States part so canonical output
// re-normalizes to itself.
func stripCountry(s string) string {
	parts := splitParts(s)
	if len(parts) == 0 {
		return s
	}
	switch strings.ToLower(parts[len(parts)-1]) {
	case "usa", "us", "united states", "united states of america":
		return strings.Join(parts[:len(parts)-1], ", ")
	}
	return s
}

func splitParts(s string) []string {
	var parts []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// extractState scans parts right to left for a two-letter USPS code or a full
// state name, removes it, and returns the remaining parts plus the code.
func extractState(parts []string) ([]string, string) {
	for i := len(parts) - 1; i >= 0; i-- {
		toks := strings.Fields(parts[i])
		if len(toks) == 0 {
			continue
		}
		last := strings.ToUpper(strings.TrimRight(toks[len(toks)-1], "."))
		if len(last) == 2 && stateCodes[last] {
			remainder := strings.Join(toks[:len(toks)-1], " ")
			out := replacePart(parts, i, remainder)
			return out, last
		}
		if code, ok := stateNames[strings.ToLower(parts[i])]; ok {
			return replacePart(parts, i, ""), code
		}
		// Full state name as the tail of a part ("Brooklyn New York").
		for j := len(toks) - 1; j > 0; j-- {
			tail := strings.ToLower(strings.Join(toks[j:], " "))
			if code, ok := stateNames[tail]; ok {
				remainder := strings.Join(toks[:j], " ")
				return replacePart(parts, i, remainder), code
			}
		}
	}
	return parts, ""
}

func replacePart(parts []string, i int, v string) []string {
	out := make([]string, 0, len(parts))
	for j, p := range parts {
		if j == i {
			p = strings.TrimSpace(v)
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitStreetCity handles comma-less inputs like "123 Main St Brooklyn" by
// splitting the first part after its street-type token.
func splitStreetCity(parts []string) []string {
	if len(parts) != 1 {
		return parts
	}
	toks := strings.Fields(parts[0])
	if len(toks) < 3 || !reHouseNum.MatchString(toks[0]) {
		return parts
	}
	for i := 1; i < len(toks)-1; i++ {
		if isStreetType(toks[i]) {
			street := strings.Join(toks[:i+1], " ")
			rest := strings.Join(toks[i+1:], " ")
			return []string{street, rest}
		}
	}
	return parts
}

func isStreetType(tok string) bool {
	return streetTypes[strings.ToLower(strings.TrimRight(tok, "."))]
}

// looksLikeHouseNumber reports whether a 5-digit token opening the string is
// followed inside its comma part by a street-type token, which marks it as a
// house number rather than a ZIP.
func looksLikeHouseNumber(s string, start, end int) bool {
	if start != 0 {
		return false
	}
	part := s[end:]
	if i := strings.IndexByte(part, ','); i >= 0 {
		part = part[:i]
	}
	for _, tok := range strings.Fields(part) {
		if isStreetType(tok) {
			return true
		}
	}
	return false
}

func isStreetPart(p string) bool {
	toks := strings.Fields(p)
	if len(toks) == 0 {
		return false
	}
	if reHouseNum.MatchString(toks[0]) && len(toks) > 1 && !unitTokens[strings.ToLower(toks[1])] {
		return true
	}
	return isStreetType(toks[len(toks)-1])
}

func isUnitPart(p string) bool {
	toks := strings.Fields(p)
	if len(toks) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimRight(toks[0], "."))
	return unitTokens[first] || strings.HasPrefix(first, "#")
}

func titleCase(s string) string {
	toks := strings.Fields(strings.ToLower(s))
	for i, tok := range toks {
		if len(tok) == 2 && stateCodes[strings.ToUpper(tok)] && i == len(toks)-1 {
			toks[i] = strings.ToUpper(tok)
			continue
		}
		r := []rune(tok)
		for j, c := range r {
			if c < 'a' || c > 'z' {
				continue
			}
			switch {
			case j == 0 || r[j-1] == '-' || r[j-1] == '\'':
				r[j] = c - 'a' + 'A'
			case j == len(r)-1 && r[j-1] >= '0' && r[j-1] <= '9':
				// Unit suffix letter ("3c" → "3C"); ordinals keep their tail.
				r[j] = c - 'a' + 'A'
			}
		}
		toks[i] = string(r)
	}
	return strings.Join(toks, " ")
}

func tidy(s string) string {
	s = reMultiSpace.ReplaceAllString(s, " ")
	s = reCommaSpace.ReplaceAllString(s, ", ")
	return strings.Trim(s, ", ")
}
