package maps

import (
	"regexp"
	"sort"
	"strings"
)

type categoryTag struct {
	keyword string
	tag     string
}

// categoryTags maps search keywords to OSM tags. Longer keywords are
// matched first so "coffee shop" wins over "coffee".
var categoryTags = sortByKeywordLength([]categoryTag{
	{"restaurant", "amenity=restaurant"},
	{"restaurants", "amenity=restaurant"},
	{"food", "amenity=restaurant"},
	{"dining", "amenity=restaurant"},
	{"eat", "amenity=restaurant"},
	{"cafe", "amenity=cafe"},
	{"cafes", "amenity=cafe"},
	{"coffee", "amenity=cafe"},
	{"coffee shop", "amenity=cafe"},
	{"coffee shops", "amenity=cafe"},
	{"hotel", "tourism=hotel"},
	{"hotels", "tourism=hotel"},
	{"hostel", "tourism=hostel"},
	{"hostels", "tourism=hostel"},
	{"hospital", "amenity=hospital"},
	{"hospitals", "amenity=hospital"},
	{"clinic", "amenity=clinic"},
	{"pharmacy", "amenity=pharmacy"},
	{"pharmacies", "amenity=pharmacy"},
	{"school", "amenity=school"},
	{"schools", "amenity=school"},
	{"university", "amenity=university"},
	{"college", "amenity=college"},
	{"bank", "amenity=bank"},
	{"banks", "amenity=bank"},
	{"atm", "amenity=atm"},
	{"gas station", "amenity=fuel"},
	{"fuel", "amenity=fuel"},
	{"petrol", "amenity=fuel"},
	{"parking", "amenity=parking"},
	{"supermarket", "shop=supermarket"},
	{"supermarkets", "shop=supermarket"},
	{"grocery", "shop=supermarket"},
	{"shop", "shop=convenience"},
	{"shops", "shop=convenience"},
	{"store", "shop=convenience"},
	{"bar", "amenity=bar"},
	{"bars", "amenity=bar"},
	{"pub", "amenity=pub"},
	{"pubs", "amenity=pub"},
	{"temple", "amenity=place_of_worship"},
	{"church", "amenity=place_of_worship"},
	{"mosque", "amenity=place_of_worship"},
	{"museum", "tourism=museum"},
	{"park", "leisure=park"},
	{"parks", "leisure=park"},
	{"gym", "leisure=fitness_centre"},
	{"fast food", "amenity=fast_food"},
	{"bakery", "shop=bakery"},
	{"library", "amenity=library"},
	{"police", "amenity=police"},
	{"post office", "amenity=post_office"},
	{"cinema", "amenity=cinema"},
	{"theater", "amenity=theatre"},
	{"theatre", "amenity=theatre"},
	{"dentist", "amenity=dentist"},
	{"doctor", "amenity=doctors"},
})

var fillerWords = compileFillers(
	"near", "in", "at", "around", "nearby", "close to", "next to", "by",
	"find", "search", "show", "get", "list", "best", "top", "good",
	"popular", "famous",
)

var spaceRun = regexp.MustCompile(`\s+`)

func sortByKeywordLength(tags []categoryTag) []categoryTag {
	sort.SliceStable(tags, func(i, j int) bool {
		return len(tags[i].keyword) > len(tags[j].keyword)
	})
	return tags
}

func compileFillers(words ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(words))
	for _, w := range words {
		out = append(out, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(w)+`\b`))
	}
	return out
}

// Category is a recognised "<category> near <location>" query.
type Category struct {
	Tag      string
	Location string
}

// ExtractCategory looks for a category keyword in query. The first keyword
// whose removal, together with the filler words, still leaves a location
// wins. ok is false when the query names no category or no location.
func ExtractCategory(query string) (Category, bool) {
	lower := strings.TrimSpace(strings.ToLower(query))

	for _, ct := range categoryTags {
		if !strings.Contains(lower, ct.keyword) {
			continue
		}
		location := strings.TrimSpace(strings.Replace(lower, ct.keyword, "", 1))
		for _, filler := range fillerWords {
			location = strings.TrimSpace(filler.ReplaceAllString(location, ""))
		}
		location = strings.TrimSpace(spaceRun.ReplaceAllString(location, " "))
		if location != "" {
			return Category{Tag: ct.tag, Location: location}, true
		}
	}
	return Category{}, false
}

// overpassFilter renders "key=value" as an Overpass tag filter. A value of
// "*" matches any element carrying the key.
func overpassFilter(tag string) string {
	key, value, _ := strings.Cut(tag, "=")
	if value == "*" {
		return `["` + key + `"]`
	}
	return `["` + key + `"="` + value + `"]`
}
