package maps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/orca-platform/orca-server/internal/logging"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxResults = 5

	categoryRadiusMeters = 5000
	candidatesPerQuery   = 5
	// Geocoding stops issuing broader queries once this many distinct
	// candidates are known.
	enoughCandidates = 6
)

type candidate struct {
	Lat         float64
	Lon         float64
	DisplayName string
}

type nominatimHit struct {
	PlaceID     json.Number `json:"place_id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name"`
	Type        string      `json:"type"`
	Class       string      `json:"class"`
	Lat         string      `json:"lat"`
	Lon         string      `json:"lon"`
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	ID     int64    `json:"id"`
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Center *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"center"`
	Tags map[string]string `json:"tags"`
}

// SearchPlaces finds places matching a free-text query. Category queries
// ("cafes near Thamel, Kathmandu") are answered by Overpass around each
// geocoded candidate of the location, keeping the candidate with the most
// hits. Everything else, and categories with no hits anywhere, go to
// Nominatim's free-text search.
func (c *Client) SearchPlaces(ctx context.Context, query string, maxResults int) SearchResult {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	log := logging.FromContext(ctx)

	if cat, ok := ExtractCategory(query); ok {
		candidates, err := c.geocodeCandidates(ctx, cat.Location, candidatesPerQuery, enoughCandidates)
		if err != nil {
			log.Error().Err(err).Str("location", cat.Location).Msg("geocoding failed")
			return SearchResult{Error: "Failed to search places"}
		}

		best, err := c.bestCategoryResults(ctx, cat.Tag, candidates, maxResults)
		if err != nil {
			log.Error().Err(err).Str("tag", cat.Tag).Msg("category search failed")
			return SearchResult{Error: "Failed to search places"}
		}
		if len(best) > 0 {
			return SearchResult{Success: true, Places: best}
		}
		if len(candidates) == 0 {
			return SearchResult{Error: "Could not find location: " + cat.Location}
		}
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("addressdetails", "1")
	params.Set("extratags", "1")
	params.Set("limit", strconv.Itoa(maxResults))

	var hits []nominatimHit
	if err := c.nominatim(ctx, "/search", params, &hits); err != nil {
		if se, ok := asStatusError(err); ok {
			return SearchResult{Error: fmt.Sprintf("Search error: %d", se.Status)}
		}
		log.Error().Err(err).Msg("place search failed")
		return SearchResult{Error: "Failed to search places"}
	}

	places := make([]Place, 0, len(hits))
	for _, h := range hits {
		name := h.Name
		if name == "" {
			name, _, _ = strings.Cut(h.DisplayName, ",")
		}
		places = append(places, Place{
			PlaceID:  h.PlaceID.String(),
			Name:     name,
			Address:  h.DisplayName,
			Type:     firstNonEmpty(h.Type, h.Class),
			Location: parseLocation(h.Lat, h.Lon),
		})
	}
	return SearchResult{Success: true, Places: places}
}

// bestCategoryResults runs the Overpass search around every candidate
// concurrently and returns the first result set with strictly the most
// places.
func (c *Client) bestCategoryResults(ctx context.Context, tag string, candidates []candidate, limit int) ([]Place, error) {
	results := make([][]Place, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, cand := range candidates {
		g.Go(func() error {
			places, err := c.searchOverpass(gctx, tag, cand.Lat, cand.Lon, categoryRadiusMeters, limit)
			if err != nil {
				return err
			}
			results[i] = places
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var best []Place
	for _, places := range results {
		if len(places) > len(best) {
			best = places
		}
	}
	return best, nil
}

func (c *Client) searchOverpass(ctx context.Context, tag string, lat, lon float64, radius, limit int) ([]Place, error) {
	filter := overpassFilter(tag)
	around := fmt.Sprintf("(around:%d,%s,%s)", radius, formatCoord(lat), formatCoord(lon))
	query := fmt.Sprintf("[out:json][timeout:10];(node%s%s;way%s%s;);out center body qt %d;",
		filter, around, filter, around, limit)

	var resp overpassResponse
	if err := c.overpass(ctx, query, &resp); err != nil {
		// A busy Overpass instance only means no hits for this candidate.
		if _, ok := asStatusError(err); ok {
			return nil, nil
		}
		return nil, err
	}

	places := make([]Place, 0, len(resp.Elements))
	for _, el := range resp.Elements {
		places = append(places, Place{
			PlaceID:  strconv.FormatInt(el.ID, 10),
			Name:     firstNonEmpty(el.Tags["name:en"], el.Tags["name"], el.Tags["brand"], "Unnamed"),
			Address:  joinAddress(el.Tags),
			Type:     elementType(el.Tags),
			Location: el.location(),
		})
	}
	return places, nil
}

// geocodeCandidates resolves address to distinct coordinates. It tries the
// full string, then the words comma-joined, then progressively drops leading
// words, stopping once enough candidates are known. Candidates closer than
// two decimal places are treated as one.
func (c *Client) geocodeCandidates(ctx context.Context, address string, perQuery, enough int) ([]candidate, error) {
	address = strings.TrimSpace(address)
	words := strings.FieldsFunc(address, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	queries := []string{address}
	if len(words) >= 2 {
		queries = append(queries, strings.Join(words, ", "))
	}
	for i := 1; i < len(words); i++ {
		queries = append(queries, strings.Join(words[i:], " "))
	}

	seen := make(map[string]bool)
	var out []candidate
	for _, q := range queries {
		params := url.Values{}
		params.Set("q", q)
		params.Set("format", "json")
		params.Set("limit", strconv.Itoa(perQuery))

		var hits []nominatimHit
		if err := c.nominatim(ctx, "/search", params, &hits); err != nil {
			if _, ok := asStatusError(err); ok {
				continue
			}
			return nil, err
		}
		for _, h := range hits {
			lat, errLat := strconv.ParseFloat(h.Lat, 64)
			lon, errLon := strconv.ParseFloat(h.Lon, 64)
			if errLat != nil || errLon != nil {
				continue
			}
			key := strconv.FormatFloat(lat, 'f', 2, 64) + "," + strconv.FormatFloat(lon, 'f', 2, 64)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, candidate{
				Lat:         lat,
				Lon:         lon,
				DisplayName: firstNonEmpty(h.DisplayName, address),
			})
		}
		if len(out) >= enough {
			break
		}
	}
	return out, nil
}

// geocode returns the best single match for address, or nil.
func (c *Client) geocode(ctx context.Context, address string) (*candidate, error) {
	cands, err := c.geocodeCandidates(ctx, address, 1, 1)
	if err != nil || len(cands) == 0 {
		return nil, err
	}
	return &cands[0], nil
}

func (el overpassElement) location() *Location {
	switch {
	case el.Lat != nil && el.Lon != nil:
		return &Location{Latitude: *el.Lat, Longitude: *el.Lon}
	case el.Center != nil:
		return &Location{Latitude: el.Center.Lat, Longitude: el.Center.Lon}
	}
	return nil
}

func joinAddress(tags map[string]string) string {
	var parts []string
	for _, k := range []string{"addr:street", "addr:city", "addr:postcode"} {
		if v := tags[k]; v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}

func elementType(tags map[string]string) string {
	return firstNonEmpty(tags["amenity"], tags["tourism"], tags["shop"], tags["leisure"])
}

func parseLocation(lat, lon string) *Location {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return nil
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return nil
	}
	return &Location{Latitude: la, Longitude: lo}
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
