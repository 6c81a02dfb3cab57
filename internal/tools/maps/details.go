package maps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/orca-platform/orca-server/internal/logging"
)

var osmNodeID = regexp.MustCompile(`^[0-9]+$`)

type nominatimDetails struct {
	PlaceID   json.Number       `json:"place_id"`
	LocalName string            `json:"localname"`
	Names     map[string]string `json:"names"`
	Type      string            `json:"type"`
	Category  string            `json:"category"`
	Address   []struct {
		LocalName string `json:"localname"`
	} `json:"address"`
	ExtraTags map[string]string `json:"extratags"`
	Centroid  *struct {
		Coordinates []float64 `json:"coordinates"`
	} `json:"centroid"`
}

// PlaceDetails looks placeID up in Nominatim. Ids Nominatim does not know,
// such as OSM node ids from category search, are looked up in Overpass.
func (c *Client) PlaceDetails(ctx context.Context, placeID string) DetailsResult {
	log := logging.FromContext(ctx)

	params := url.Values{}
	params.Set("place_id", placeID)
	params.Set("format", "json")
	params.Set("addressdetails", "1")
	params.Set("extratags", "1")

	var d nominatimDetails
	if err := c.nominatim(ctx, "/details", params, &d); err != nil {
		if _, ok := asStatusError(err); ok {
			return c.osmNodeDetails(ctx, placeID)
		}
		log.Error().Err(err).Str("place_id", placeID).Msg("place details failed")
		return DetailsResult{Error: "Failed to get place details"}
	}

	var addr []string
	if d.LocalName != "" {
		addr = append(addr, d.LocalName)
	}
	for _, a := range d.Address {
		if a.LocalName != "" && !slices.Contains(addr, a.LocalName) {
			addr = append(addr, a.LocalName)
		}
	}

	details := &PlaceDetails{
		PlaceID: firstNonEmpty(d.PlaceID.String(), placeID),
		Name:    firstNonEmpty(d.LocalName, d.Names["name"]),
		Address: strings.Join(addr, ", "),
		Type:    firstNonEmpty(d.Type, d.Category),
		Website: firstNonEmpty(d.ExtraTags["website"], d.ExtraTags["url"]),
		Phone:   firstNonEmpty(d.ExtraTags["phone"], d.ExtraTags["contact:phone"]),
	}
	if d.Centroid != nil && len(d.Centroid.Coordinates) == 2 {
		details.Location = &Location{Latitude: d.Centroid.Coordinates[1], Longitude: d.Centroid.Coordinates[0]}
	}
	if h := d.ExtraTags["opening_hours"]; h != "" {
		details.Hours = []string{h}
	}
	return DetailsResult{Success: true, Place: details}
}

func (c *Client) osmNodeDetails(ctx context.Context, nodeID string) DetailsResult {
	if !osmNodeID.MatchString(nodeID) {
		return DetailsResult{Error: "Place not found"}
	}

	var resp overpassResponse
	if err := c.overpass(ctx, fmt.Sprintf("[out:json][timeout:10];node(%s);out body;", nodeID), &resp); err != nil {
		if se, ok := asStatusError(err); ok {
			return DetailsResult{Error: fmt.Sprintf("Lookup error: %d", se.Status)}
		}
		logging.FromContext(ctx).Error().Err(err).Str("place_id", nodeID).Msg("osm lookup failed")
		return DetailsResult{Error: "Failed to get place details"}
	}
	if len(resp.Elements) == 0 {
		return DetailsResult{Error: "Place not found"}
	}

	el := resp.Elements[0]
	details := &PlaceDetails{
		PlaceID: strconv.FormatInt(el.ID, 10),
		Name:    firstNonEmpty(el.Tags["name:en"], el.Tags["name"], "Unknown"),
		Address: joinAddress(el.Tags),
		Type:    elementType(el.Tags),
		Website: firstNonEmpty(el.Tags["website"], el.Tags["url"]),
		Phone:   firstNonEmpty(el.Tags["phone"], el.Tags["contact:phone"]),
	}
	if el.Lat != nil && el.Lon != nil {
		details.Location = &Location{Latitude: *el.Lat, Longitude: *el.Lon}
	}
	if h := el.Tags["opening_hours"]; h != "" {
		details.Hours = []string{h}
	}
	return DetailsResult{Success: true, Place: details}
}
