package maps

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/orca-platform/orca-server/internal/logging"
	"golang.org/x/sync/errgroup"
)

var routingProfiles = map[string]string{
	"driving": "driving",
	"drive":   "driving",
	"walking": "foot",
	"walk":    "foot",
	"cycling": "bike",
	"bicycle": "bike",
	"bike":    "bike",
}

// RoutingProfile maps a travel mode to an OSRM profile. Unknown modes,
// transit included, route by car.
func RoutingProfile(mode string) string {
	if p, ok := routingProfiles[strings.ToLower(strings.TrimSpace(mode))]; ok {
		return p
	}
	return "driving"
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Legs     []struct {
			Steps []osrmStep `json:"steps"`
		} `json:"legs"`
	} `json:"routes"`
}

type osrmStep struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	Name     string  `json:"name"`
	Maneuver struct {
		Type     string `json:"type"`
		Modifier string `json:"modifier"`
	} `json:"maneuver"`
}

func (s osrmStep) instruction() string {
	if s.Name != "" {
		return strings.TrimSpace(s.Maneuver.Modifier + " on " + s.Name)
	}
	return firstNonEmpty(s.Maneuver.Type, "Continue")
}

// Directions geocodes origin and destination concurrently and routes
// between them with OSRM.
func (c *Client) Directions(ctx context.Context, origin, destination, mode string) DirectionsResult {
	log := logging.FromContext(ctx)

	var from, to *candidate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		from, err = c.geocode(gctx, origin)
		return err
	})
	g.Go(func() (err error) {
		to, err = c.geocode(gctx, destination)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("geocoding for directions failed")
		return DirectionsResult{Error: "Failed to get directions"}
	}
	if from == nil {
		return DirectionsResult{Error: "Could not find location: " + origin}
	}
	if to == nil {
		return DirectionsResult{Error: "Could not find location: " + destination}
	}

	target := fmt.Sprintf("%s/route/v1/%s/%s,%s;%s,%s?overview=full&steps=true&geometries=geojson",
		c.osrmURL, RoutingProfile(mode),
		formatCoord(from.Lon), formatCoord(from.Lat),
		formatCoord(to.Lon), formatCoord(to.Lat))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		log.Error().Err(err).Msg("build routing request")
		return DirectionsResult{Error: "Failed to get directions"}
	}

	var resp osrmResponse
	if err := c.do(req, "osrm", &resp); err != nil {
		if se, ok := asStatusError(err); ok {
			return DirectionsResult{Error: fmt.Sprintf("Routing error: %d", se.Status)}
		}
		log.Error().Err(err).Msg("routing failed")
		return DirectionsResult{Error: "Failed to get directions"}
	}
	if resp.Code != "Ok" || len(resp.Routes) == 0 {
		return DirectionsResult{Error: "No route found between those locations"}
	}

	route := resp.Routes[0]
	steps := []Step{}
	if len(route.Legs) > 0 {
		for _, s := range route.Legs[0].Steps {
			if s.Maneuver.Type == "arrive" && s.Distance <= 0 {
				continue
			}
			steps = append(steps, Step{
				Instruction: s.instruction(),
				Distance:    FormatDistance(s.Distance),
				Duration:    FormatDuration(s.Duration),
			})
		}
	}

	return DirectionsResult{
		Success: true,
		Directions: &Directions{
			Distance:     FormatDistance(route.Distance),
			Duration:     FormatDuration(route.Duration),
			StartAddress: from.DisplayName,
			EndAddress:   to.DisplayName,
			Steps:        steps,
		},
	}
}
