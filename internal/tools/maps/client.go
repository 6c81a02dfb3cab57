// Package maps answers place, direction and place-detail questions using
// the public OpenStreetMap services: Nominatim for geocoding and lookups,
// Overpass for category search and OSRM for routing.
package maps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/orca-platform/orca-server/internal/logging"
	"github.com/orca-platform/orca-server/internal/util"
	"github.com/orca-platform/orca-server/internal/version"
	"golang.org/x/time/rate"
)

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	DefaultOverpassURL  = "https://overpass-api.de/api/interpreter"
	DefaultOSRMURL      = "https://router.project-osrm.org"

	defaultTimeout = 15 * time.Second
)

// Options configures a Client. Zero values fall back to the public endpoints.
type Options struct {
	NominatimURL string
	OverpassURL  string
	OSRMURL      string
	UserAgent    string
	HTTPClient   *http.Client
	// Limiter throttles Nominatim requests. Their usage policy allows one
	// request per second.
	Limiter *rate.Limiter
}

// Client talks to Nominatim, Overpass and OSRM.
type Client struct {
	nominatimURL string
	overpassURL  string
	osrmURL      string
	userAgent    string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

func NewClient(opts Options) *Client {
	c := &Client{
		nominatimURL: strings.TrimRight(firstNonEmpty(opts.NominatimURL, DefaultNominatimURL), "/"),
		overpassURL:  firstNonEmpty(opts.OverpassURL, DefaultOverpassURL),
		osrmURL:      strings.TrimRight(firstNonEmpty(opts.OSRMURL, DefaultOSRMURL), "/"),
		userAgent:    firstNonEmpty(opts.UserAgent, version.UserAgent()),
		httpClient:   opts.HTTPClient,
		limiter:      opts.Limiter,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Limit(1), 2)
	}
	return c
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Place is one search hit.
type Place struct {
	PlaceID  string    `json:"placeId"`
	Name     string    `json:"name"`
	Address  string    `json:"address"`
	Type     string    `json:"type,omitempty"`
	Location *Location `json:"location,omitempty"`
}

// PlaceDetails is the detailed view of a single place.
type PlaceDetails struct {
	PlaceID  string    `json:"placeId"`
	Name     string    `json:"name"`
	Address  string    `json:"address"`
	Type     string    `json:"type,omitempty"`
	Location *Location `json:"location,omitempty"`
	Website  string    `json:"website,omitempty"`
	Phone    string    `json:"phone,omitempty"`
	Hours    []string  `json:"hours,omitempty"`
}

// Step is one maneuver of a route.
type Step struct {
	Instruction string `json:"instruction"`
	Distance    string `json:"distance"`
	Duration    string `json:"duration"`
}

// Directions is a formatted route between two addresses.
type Directions struct {
	Distance     string `json:"distance"`
	Duration     string `json:"duration"`
	StartAddress string `json:"startAddress"`
	EndAddress   string `json:"endAddress"`
	Steps        []Step `json:"steps"`
}

type SearchResult struct {
	Success bool    `json:"success"`
	Places  []Place `json:"places,omitzero"`
	Error   string  `json:"error,omitempty"`
}

type DirectionsResult struct {
	Success    bool        `json:"success"`
	Directions *Directions `json:"directions,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type DetailsResult struct {
	Success bool          `json:"success"`
	Place   *PlaceDetails `json:"place,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// statusError is a non-2xx answer from one of the map services.
type statusError struct {
	Service string
	Status  int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Service, e.Status)
}

func asStatusError(err error) (*statusError, bool) {
	var se *statusError
	ok := errors.As(err, &se)
	return se, ok
}

func (c *Client) nominatim(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.nominatimURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build nominatim request: %w", err)
	}
	return c.do(req, "nominatim", out)
}

func (c *Client) overpass(ctx context.Context, query string, out any) error {
	body := "data=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.overpassURL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build overpass request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, "overpass", out)
}

func (c *Client) do(req *http.Request, service string, out any) error {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logging.FromContext(req.Context()).Warn().
			Str("service", service).
			Int("status", resp.StatusCode).
			Str("body", util.TruncateBytes(body)).
			Msg("map service error")
		return &statusError{Service: service, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", service, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
