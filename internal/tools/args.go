package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tool names offered to the model.
const (
	SendEmail      = "send_email"
	CreateMeeting  = "create_meeting"
	ListMeetings   = "list_upcoming_meetings"
	MeetingDetails = "get_meeting_details"
	SearchPlaces   = "search_places"
	Directions     = "get_directions"
	PlaceDetails   = "get_place_details"
	WebSearch      = "web_search"
	BrowseURL      = "browse_url"
)

// maxResultsCap bounds model supplied max_results values.
const maxResultsCap = 20

// failureText is the error reported to the model when a call to the tool
// cannot be carried out at all.
var failureText = map[string]string{
	SendEmail:      "Failed to send email",
	CreateMeeting:  "Failed to create meeting",
	ListMeetings:   "Failed to list meetings",
	MeetingDetails: "Failed to get meeting details",
	SearchPlaces:   "Failed to search places",
	Directions:     "Failed to get directions",
	PlaceDetails:   "Failed to get place details",
	WebSearch:      "Failed to search the web",
	BrowseURL:      "Failed to browse URL",
}

var ErrUnknownTool = errors.New("unknown tool")

// ArgumentError reports tool arguments the model got wrong. Its message is
// returned to the model verbatim so it can correct the call.
type ArgumentError struct {
	Tool    string
	Message string
}

func (e *ArgumentError) Error() string {
	return e.Message
}

// Args is the decoded, typed argument set of one tool call.
type Args interface {
	Tool() string
	Validate() error
}

type SendEmailArgs struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (SendEmailArgs) Tool() string { return SendEmail }

func (a SendEmailArgs) Validate() error {
	if strings.TrimSpace(a.To) == "" || a.Subject == "" || a.Body == "" {
		return &ArgumentError{Tool: SendEmail, Message: "Missing required fields: to, subject, body"}
	}
	return nil
}

type CreateMeetingArgs struct {
	Title           string   `json:"title"`
	StartTime       string   `json:"start_time,omitempty"`
	DurationMinutes *float64 `json:"duration_minutes,omitempty"`
}

func (CreateMeetingArgs) Tool() string { return CreateMeeting }

func (a CreateMeetingArgs) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return &ArgumentError{Tool: CreateMeeting, Message: "Missing required field: title"}
	}
	if _, err := a.Start(); err != nil {
		return err
	}
	return nil
}

// startLayouts are the ISO 8601 forms accepted for start_time. Times
// without an offset are taken as UTC.
var startLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Start parses start_time. It returns nil when no start was given.
func (a CreateMeetingArgs) Start() (*time.Time, error) {
	s := strings.TrimSpace(a.StartTime)
	if s == "" {
		return nil, nil
	}
	for _, layout := range startLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, &ArgumentError{
		Tool:    CreateMeeting,
		Message: fmt.Sprintf("Invalid start_time %q: expected an ISO 8601 timestamp", a.StartTime),
	}
}

// Duration is duration_minutes as a time.Duration, zero when unset.
func (a CreateMeetingArgs) Duration() time.Duration {
	if a.DurationMinutes == nil || *a.DurationMinutes <= 0 {
		return 0
	}
	return time.Duration(*a.DurationMinutes * float64(time.Minute))
}

type ListMeetingsArgs struct {
	MaxResults *float64 `json:"max_results,omitempty"`
}

func (ListMeetingsArgs) Tool() string { return ListMeetings }

func (ListMeetingsArgs) Validate() error { return nil }

type MeetingDetailsArgs struct {
	EventID string `json:"event_id"`
}

func (MeetingDetailsArgs) Tool() string { return MeetingDetails }

func (a MeetingDetailsArgs) Validate() error {
	if strings.TrimSpace(a.EventID) == "" {
		return &ArgumentError{Tool: MeetingDetails, Message: "Missing required field: event_id"}
	}
	return nil
}

type SearchPlacesArgs struct {
	Query      string   `json:"query"`
	MaxResults *float64 `json:"max_results,omitempty"`
}

func (SearchPlacesArgs) Tool() string { return SearchPlaces }

func (a SearchPlacesArgs) Validate() error {
	if strings.TrimSpace(a.Query) == "" {
		return &ArgumentError{Tool: SearchPlaces, Message: "Missing required field: query"}
	}
	return nil
}

type DirectionsArgs struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	TravelMode  string `json:"travel_mode,omitempty"`
}

func (DirectionsArgs) Tool() string { return Directions }

func (a DirectionsArgs) Validate() error {
	if strings.TrimSpace(a.Origin) == "" || strings.TrimSpace(a.Destination) == "" {
		return &ArgumentError{Tool: Directions, Message: "Missing required fields: origin, destination"}
	}
	return nil
}

type PlaceDetailsArgs struct {
	PlaceID string `json:"place_id"`
}

func (PlaceDetailsArgs) Tool() string { return PlaceDetails }

func (a PlaceDetailsArgs) Validate() error {
	if strings.TrimSpace(a.PlaceID) == "" {
		return &ArgumentError{Tool: PlaceDetails, Message: "Missing required field: place_id"}
	}
	return nil
}

type WebSearchArgs struct {
	Query      string   `json:"query"`
	MaxResults *float64 `json:"max_results,omitempty"`
}

func (WebSearchArgs) Tool() string { return WebSearch }

func (a WebSearchArgs) Validate() error {
	if strings.TrimSpace(a.Query) == "" {
		return &ArgumentError{Tool: WebSearch, Message: "Missing required field: query"}
	}
	return nil
}

type BrowseURLArgs struct {
	URL string `json:"url"`
}

func (BrowseURLArgs) Tool() string { return BrowseURL }

func (a BrowseURLArgs) Validate() error {
	if strings.TrimSpace(a.URL) == "" {
		return &ArgumentError{Tool: BrowseURL, Message: "Missing required field: url"}
	}
	return nil
}

// Decode parses the JSON arguments of a call to the named tool and
// validates them. Unknown names yield ErrUnknownTool; anything the model got
// wrong yields an *ArgumentError.
func Decode(name, raw string) (Args, error) {
	var args Args
	switch name {
	case SendEmail:
		args = &SendEmailArgs{}
	case CreateMeeting:
		args = &CreateMeetingArgs{}
	case ListMeetings:
		args = &ListMeetingsArgs{}
	case MeetingDetails:
		args = &MeetingDetailsArgs{}
	case SearchPlaces:
		args = &SearchPlacesArgs{}
	case Directions:
		args = &DirectionsArgs{}
	case PlaceDetails:
		args = &PlaceDetailsArgs{}
	case WebSearch:
		args = &WebSearchArgs{}
	case BrowseURL:
		args = &BrowseURLArgs{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), args); err != nil {
		return nil, &ArgumentError{Tool: name, Message: failureText[name]}
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	return args, nil
}

// limit converts an optional max_results into a bounded count. Zero means
// the adapter default.
func limit(v *float64) int {
	if v == nil || *v < 1 {
		return 0
	}
	if *v > maxResultsCap {
		return maxResultsCap
	}
	return int(*v)
}
