// Package meet schedules and looks up Google Meet meetings through the
// Google Calendar API.
package meet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/orca-platform/orca-server/internal/logging"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	DefaultDuration   = 30 * time.Minute
	DefaultStartDelay = 5 * time.Minute
	DefaultListSize   = 5

	// Only some calendar events carry a Meet conference, so listing
	// over-fetches by this factor before filtering.
	listOverFetch = 3

	primaryCalendar = "primary"
	meetSolution    = "Google Meet"
	defaultTimeout  = 30 * time.Second
)

type Options struct {
	// Endpoint overrides the Calendar API root, e.g. for tests.
	Endpoint   string
	HTTPClient *http.Client
	Now        func() time.Time
}

type Client struct {
	endpoint   string
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(opts Options) *Client {
	c := &Client{endpoint: opts.Endpoint, httpClient: opts.HTTPClient, now: opts.Now}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Meeting is a freshly created meeting.
type Meeting struct {
	MeetLink  string `json:"meetLink"`
	EventID   string `json:"eventId"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// ListedMeeting is one upcoming meeting.
type ListedMeeting struct {
	EventID   string   `json:"eventId"`
	Title     string   `json:"title"`
	MeetLink  string   `json:"meetLink"`
	StartTime string   `json:"startTime"`
	EndTime   string   `json:"endTime"`
	Attendees []string `json:"attendees"`
}

// MeetingDetails describes a single event. MeetLink and Description are
// null when the event has none.
type MeetingDetails struct {
	EventID     string   `json:"eventId"`
	Title       string   `json:"title"`
	MeetLink    *string  `json:"meetLink"`
	StartTime   string   `json:"startTime"`
	EndTime     string   `json:"endTime"`
	Description *string  `json:"description"`
	Attendees   []string `json:"attendees"`
	Status      string   `json:"status"`
}

type CreateResult struct {
	Success bool     `json:"success"`
	Meeting *Meeting `json:"meeting,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type ListResult struct {
	Success  bool            `json:"success"`
	Meetings []ListedMeeting `json:"meetings,omitzero"`
	Error    string          `json:"error,omitempty"`
}

type DetailsResult struct {
	Success bool            `json:"success"`
	Meeting *MeetingDetails `json:"meeting,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Create schedules a meeting with a Meet conference attached. A nil start
// means five minutes from now; a non-positive duration means 30 minutes.
func (c *Client) Create(ctx context.Context, accessToken, title string, start *time.Time, duration time.Duration) CreateResult {
	begin := c.now().Add(DefaultStartDelay)
	if start != nil {
		begin = *start
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	end := begin.Add(duration)

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Msg("calendar client setup failed")
		return CreateResult{Error: "Failed to create meeting"}
	}

	event := &calendar.Event{
		Summary: title,
		Start:   &calendar.EventDateTime{DateTime: formatTime(begin), TimeZone: "UTC"},
		End:     &calendar.EventDateTime{DateTime: formatTime(end), TimeZone: "UTC"},
		ConferenceData: &calendar.ConferenceData{
			CreateRequest: &calendar.CreateConferenceRequest{
				RequestId:             uuid.NewString(),
				ConferenceSolutionKey: &calendar.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		},
	}

	created, err := svc.Events.Insert(primaryCalendar, event).ConferenceDataVersion(1).Context(ctx).Do()
	if err != nil {
		return CreateResult{Error: apiError(ctx, err, "create", "Failed to create meeting")}
	}

	m := &Meeting{
		MeetLink:  videoLink(created),
		EventID:   created.Id,
		StartTime: formatTime(begin),
		EndTime:   formatTime(end),
	}
	if created.Start != nil && created.Start.DateTime != "" {
		m.StartTime = created.Start.DateTime
	}
	if created.End != nil && created.End.DateTime != "" {
		m.EndTime = created.End.DateTime
	}
	return CreateResult{Success: true, Meeting: m}
}

// ListUpcoming returns up to limit upcoming events that have a Meet
// conference, soonest first.
func (c *Client) ListUpcoming(ctx context.Context, accessToken string, limit int) ListResult {
	if limit <= 0 {
		limit = DefaultListSize
	}

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Msg("calendar client setup failed")
		return ListResult{Error: "Failed to list meetings"}
	}

	events, err := svc.Events.List(primaryCalendar).
		TimeMin(formatTime(c.now())).
		MaxResults(int64(limit * listOverFetch)).
		OrderBy("startTime").
		SingleEvents(true).
		Context(ctx).
		Do()
	if err != nil {
		return ListResult{Error: apiError(ctx, err, "list", "Failed to list meetings")}
	}

	meetings := []ListedMeeting{}
	for _, ev := range events.Items {
		if len(meetings) == limit {
			break
		}
		if !isMeetEvent(ev) {
			continue
		}
		meetings = append(meetings, ListedMeeting{
			EventID:   ev.Id,
			Title:     eventTitle(ev),
			MeetLink:  videoLink(ev),
			StartTime: eventTime(ev.Start),
			EndTime:   eventTime(ev.End),
			Attendees: attendees(ev),
		})
	}
	return ListResult{Success: true, Meetings: meetings}
}

// Details returns a single event from the primary calendar.
func (c *Client) Details(ctx context.Context, accessToken, eventID string) DetailsResult {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Msg("calendar client setup failed")
		return DetailsResult{Error: "Failed to get meeting details"}
	}

	ev, err := svc.Events.Get(primaryCalendar, eventID).Context(ctx).Do()
	if err != nil {
		return DetailsResult{Error: apiError(ctx, err, "details", "Failed to get meeting details")}
	}

	d := &MeetingDetails{
		EventID:   ev.Id,
		Title:     eventTitle(ev),
		StartTime: eventTime(ev.Start),
		EndTime:   eventTime(ev.End),
		Attendees: attendees(ev),
		Status:    ev.Status,
	}
	if link := videoLink(ev); link != "" {
		d.MeetLink = &link
	}
	if ev.Description != "" {
		desc := ev.Description
		d.Description = &desc
	}
	if d.Status == "" {
		d.Status = "confirmed"
	}
	return DetailsResult{Success: true, Meeting: d}
}

func (c *Client) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	base := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	authed := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))

	opts := []option.ClientOption{option.WithHTTPClient(authed)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	return calendar.NewService(ctx, opts...)
}

func apiError(ctx context.Context, err error, op, fallback string) string {
	log := logging.FromContext(ctx)
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		log.Warn().Str("op", op).Int("status", apiErr.Code).Str("message", apiErr.Message).Msg("calendar api error")
		return fmt.Sprintf("Calendar API error: %d", apiErr.Code)
	}
	log.Error().Err(err).Str("op", op).Msg("calendar request failed")
	return fallback
}

func isMeetEvent(ev *calendar.Event) bool {
	return ev.ConferenceData != nil &&
		ev.ConferenceData.ConferenceSolution != nil &&
		ev.ConferenceData.ConferenceSolution.Name == meetSolution
}

// videoLink is the URI of the event's video entry point, if any.
func videoLink(ev *calendar.Event) string {
	if ev.ConferenceData == nil {
		return ""
	}
	for _, ep := range ev.ConferenceData.EntryPoints {
		if ep.EntryPointType == "video" {
			return ep.Uri
		}
	}
	return ""
}

func eventTitle(ev *calendar.Event) string {
	if ev.Summary == "" {
		return "(No title)"
	}
	return ev.Summary
}

// eventTime prefers the timed start/end and falls back to the all-day date.
func eventTime(t *calendar.EventDateTime) string {
	if t == nil {
		return ""
	}
	if t.DateTime != "" {
		return t.DateTime
	}
	return t.Date
}

func attendees(ev *calendar.Event) []string {
	out := make([]string, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		out = append(out, a.Email)
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
