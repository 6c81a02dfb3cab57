// Package tools decodes, validates and executes the function calls the chat
// model makes, and describes the available functions to it.
package tools

import (
	"github.com/orca-platform/orca-server/internal/llm"
)

// Set selects the tool groups offered in a chat turn. Map and web tools are
// always offered.
type Set struct {
	Email    bool
	Meetings bool
}

// Provider ids that unlock tool groups.
const (
	GmailProvider = "gmail"
	MeetProvider  = "google_meet"
)

// SetFor derives the tool set from the user's connected providers.
func SetFor(connected map[string]bool) Set {
	return Set{
		Email:    connected[GmailProvider],
		Meetings: connected[MeetProvider],
	}
}

// Definitions returns the function definitions for the set, in the order
// they are offered to the model.
func Definitions(s Set) []llm.Tool {
	var defs []llm.Tool
	if s.Email {
		defs = append(defs, sendEmailTool)
	}
	if s.Meetings {
		defs = append(defs, createMeetingTool, listMeetingsTool, meetingDetailsTool)
	}
	defs = append(defs, searchPlacesTool, directionsTool, placeDetailsTool)
	defs = append(defs, webSearchTool, browseURLTool)
	return defs
}

func function(name, description string, properties map[string]any, required ...string) llm.Tool {
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return llm.Tool{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

var (
	sendEmailTool = function(SendEmail,
		"Send an email via the user's connected Gmail account",
		map[string]any{
			"to":      prop("string", "Recipient email address"),
			"subject": prop("string", "Email subject"),
			"body":    prop("string", "Email body text"),
		},
		"to", "subject", "body")

	createMeetingTool = function(CreateMeeting,
		"Create a Google Meet video conference meeting",
		map[string]any{
			"title":            prop("string", "Meeting title"),
			"start_time":       prop("string", "Start time as ISO 8601 string (optional, defaults to now + 5 min)"),
			"duration_minutes": prop("number", "Duration in minutes (optional, defaults to 30)"),
		},
		"title")

	listMeetingsTool = function(ListMeetings,
		"List upcoming Google Meet meetings from the user's calendar",
		map[string]any{
			"max_results": prop("number", "Maximum number of meetings to return (optional, defaults to 5)"),
		})

	meetingDetailsTool = function(MeetingDetails,
		"Get details of a specific Google Meet meeting by event ID",
		map[string]any{
			"event_id": prop("string", "The calendar event ID"),
		},
		"event_id")

	searchPlacesTool = function(SearchPlaces,
		"Search for places, businesses, or points of interest on the map",
		map[string]any{
			"query": prop("string", `Search query, ALWAYS include city and country for accuracy `+
				`(e.g., "coffee shops near Thamel, Kathmandu, Nepal" or "hotels in San Francisco, USA")`),
			"max_results": prop("number", "Maximum number of results to return (optional, defaults to 5)"),
		},
		"query")

	directionsTool = function(Directions,
		"Get directions and travel information between two locations",
		map[string]any{
			"origin":      prop("string", "Starting address or location, include city and country for accuracy"),
			"destination": prop("string", "Destination address or location, include city and country for accuracy"),
			"travel_mode": prop("string", "Travel mode: DRIVE, WALK, BICYCLE, or TRANSIT (optional, defaults to DRIVE)"),
		},
		"origin", "destination")

	placeDetailsTool = function(PlaceDetails,
		"Get detailed information about a specific place by its place ID (from search results)",
		map[string]any{
			"place_id": prop("string", "The place ID from search results"),
		},
		"place_id")

	webSearchTool = function(WebSearch,
		"Search the web for information using DuckDuckGo",
		map[string]any{
			"query":       prop("string", "Search query"),
			"max_results": prop("number", "Maximum number of results (optional, defaults to 5)"),
		},
		"query")

	browseURLTool = function(BrowseURL,
		"Read the content of a web page at the given URL",
		map[string]any{
			"url": prop("string", "The URL to read"),
		},
		"url")
)
