package chat

import (
	"strings"

	"github.com/orca-platform/orca-server/internal/tools"
)

const basePrompt = "You are Orca, an intelligent AI assistant embedded in the Orca orchestration platform. " +
	"You help users manage their knowledge bases, data pipelines, integrations, and agentic workflows. " +
	"Be concise, helpful, and friendly."

const emailGuidance = "The user has Gmail connected. You can send emails on their behalf using the send_email tool. " +
	"When the user asks you to send an email, use the tool; do not say you cannot send emails."

const meetingGuidance = "The user has Google Meet connected. You can create meetings (create_meeting), " +
	"list upcoming meetings (list_upcoming_meetings), and get meeting details (get_meeting_details). " +
	"When the user asks about meetings, use the appropriate tool."

const lookupGuidance = "You can search for places (search_places), get directions between locations (get_directions), " +
	"and get detailed place information (get_place_details). You can also search the web (web_search) " +
	"and read web pages (browse_url). When the user asks about locations, places, directions, or wants to " +
	"look something up online, use the appropriate tool. IMPORTANT: When calling location tools, always " +
	`include the full city and country name in the query for accurate results (e.g., "restaurants near ` +
	`Thamel, Kathmandu, Nepal" not just "restaurants near Thamel").`

// SystemPrompt describes only the tools in s.
func SystemPrompt(s tools.Set) string {
	parts := []string{basePrompt}
	if s.Email {
		parts = append(parts, emailGuidance)
	}
	if s.Meetings {
		parts = append(parts, meetingGuidance)
	}
	parts = append(parts, lookupGuidance)
	return strings.Join(parts, "\n\n")
}
