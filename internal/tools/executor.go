package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orca-platform/orca-server/internal/auth/token"
	"github.com/orca-platform/orca-server/internal/logging"
	"github.com/orca-platform/orca-server/internal/metrics"
	"github.com/orca-platform/orca-server/internal/telemetry"
	"github.com/orca-platform/orca-server/internal/tools/gmail"
	"github.com/orca-platform/orca-server/internal/tools/maps"
	"github.com/orca-platform/orca-server/internal/tools/meet"
	"github.com/orca-platform/orca-server/internal/tools/web"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Call outcomes recorded in metrics.
const (
	OutcomeOK           = "ok"
	OutcomeError        = "error"
	OutcomeInvalidArgs  = "invalid_args"
	OutcomeNotConnected = "not_connected"
	OutcomeUnknown      = "unknown"
)

// Call is one function call requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID, providerID string) (token.Access, error)
}

type Mailer interface {
	Send(ctx context.Context, accessToken, to, subject, body string) gmail.SendResult
}

type Calendar interface {
	Create(ctx context.Context, accessToken, title string, start *time.Time, duration time.Duration) meet.CreateResult
	ListUpcoming(ctx context.Context, accessToken string, limit int) meet.ListResult
	Details(ctx context.Context, accessToken, eventID string) meet.DetailsResult
}

type Maps interface {
	SearchPlaces(ctx context.Context, query string, maxResults int) maps.SearchResult
	Directions(ctx context.Context, origin, destination, mode string) maps.DirectionsResult
	PlaceDetails(ctx context.Context, placeID string) maps.DetailsResult
}

type Web interface {
	Search(ctx context.Context, query string, maxResults int) web.SearchResult
	Browse(ctx context.Context, rawURL string) web.BrowseResult
}

type Deps struct {
	Tokens   TokenSource
	Mail     Mailer
	Calendar Calendar
	Maps     Maps
	Web      Web
	Metrics  metrics.Recorder
}

// Executor runs tool calls on behalf of a user. Every call produces a JSON
// string for the model, including failures.
type Executor struct {
	deps Deps
}

func NewExecutor(deps Deps) *Executor {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	return &Executor{deps: deps}
}

// errorPayload is the result of a call that never reached an adapter.
type errorPayload struct {
	Error string `json:"error"`
}

// Execute runs call for userID and returns the JSON result.
func (e *Executor) Execute(ctx context.Context, userID string, call Call) string {
	ctx, span := telemetry.StartSpan(ctx, "tool."+call.Name, trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	start := time.Now()

	result, outcome := e.run(ctx, userID, call)

	var spanErr error
	if outcome != OutcomeOK {
		spanErr = errors.New(outcome)
	}
	telemetry.EndSpan(span, spanErr)
	elapsed := time.Since(start)
	e.deps.Metrics.RecordToolCall(call.Name, outcome, elapsed)

	logging.FromContext(ctx).Info().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Str("outcome", outcome).
		Dur("duration", elapsed).
		Msg("🔧 tool call finished")

	out, err := json.Marshal(result)
	if err != nil {
		out, _ = json.Marshal(errorPayload{Error: failureText[call.Name]})
	}
	return string(out)
}

func (e *Executor) run(ctx context.Context, userID string, call Call) (any, string) {
	args, err := Decode(call.Name, call.Arguments)
	if errors.Is(err, ErrUnknownTool) {
		return errorPayload{Error: "Unknown tool: " + call.Name}, OutcomeUnknown
	}
	var argErr *ArgumentError
	if errors.As(err, &argErr) {
		return errorPayload{Error: argErr.Message}, OutcomeInvalidArgs
	}
	if err != nil {
		return errorPayload{Error: failureText[call.Name]}, OutcomeError
	}

	switch a := args.(type) {
	case *SendEmailArgs:
		tok, fail, outcome := e.token(ctx, userID, GmailProvider, call.Name)
		if fail != nil {
			return fail, outcome
		}
		res := e.deps.Mail.Send(ctx, tok, a.To, a.Subject, a.Body)
		return res, outcomeOf(res.Success)

	case *CreateMeetingArgs:
		tok, fail, outcome := e.token(ctx, userID, MeetProvider, call.Name)
		if fail != nil {
			return fail, outcome
		}
		start, _ := a.Start()
		res := e.deps.Calendar.Create(ctx, tok, a.Title, start, a.Duration())
		return res, outcomeOf(res.Success)

	case *ListMeetingsArgs:
		tok, fail, outcome := e.token(ctx, userID, MeetProvider, call.Name)
		if fail != nil {
			return fail, outcome
		}
		res := e.deps.Calendar.ListUpcoming(ctx, tok, limit(a.MaxResults))
		return res, outcomeOf(res.Success)

	case *MeetingDetailsArgs:
		tok, fail, outcome := e.token(ctx, userID, MeetProvider, call.Name)
		if fail != nil {
			return fail, outcome
		}
		res := e.deps.Calendar.Details(ctx, tok, a.EventID)
		return res, outcomeOf(res.Success)

	case *SearchPlacesArgs:
		res := e.deps.Maps.SearchPlaces(ctx, a.Query, limit(a.MaxResults))
		return res, outcomeOf(res.Success)

	case *DirectionsArgs:
		res := e.deps.Maps.Directions(ctx, a.Origin, a.Destination, a.TravelMode)
		return res, outcomeOf(res.Success)

	case *PlaceDetailsArgs:
		res := e.deps.Maps.PlaceDetails(ctx, a.PlaceID)
		return res, outcomeOf(res.Success)

	case *WebSearchArgs:
		res := e.deps.Web.Search(ctx, a.Query, limit(a.MaxResults))
		return res, outcomeOf(res.Success)

	case *BrowseURLArgs:
		res := e.deps.Web.Browse(ctx, a.URL)
		return res, outcomeOf(res.Success)
	}
	return errorPayload{Error: "Unknown tool: " + call.Name}, OutcomeUnknown
}

// token fetches the access token for providerID. On failure it returns the
// payload to hand back to the model instead.
func (e *Executor) token(ctx context.Context, userID, providerID, tool string) (string, *errorPayload, string) {
	access, err := e.deps.Tokens.GetValidAccessToken(ctx, userID, providerID)
	if err == nil {
		return access.Token, nil, OutcomeOK
	}

	name := providerName(providerID)
	log := logging.FromContext(ctx).Warn().Err(err).Str("tool", tool).Str("provider", providerID)
	switch {
	case errors.Is(err, token.ErrNotConnected):
		log.Msg("tool needs a connection the user does not have")
		return "", &errorPayload{Error: fmt.Sprintf(
			"%s is not connected. Please connect %s in the Integrations page first.", name, name)}, OutcomeNotConnected
	case errors.Is(err, token.ErrTokenRefreshFailed):
		log.Msg("access token could not be refreshed")
		return "", &errorPayload{Error: fmt.Sprintf(
			"%s access has expired. Please reconnect %s in the Integrations page.", name, name)}, OutcomeError
	default:
		log.Msg("failed to load access token")
		return "", &errorPayload{Error: failureText[tool]}, OutcomeError
	}
}

func providerName(providerID string) string {
	switch providerID {
	case GmailProvider:
		return "Gmail"
	case MeetProvider:
		return "Google Meet"
	}
	return providerID
}

func outcomeOf(success bool) string {
	if success {
		return OutcomeOK
	}
	return OutcomeError
}
