package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/pulseloop/coach/internal/events"
	"github.com/pulseloop/coach/internal/llm"
	"github.com/pulseloop/coach/internal/logging"
	"github.com/pulseloop/coach/internal/memory"
	"github.com/pulseloop/coach/internal/metrics"
	"github.com/pulseloop/coach/internal/types"
)

// Generator renders notification content: an LLM pass personalized with the
// user's memory context, falling back to the static template catalog when the
// model is unavailable or slow.
type Generator struct {
	provider llm.Provider
	mem      *memory.Manager
	detector *events.Detector
	sink     metrics.Sink
}

// New wires a generator. provider may be nil; every render then uses the
// template catalog.
func New(provider llm.Provider, mem *memory.Manager, detector *events.Detector, sink metrics.Sink) *Generator {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Generator{provider: provider, mem: mem, detector: detector, sink: sink}
}

// Request describes the notification to render. Variant, when set, carries
// the user's experiment arm: a fixed title/body override for the template
// path and an extra instruction for the LLM path.
type Request struct {
	UserID  string
	Type    string
	Intent  string // one-line description of what the notification is for
	Profile *types.UserProfile
	Payload map[string]any
	Variant *types.ABVariant
}

// Generate renders the notification. It never fails: any LLM-path error
// degrades to the template fallback.
func (g *Generator) Generate(ctx context.Context, req Request) *types.Notification {
	if g.provider != nil {
		if n, err := g.generateLLM(ctx, req); err == nil {
			g.sink.Incr("notification.generated.llm", map[string]string{"type": req.Type})
			return n
		} else {
			logging.Degraded("generator", "llm generation failed, using template: %v", err)
		}
	}
	g.sink.Incr("notification.generated.template", map[string]string{"type": req.Type})
	return g.fromTemplate(req)
}

func (g *Generator) generateLLM(ctx context.Context, req Request) (*types.Notification, error) {
	system := personaInstruction(req.Profile)

	query := req.Type
	if req.Intent != "" {
		query += " " + req.Intent
	}
	userCtx := ""
	if g.mem != nil {
		userCtx = g.mem.GetContext(ctx, req.UserID, query, memory.ContextOptions{IncludeLongTerm: true})
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a short notification of type %q.\n", req.Type)
	if req.Intent != "" {
		fmt.Fprintf(&sb, "Purpose: %s\n", req.Intent)
	}
	if userCtx != "" {
		fmt.Fprintf(&sb, "\nWhat you know about the user:\n%s\n", userCtx)
	}
	if g.detector != nil {
		if instr := eventInstructions(g.detector.Active(req.UserID)); instr != "" {
			fmt.Fprintf(&sb, "\n%s\n", instr)
		}
	}
	if req.Variant != nil && req.Variant.Instruction != "" {
		fmt.Fprintf(&sb, "\n%s\n", req.Variant.Instruction)
	}
	sb.WriteString("\nRespond with the title on the first line and the body on the following lines. Keep the body under 200 characters. No markdown.")

	resp, err := g.provider.ChatCompletion(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: sb.String()},
	})
	if err != nil {
		return nil, err
	}
	title, body := splitTitleBody(resp)
	if title == "" || body == "" {
		return nil, fmt.Errorf("model returned empty content")
	}

	return &types.Notification{
		UserID:      req.UserID,
		Type:        req.Type,
		Title:       title,
		Body:        body,
		ChannelHint: types.ChannelPush,
		RichActions: actionsFor(req.Type),
		Payload:     req.Payload,
	}, nil
}

func (g *Generator) fromTemplate(req Request) *types.Notification {
	motivation := types.MotivationEmotionalSupport
	if req.Profile != nil && req.Profile.MotivationType != "" {
		motivation = req.Profile.MotivationType
	}
	tpl := lookupTemplate(req.Type, motivation)

	title, body := tpl.Title, tpl.Body
	if req.Variant != nil && req.Variant.Title != "" && req.Variant.Body != "" {
		title, body = req.Variant.Title, req.Variant.Body
	}

	return &types.Notification{
		UserID:      req.UserID,
		Type:        req.Type,
		Title:       title,
		Body:        body,
		ChannelHint: types.ChannelPush,
		RichActions: actionsFor(req.Type),
		Payload:     req.Payload,
	}
}

// personaInstruction selects the coaching voice from the profile.
func personaInstruction(p *types.UserProfile) string {
	base := "You are a supportive health coach writing a push notification."
	if p == nil {
		return base
	}
	switch p.MotivationType {
	case types.MotivationDataDriven:
		base += " This user responds to numbers and trends: cite their data, be precise, skip pep talk."
	case types.MotivationGoalOriented:
		base += " This user is chasing a goal: frame everything as progress toward it."
	case types.MotivationEmotionalSupport:
		base += " This user needs warmth: be encouraging and personal, never clinical."
	}
	if p.CommunicationStyle != "" {
		base += fmt.Sprintf(" Preferred tone: %s.", p.CommunicationStyle)
	}
	return base
}

// eventInstructions turns active context events into prompt constraints.
func eventInstructions(evs []types.ContextEvent) string {
	var lines []string
	for _, ev := range evs {
		switch ev.Kind {
		case types.EventIllness:
			lines = append(lines, "The user is unwell. Be gentle, suggest rest, do not push activity.")
		case types.EventTravel:
			lines = append(lines, "The user is traveling. Keep asks light and location-independent.")
		case types.EventSocial:
			lines = append(lines, "The user has a social engagement. Acknowledge it, no guilt about indulgence.")
		case types.EventHighStress:
			lines = append(lines, "The user is under stress. Keep it short and low-pressure.")
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Current situation:\n" + strings.Join(lines, "\n")
}

// actionsFor attaches the standard quick replies for a notification type.
func actionsFor(notifType string) []types.RichAction {
	switch notifType {
	case "weight_reminder":
		return []types.RichAction{
			{Kind: types.RichQuickReply, Label: "Log weight", Value: "log_weight"},
			{Kind: types.RichQuickReply, Label: "Later", Value: "snooze"},
		}
	case "water_reminder":
		return []types.RichAction{
			{Kind: types.RichQuickReply, Label: "+250ml", Value: "log_water_250"},
			{Kind: types.RichQuickReply, Label: "+500ml", Value: "log_water_500"},
		}
	case "meal_reminder":
		return []types.RichAction{
			{Kind: types.RichQuickReply, Label: "Log meal", Value: "log_meal"},
		}
	case "exercise_reminder":
		return []types.RichAction{
			{Kind: types.RichQuickReply, Label: "Log workout", Value: "log_exercise"},
			{Kind: types.RichQuickReply, Label: "Rest day", Value: "rest_day"},
		}
	case "achievement_unlocked":
		return []types.RichAction{
			{Kind: types.RichCard, Label: "View achievement", Value: "open_achievements"},
		}
	default:
		return nil
	}
}

func splitTitleBody(resp string) (string, string) {
	resp = strings.TrimSpace(resp)
	idx := strings.Index(resp, "\n")
	if idx < 0 {
		return resp, resp
	}
	title := strings.TrimSpace(resp[:idx])
	body := strings.TrimSpace(resp[idx+1:])
	title = strings.Trim(title, "\"#* ")
	return title, body
}
