package specialist

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/triage-ai/agentgate/internal/agent"
	"github.com/triage-ai/agentgate/internal/audit"
)

const NoEventsText = "No security events to display."

// EventSource supplies the audit trail; *audit.Recorder implements it.
type EventSource interface {
	Events() []audit.SecurityEvent
}

// Dashboard renders the security events newest first.
type Dashboard struct {
	source   EventSource
	location *time.Location
}

// NewDashboard creates a Dashboard rendering timestamps in loc (local time
// when nil).
func NewDashboard(source EventSource, loc *time.Location) *Dashboard {
	if loc == nil {
		loc = time.Local
	}
	return &Dashboard{source: source, location: loc}
}

func (d *Dashboard) Handle(_ context.Context, inv agent.Invocation) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		yield(agent.NewContent(inv.Node.Author(), d.Render()), nil)
	}
}

// Render formats the current events as markdown.
func (d *Dashboard) Render() string {
	events := d.source.Events()
	if len(events) == 0 {
		return NoEventsText
	}

	var b strings.Builder
	b.WriteString("### Security Events\n\n")
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		scanID := e.ScanID
		if scanID == "" {
			scanID = "N/A"
		}
		fmt.Fprintf(&b, "- **Timestamp:** %s\n", e.Timestamp.In(d.location).Format(time.DateTime))
		fmt.Fprintf(&b, "- **Agent:** %s\n", e.Agent)
		fmt.Fprintf(&b, "- **Event Type:** %s\n", e.Kind)
		fmt.Fprintf(&b, "- **Action:** %s\n", e.Action)
		fmt.Fprintf(&b, "- **Category:** %s\n", e.Category)
		fmt.Fprintf(&b, "- **Scan ID:** %s\n", scanID)
		fmt.Fprintf(&b, "- **Content Preview:** %s\n", e.Preview)
		fmt.Fprintf(&b, "- **Blocked:** %t\n", e.Blocked)
		b.WriteString("---\n")
	}
	return b.String()
}
