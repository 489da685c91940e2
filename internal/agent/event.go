// Package agent defines the participants of a turn and the events they emit.
package agent

import "strings"

// RoleModel is the role carried by every event an agent emits.
const RoleModel = "model"

// Author tags an event with the display identity of its emitter.
type Author struct {
	Name  string `json:"name"`
	Color string `json:"color"`
	Icon  string `json:"icon"`
}

// String renders the author as "name|color|icon".
func (a Author) String() string {
	return a.Name + "|" + a.Color + "|" + a.Icon
}

// ParseAuthor is the inverse of Author.String. Missing parts are left empty.
func ParseAuthor(s string) Author {
	parts := strings.SplitN(s, "|", 3)
	var a Author
	a.Name = parts[0]
	if len(parts) > 1 {
		a.Color = parts[1]
	}
	if len(parts) > 2 {
		a.Icon = parts[2]
	}
	return a
}

// Kind separates progress diagnostics from the content that makes up a reply.
type Kind int

const (
	KindContent Kind = iota
	KindDiagnostic
)

func (k Kind) String() string {
	if k == KindDiagnostic {
		return "diagnostic"
	}
	return "content"
}

// MarshalText lets Kind serialise as its name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one unit of a turn's output stream.
type Event struct {
	Author Author `json:"author"`
	Kind   Kind   `json:"kind"`
	Role   string `json:"role"`
	Text   string `json:"text"`
}

// NewContent returns a content event. Content text is what the response
// scan sees.
func NewContent(author Author, text string) Event {
	return Event{Author: author, Kind: KindContent, Role: RoleModel, Text: text}
}

// NewDiagnostic returns a diagnostic event. Diagnostics never contribute
// to the scanned reply.
func NewDiagnostic(author Author, text string) Event {
	return Event{Author: author, Kind: KindDiagnostic, Role: RoleModel, Text: text}
}

func (e Event) IsDiagnostic() bool { return e.Kind == KindDiagnostic }
