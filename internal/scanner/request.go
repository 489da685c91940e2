package scanner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// scanRequest is the envelope posted to the scanning service.
type scanRequest struct {
	Metadata  requestMetadata   `json:"metadata"`
	Contents  []map[Kind]string `json:"contents"`
	TrID      string            `json:"tr_id"`
	AIProfile requestProfile    `json:"ai_profile"`
}

type requestMetadata struct {
	AIModel string `json:"ai_model"`
	AppName string `json:"app_name"`
	AppUser string `json:"app_user"`
}

type requestProfile struct {
	ProfileName string `json:"profile_name"`
}

// scanReply holds the fields consumed from the service reply.
type scanReply struct {
	Action      string `json:"action"`
	Category    string `json:"category"`
	Reason      string `json:"reason"`
	ScanID      string `json:"scan_id"`
	ReportID    string `json:"report_id"`
	ProfileName string `json:"profile_name"`
}

// replySchema rejects replies whose consumed fields have the wrong shape.
// Unknown fields are allowed; the service adds new ones over time.
const replySchema = `{
	"type": "object",
	"properties": {
		"action":       {"type": "string"},
		"category":     {"type": "string"},
		"reason":       {"type": "string"},
		"scan_id":      {"type": ["string", "null"]},
		"report_id":    {"type": ["string", "null"]},
		"profile_name": {"type": ["string", "null"]}
	}
}`

func compileReplySchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(replySchema), &doc); err != nil {
		return nil, fmt.Errorf("compileReplySchema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("scan_reply.json", doc); err != nil {
		return nil, fmt.Errorf("compileReplySchema: %w", err)
	}
	sch, err := c.Compile("scan_reply.json")
	if err != nil {
		return nil, fmt.Errorf("compileReplySchema: %w", err)
	}
	return sch, nil
}

// transactionID builds the synthetic tr_id: "<kind>-scan-<kind>-<epoch-seconds>".
func transactionID(kind Kind, now time.Time) string {
	return fmt.Sprintf("%s-scan-%s-%d", kind, kind, now.Unix())
}

func (s *Scanner) buildRequest(content string, kind Kind) scanRequest {
	return scanRequest{
		Metadata: requestMetadata{
			AIModel: s.cfg.AIModel,
			AppName: s.cfg.AppName,
			AppUser: s.cfg.AppUser,
		},
		Contents:  []map[Kind]string{{kind: content}},
		TrID:      transactionID(kind, s.now()),
		AIProfile: requestProfile{ProfileName: s.cfg.ProfileName},
	}
}

// decodeReply validates and decodes a raw service reply.
func (s *Scanner) decodeReply(raw []byte) (scanReply, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return scanReply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return scanReply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	var reply scanReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return scanReply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	reply.Action = strings.ToLower(reply.Action)
	switch Action(reply.Action) {
	case "", ActionAllow, ActionBlock:
	default:
		return scanReply{}, fmt.Errorf("%w: unknown action %q", ErrMalformedReply, reply.Action)
	}
	return reply, nil
}
