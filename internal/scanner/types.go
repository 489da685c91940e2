package scanner

// Action is the allow/block decision carried by a Verdict.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// Kind identifies which side of a turn is being scanned.
type Kind string

const (
	KindPrompt   Kind = "prompt"
	KindResponse Kind = "response"
)

// Method records how a verdict was produced.
type Method string

const (
	MethodLive  Method = "live-http" // live call to the scanning service
	MethodNone  Method = "none"      // scanning disabled
	MethodError Method = "error"     // synthesized by the fail-safe policy
)

// Well-known categories and identifiers for synthesized verdicts.
const (
	CategoryNoScan    = "no_scan"
	CategoryNoScanner = "no_scanner"
	CategoryScanError = "scan_error"
	CategoryUnknown   = "unknown"

	ScanIDError     = "ERROR"
	ScanIDNoScanner = "NO_SCANNER"
)

// Verdict is the uniform result of one scan, whether the service answered or not.
type Verdict struct {
	Action      Action  `json:"action"`
	Category    string  `json:"category"`
	Reason      string  `json:"reason"`
	ScanID      string  `json:"scan_id,omitempty"` // empty when the service returned none
	ReportID    string  `json:"report_id,omitempty"`
	ProfileName string  `json:"profile_name,omitempty"`
	DurationMs  float64 `json:"duration_ms"`
	Method      Method  `json:"method"`
	Redacted    bool    `json:"redacted"`
}

// Allowed reports whether the content may flow to the next stage.
func (v Verdict) Allowed() bool {
	return v.Action != ActionBlock
}

// Blocked reports whether the content must be withheld.
func (v Verdict) Blocked() bool {
	return v.Action == ActionBlock
}

// Metrics is a point-in-time snapshot of the gateway counters.
type Metrics struct {
	TotalScans     int64   `json:"total_scans"`
	BlockedScans   int64   `json:"blocked_scans"`
	ErrorScans     int64   `json:"error_scans"`
	AvgScanTimeMs  float64 `json:"avg_scan_time_ms"`
	IsConfigured   bool    `json:"is_configured"`
	ScanMethod     Method  `json:"scan_method"`
	FailOpenPolicy bool    `json:"fail_open_policy"`
}
