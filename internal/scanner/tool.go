package scanner

import "context"

// CheckResult is the answer of the standalone scan check.
type CheckResult struct {
	Verdict
	IsSafe bool `json:"is_safe"`
}

// Check scans content outside of a turn. Unlike Scan, an unconfigured
// scanner does not bypass here: with nothing to vouch for the content it
// is reported unsafe.
func (s *Scanner) Check(ctx context.Context, content string, kind Kind) CheckResult {
	if !s.Configured() {
		return CheckResult{
			Verdict: Verdict{
				Action:   ActionBlock,
				Category: CategoryNoScanner,
				Reason:   "scanner not available - blocking for security",
				ScanID:   ScanIDNoScanner,
				Method:   MethodNone,
			},
		}
	}
	v := s.Scan(ctx, content, kind)
	return CheckResult{Verdict: v, IsSafe: v.Allowed()}
}
