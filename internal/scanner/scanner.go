package scanner

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultEndpoint is the production scanning endpoint.
const DefaultEndpoint = "https://service.api.aisecurity.paloaltonetworks.com"

const (
	defaultTimeout         = 5 * time.Second
	defaultMaxConnsPerHost = 10
	maxReplyBytes          = 1 << 20
	userAgent              = "agentgate-scanner/1.0"
)

var (
	ErrMalformedReply   = errors.New("malformed scan reply")
	ErrUnexpectedStatus = errors.New("unexpected scan status")
	ErrClosed           = errors.New("scanner closed")
	errScanTimeout      = errors.New("scan timed out")
)

// Config configures the Scanner.
type Config struct {
	APIKey             string
	ProfileName        string
	Endpoint           string        // defaults to DefaultEndpoint
	Timeout            time.Duration // defaults to 5s
	FailOpen           bool
	CABundle           string // path to a PEM trust anchor
	InsecureSkipVerify bool
	MaxConnsPerHost    int // defaults to 10

	AIModel string
	AppName string
	AppUser string
}

// Scanner sends content to the external scanning service and turns every
// outcome, including failures, into a Verdict.
type Scanner struct {
	cfg       Config
	client    *http.Client
	transport *http.Transport
	schema    *jsonschema.Schema
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	closeOnce sync.Once
	closed    atomic.Bool

	mu           sync.Mutex
	totalScans   int64
	blockedScans int64
	errorScans   int64
	totalTimeMs  float64
}

// New creates a Scanner. When the API key or profile name is missing the
// scanner is returned in bypass mode and no connection pool is opened.
func New(cfg Config, logger *zap.Logger) (*Scanner, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = defaultMaxConnsPerHost
	}
	if cfg.AppName == "" {
		cfg.AppName = "agentgate"
	}
	if cfg.AppUser == "" {
		cfg.AppUser = "agentgate-user"
	}
	if cfg.AIModel == "" {
		cfg.AIModel = "agentgate"
	}

	schema, err := compileReplySchema()
	if err != nil {
		return nil, fmt.Errorf("scanner.New: %w", err)
	}

	s := &Scanner{
		cfg:    cfg,
		schema: schema,
		logger: logger,
		tracer: otel.Tracer("github.com/triage-ai/agentgate/internal/scanner"),
		now:    time.Now,
	}

	if !s.Configured() {
		logger.Warn("scanner not configured, security scanning is DISABLED",
			zap.Bool("api_key_set", cfg.APIKey != ""),
			zap.Bool("profile_set", cfg.ProfileName != ""),
		)
		return s, nil
	}

	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("scanner.New: %w", err)
	}
	s.transport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsCfg,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	s.client = &http.Client{Transport: s.transport}

	logger.Info("scanner initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.Duration("timeout", cfg.Timeout),
		zap.Bool("fail_open", cfg.FailOpen),
		zap.Int("max_conns_per_host", cfg.MaxConnsPerHost),
	)
	return s, nil
}

// tlsConfig builds the client TLS policy: verify by default, optional custom
// CA bundle, explicit opt-out.
func (s *Scanner) tlsConfig() (*tls.Config, error) {
	if s.cfg.CABundle != "" {
		pem, err := os.ReadFile(s.cfg.CABundle)
		if err != nil {
			if os.IsNotExist(err) {
				s.logger.Warn("ca bundle not found, using system roots",
					zap.String("path", s.cfg.CABundle),
				)
				return &tls.Config{MinVersion: tls.VersionTLS12}, nil
			}
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca bundle %s: no certificates found", s.cfg.CABundle)
		}
		s.logger.Info("using custom ca bundle", zap.String("path", s.cfg.CABundle))
		return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
	}
	if s.cfg.InsecureSkipVerify {
		s.logger.Warn("TLS VERIFICATION DISABLED for scanner connections; scan traffic can be intercepted")
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // explicit operator opt-out
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}, nil
}

// Configured reports whether live scanning is enabled.
func (s *Scanner) Configured() bool {
	return s.cfg.APIKey != "" && s.cfg.ProfileName != ""
}

// FailOpen reports the global fail-open flag.
func (s *Scanner) FailOpen() bool {
	return s.cfg.FailOpen
}

// Scan evaluates content of the given kind. It never returns an error:
// failures are resolved by the fail-safe policy.
func (s *Scanner) Scan(ctx context.Context, content string, kind Kind) Verdict {
	if !s.Configured() {
		return Verdict{
			Action:   ActionAllow,
			Category: CategoryNoScan,
			Reason:   "scanner not configured - bypassing scan",
			Method:   MethodNone,
		}
	}

	ctx, span := s.tracer.Start(ctx, "scanner.Scan",
		trace.WithAttributes(attribute.String("scan.kind", string(kind))),
	)
	defer span.End()

	start := s.now()
	verdict, err := s.scanLive(ctx, content, kind)
	elapsedMs := float64(s.now().Sub(start)) / float64(time.Millisecond)

	if err != nil {
		s.recordError()
		msg := describeError(err)
		s.logger.Error("scan failed",
			zap.String("kind", string(kind)),
			zap.Float64("elapsed_ms", elapsedMs),
			zap.Error(err),
		)
		verdict = s.FailSafe(kind, msg, false)
	} else {
		verdict.DurationMs = elapsedMs
		s.recordSuccess(verdict, elapsedMs)
		s.logger.Info("scan completed",
			zap.String("kind", string(kind)),
			zap.String("action", string(verdict.Action)),
			zap.String("scan_id", verdict.ScanID),
			zap.Float64("duration_ms", elapsedMs),
		)
	}

	span.SetAttributes(
		attribute.String("scan.action", string(verdict.Action)),
		attribute.String("scan.method", string(verdict.Method)),
		attribute.String("scan.category", verdict.Category),
	)
	return verdict
}

func (s *Scanner) scanLive(ctx context.Context, content string, kind Kind) (Verdict, error) {
	if s.closed.Load() {
		return Verdict{}, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(s.buildRequest(content, kind))
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal scan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("build scan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-pan-token", s.cfg.APIKey)
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Verdict{}, fmt.Errorf("%w after %s: %v", errScanTimeout, s.cfg.Timeout, err)
		}
		return Verdict{}, fmt.Errorf("scan request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		if isTimeout(err) {
			return Verdict{}, fmt.Errorf("%w reading reply: %v", errScanTimeout, err)
		}
		return Verdict{}, fmt.Errorf("read scan reply: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Verdict{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	reply, err := s.decodeReply(raw)
	if err != nil {
		return Verdict{}, err
	}

	action := Action(reply.Action)
	if action == "" {
		action = ActionAllow
	}
	category := reply.Category
	if category == "" {
		category = CategoryUnknown
	}
	reason := reply.Reason
	if reason == "" {
		reason = "Scanned successfully"
	}

	return Verdict{
		Action:      action,
		Category:    category,
		Reason:      reason,
		ScanID:      reply.ScanID,
		ReportID:    reply.ReportID,
		ProfileName: reply.ProfileName,
		Method:      MethodLive,
	}, nil
}

// FailSafe synthesizes a verdict for content that could not be scanned.
//
// Order of precedence:
//  1. override → allow
//  2. global fail-open → allow
//  3. prompt → block (inbound fails closed)
//  4. response → allow (outbound fails open)
func (s *Scanner) FailSafe(kind Kind, msg string, override bool) Verdict {
	var action Action
	var reason string
	switch {
	case override:
		action = ActionAllow
		reason = msg + " - allowing due to override"
	case s.cfg.FailOpen:
		action = ActionAllow
		reason = msg + " - allowing due to FAIL_OPEN=true"
	case kind == KindPrompt:
		action = ActionBlock
		reason = msg + " - blocked for safety (FAIL_OPEN=false)"
	default:
		action = ActionAllow
		reason = msg + " - allowing response (FAIL_OPEN=false)"
	}
	return Verdict{
		Action:   action,
		Category: CategoryScanError,
		Reason:   reason,
		ScanID:   ScanIDError,
		Method:   MethodError,
	}
}

// Metrics returns a snapshot of the gateway counters.
func (s *Scanner) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg float64
	if succeeded := s.totalScans - s.errorScans; succeeded > 0 {
		avg = math.Round(s.totalTimeMs/float64(succeeded)*100) / 100
	}
	return Metrics{
		TotalScans:     s.totalScans,
		BlockedScans:   s.blockedScans,
		ErrorScans:     s.errorScans,
		AvgScanTimeMs:  avg,
		IsConfigured:   s.Configured(),
		ScanMethod:     MethodLive,
		FailOpenPolicy: s.cfg.FailOpen,
	}
}

// Close drains the connection pool. Only the first call has an effect;
// scans started afterwards take the transport-error path.
func (s *Scanner) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.transport != nil {
			s.transport.CloseIdleConnections()
		}
		s.logger.Info("scanner connection pool closed")
	})
	return nil
}

func (s *Scanner) recordSuccess(v Verdict, elapsedMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalScans++
	s.totalTimeMs += elapsedMs
	if v.Blocked() {
		s.blockedScans++
	}
}

func (s *Scanner) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalScans++
	s.errorScans++
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// describeError maps a scan failure to the short message used in verdict reasons.
func describeError(err error) string {
	switch {
	case errors.Is(err, errScanTimeout):
		return "Scan timed out"
	case errors.Is(err, ErrMalformedReply), errors.Is(err, ErrUnexpectedStatus), errors.Is(err, ErrClosed):
		return fmt.Sprintf("Scan API error: %v", err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			return fmt.Sprintf("Scan API error: %v", err)
		}
		return fmt.Sprintf("Unexpected scan error: %v", err)
	}
}
