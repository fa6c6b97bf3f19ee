package limiter

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RevertScheduler is the handle the composer uses to hand off
// post-response maintenance work without depending on any particular
// queue implementation. The maintenance pipeline satisfies this.
type RevertScheduler interface {
	EnqueueRevert(rule Rule, key string)
	EnqueueDenialCleanup(key string, delay time.Duration)
}

// Config configures the middleware composer.
type Config struct {
	Rules                  []Rule
	StandardHeaders        bool
	LegacyHeaders          bool
	SkipSuccessfulRequests bool
	SkipFailedRequests     bool
	EnableLocalThrottle    bool
	Throttle               *Throttle
	Scheduler              RevertScheduler
	// OnLimitReached builds the denial response body. When nil,
	// defaultDenialBody is used.
	OnLimitReached func(w http.ResponseWriter, r *http.Request, d Decision)
	Logger         *logrus.Logger
}

// Composer applies every configured rule to each request, composes the
// decisions, sets advisory headers, and schedules post-response reverts.
type Composer struct {
	config    Config
	evaluator *Evaluator
	extractor Extractor
	logger    *logrus.Logger
}

// NewComposer builds a Composer from config and the Evaluator it drives
// rule checks through.
func NewComposer(config Config, evaluator *Evaluator, extractor Extractor) *Composer {
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Composer{config: config, evaluator: evaluator, extractor: extractor, logger: logger}
}

// Middleware wraps next with rate limiting. Any exception inside the
// pre-decision phase results in fail-open: the request proceeds and the
// failure is logged.
func (c *Composer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handle, ok := c.Decide(w, r)
		if !ok {
			// Decide already wrote the denial response.
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		handle.Finish(rec.status)
	})
}

// Handle is the continuation returned by Decide for an admitted request.
// The transport layer invokes Finish with the final response status once
// the response has been emitted; this keeps the composer usable from
// frameworks whose handlers write to their own response writer rather
// than the one Decide saw.
type Handle struct {
	composer *Composer
	admitted []Decision
}

// Finish applies the skip/revert semantics against the final status.
func (h *Handle) Finish(status int) {
	h.composer.afterResponse(h.admitted, status)
}

// Decide runs the pre-decision phase: throttle, rule fan-out,
// composition, headers, and the denial response when a rule binds. It
// returns (handle, true) when the request should proceed, or (nil,
// false) once it has already written a denial.
func (c *Composer) Decide(w http.ResponseWriter, r *http.Request) (*Handle, bool) {
	admitted, ok := c.decide(w, r)
	if !ok {
		return nil, false
	}
	return &Handle{composer: c, admitted: admitted}, true
}

// decide runs the fan-out + composition + header-setting + denial path.
// It returns (admittedResults, true) when the request should proceed, or
// (nil, false) once it has already written a denial response.
func (c *Composer) decide(w http.ResponseWriter, r *http.Request) (admitted []Decision, proceed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.WithField("panic", rec).Error("limiter: composer pre-decision phase panicked, failing open")
			admitted, proceed = nil, true
		}
	}()

	if c.config.EnableLocalThrottle && c.config.Throttle != nil {
		id := c.extractor.Extract(r)
		if d := c.config.Throttle.Delay(id); d > 0 {
			time.Sleep(d)
		}
	}

	results := c.evaluateAll(r)
	nonInert := make([]Decision, 0, len(results))
	for _, d := range results {
		if !d.Inert {
			nonInert = append(nonInert, d)
		}
	}
	if len(nonInert) == 0 {
		return nonInert, true
	}

	winner := compose(nonInert)
	setHeaders(w, winner, c.config)

	if !winner.Allowed {
		c.denyResponse(w, r, winner, nonInert)
		return nil, false
	}
	return nonInert, true
}

func (c *Composer) evaluateAll(r *http.Request) []Decision {
	ctx := r.Context()
	results := make([]Decision, len(c.config.Rules))
	var wg sync.WaitGroup
	for i, rule := range c.config.Rules {
		wg.Add(1)
		go func(i int, rule Rule) {
			defer wg.Done()
			results[i] = c.evaluator.Evaluate(ctx, r, rule)
		}(i, rule)
	}
	wg.Wait()
	return results
}

// compose picks the winning decision: the first denier in configured
// order, else the tightest (smallest MaxRequests) admission.
func compose(results []Decision) Decision {
	for _, d := range results {
		if !d.Allowed {
			return d
		}
	}
	winner := results[0]
	for _, d := range results[1:] {
		if d.Rule != nil && winner.Rule != nil && d.Rule.MaxRequests < winner.Rule.MaxRequests {
			winner = d
		}
	}
	return winner
}

func (c *Composer) denyResponse(w http.ResponseWriter, r *http.Request, winner Decision, all []Decision) {
	status := http.StatusTooManyRequests
	if winner.Rule != nil {
		status = winner.Rule.statusCode()
	}
	if c.config.OnLimitReached != nil {
		c.config.OnLimitReached(w, r, winner)
	} else {
		writeDefaultDenialBody(w, winner, status)
	}

	if c.config.Scheduler != nil && winner.Key != "" {
		c.config.Scheduler.EnqueueDenialCleanup(winner.Key, 60*time.Second)
	}
}

// afterResponse implements the skip/revert semantics tied to the
// eventual response status.
func (c *Composer) afterResponse(admitted []Decision, status int) {
	if c.config.Scheduler == nil {
		return
	}
	shouldRevert := (c.config.SkipSuccessfulRequests && status >= 200 && status < 300) ||
		(c.config.SkipFailedRequests && status >= 400)
	if !shouldRevert {
		return
	}
	for _, d := range admitted {
		if d.Rule == nil || d.Key == "" {
			continue
		}
		c.config.Scheduler.EnqueueRevert(*d.Rule, d.Key)
	}
}

type denialBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RuleID     string `json:"ruleId"`
	Limit      int64  `json:"limit"`
	Remaining  int64  `json:"remaining"`
	ResetTime  int64  `json:"resetTime"`
	RetryAfter int64  `json:"retryAfter"`
	Timestamp  int64  `json:"timestamp"`
}

func writeDefaultDenialBody(w http.ResponseWriter, d Decision, status int) {
	body := denialBody{
		Error:      "Rate limit exceeded",
		Timestamp:  time.Now().Unix(),
		RetryAfter: ceilSeconds(d.RetryAfter),
	}
	if d.Rule != nil {
		body.RuleID = d.Rule.ID
		body.Limit = d.Rule.MaxRequests
		body.Message = d.Rule.Message
		if body.Message == "" {
			body.Message = "Too many requests, please try again later"
		}
	}
	body.Remaining = d.RemainingRequests
	body.ResetTime = d.ResetTime.Unix()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Minimal default body on encode failure; status code already
		// written and preserved.
		_, _ = w.Write([]byte(`{"error":"Rate limit exceeded"}`))
	}
}

// defensiveHeaders is the set of baseline hardening headers applied to
// every response the composer touches, regardless of the rate-limit
// outcome.
var defensiveHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"X-XSS-Protection":       "1; mode=block",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
}

func setHeaders(w http.ResponseWriter, d Decision, cfg Config) {
	h := w.Header()
	for k, v := range defensiveHeaders {
		h.Set(k, v)
	}

	if d.Rule == nil {
		return
	}
	limit := d.Rule.MaxRequests
	remaining := d.RemainingRequests
	resetUnix := d.ResetTime.Unix()

	if cfg.LegacyHeaders {
		h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(resetUnix, 10))
		if !d.Allowed {
			h.Set("X-RateLimit-RetryAfter", strconv.FormatInt(ceilSeconds(d.RetryAfter), 10))
		}
	}

	if cfg.StandardHeaders {
		h.Set("RateLimit-Limit", strconv.FormatInt(limit, 10))
		h.Set("RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		h.Set("RateLimit-Reset", strconv.FormatInt(resetUnix, 10))
		h.Set("RateLimit-Policy", strconv.FormatInt(limit, 10)+";w="+strconv.FormatInt(int64(d.Rule.Window/time.Second), 10))
		if !d.Allowed {
			h.Set("Retry-After", strconv.FormatInt(ceilSeconds(d.RetryAfter), 10))
		}
	}

	if limit > 0 {
		ratio := float64(remaining) / float64(limit)
		switch {
		case remaining == 0:
			h.Set("X-RateLimit-Warning", "Rate limit nearly exceeded")
		case ratio <= 0.20:
			h.Set("X-RateLimit-Warning", "Approaching rate limit")
		}
	}
}

// statusRecorder captures the status code the downstream handler wrote
// so the post-response hook can inspect it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}
