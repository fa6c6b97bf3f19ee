package limiter

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Evaluator produces a Decision for one rule against one request.
type Evaluator struct {
	cache     *Cache
	extractor Extractor
	logger    *logrus.Logger
}

// NewEvaluator builds an Evaluator backed by cache, falling back to the
// global extractor when a rule has no KeyFunc of its own.
func NewEvaluator(cache *Cache, extractor Extractor, logger *logrus.Logger) *Evaluator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Evaluator{cache: cache, extractor: extractor, logger: logger}
}

// Evaluate applies rule to r. If rule.SkipFunc matches, the sentinel
// inert decision is returned and must be excluded from composition. A
// panic or error from a rule's callbacks is treated as a rule-evaluation
// error: the rule is made inert for this request and logged, never
// allowed to fail the whole request.
func (e *Evaluator) Evaluate(ctx context.Context, r *http.Request, rule Rule) (decision Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.WithField("rule_id", rule.ID).WithField("panic", rec).Error("limiter: rule evaluation panicked, treating as inert")
			decision = Decision{Inert: true, Rule: &rule}
		}
	}()

	if rule.SkipFunc != nil && safeSkip(rule.SkipFunc, r, e.logger, rule.ID) {
		return Decision{Inert: true, Rule: &rule}
	}

	identifier, ok := e.identifierFor(rule, r)
	if !ok {
		return Decision{Inert: true, Rule: &rule}
	}
	key := storeKey(rule, identifier)
	decision = e.cache.Check(ctx, key, rule)
	decision.Key = key
	return decision
}

// identifierFor returns false when the rule's KeyFunc panicked, in which
// case the rule is inert for this request.
func (e *Evaluator) identifierFor(rule Rule, r *http.Request) (string, bool) {
	if rule.KeyFunc == nil {
		return e.extractor.Extract(r), true
	}
	id, ok := safeKeyFunc(rule.KeyFunc, r, e.logger, rule.ID)
	if !ok {
		return "", false
	}
	if id == "" {
		return e.extractor.Extract(r), true
	}
	return id, true
}

func safeSkip(fn SkipFunc, r *http.Request, logger *logrus.Logger, ruleID string) (result bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.WithField("rule_id", ruleID).WithField("panic", rec).Error("limiter: skip_fn panicked, rule treated as inert")
			result = true
		}
	}()
	return fn(r)
}

func safeKeyFunc(fn KeyFunc, r *http.Request, logger *logrus.Logger, ruleID string) (result string, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.WithField("rule_id", ruleID).WithField("panic", rec).Error("limiter: key_fn panicked, rule treated as inert")
			result, ok = "", false
		}
	}()
	return fn(r), true
}
