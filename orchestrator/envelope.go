package orchestrator

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// OperationClass selects a base timeout.
type OperationClass string

const (
	OpSimple    OperationClass = "simple"
	OpStandard  OperationClass = "standard"
	OpComplex   OperationClass = "complex"
	OpResearch  OperationClass = "research"
	OpStreaming OperationClass = "streaming"
)

var baseTimeouts = map[OperationClass]time.Duration{
	OpSimple:    15 * time.Second,
	OpStandard:  30 * time.Second,
	OpComplex:   60 * time.Second,
	OpResearch:  120 * time.Second,
	OpStreaming: 45 * time.Second,
}

var adaptiveKeywords = []string{"research", "analyze", "comprehensive", "detailed"}

// maxReflectDepth bounds the materialization scan below so a cyclic or
// deeply nested result value cannot make it loop unboundedly.
const maxReflectDepth = 8

// AdaptiveTimeout computes the timeout for class, scaled up for queries that
// look complex: word count over 50 or a complexity keyword triples the base
// timeout, word count over 20 doubles it, otherwise the base applies
// unmodified.
func AdaptiveTimeout(class OperationClass, query string) time.Duration {
	base, ok := baseTimeouts[class]
	if !ok {
		base = baseTimeouts[OpStandard]
	}

	words := len(strings.Fields(query))
	lower := strings.ToLower(query)

	switch {
	case words > 50 || containsAny(lower, adaptiveKeywords):
		return base * 3
	case words > 20:
		return base * 2
	default:
		return base
	}
}

// EnvelopeError is returned when an enveloped operation times out.
type EnvelopeError struct {
	OperationClass OperationClass
	Elapsed        time.Duration
	Timeout        time.Duration
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("operation class %s timed out after %s (limit %s)", e.OperationClass, e.Elapsed, e.Timeout)
}

// Run executes fn under a deadline derived from class and query, and
// validates that fn's result contains no deferred producers (channels or
// funcs) before returning it: every value a node hands off to the next node
// must be a finished, inert value, never something that still needs a
// goroutine to complete it.
func Run[T any](ctx context.Context, class OperationClass, query string, fn func(ctx context.Context) (T, error)) (T, error) {
	timeout := AdaptiveTimeout(class, query)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		val, err := fn(ctx)
		done <- outcome{val, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, &EnvelopeError{OperationClass: class, Elapsed: time.Since(start), Timeout: timeout}
	case o := <-done:
		if o.err != nil {
			return o.val, o.err
		}
		if leaked := findDeferredValue(reflect.ValueOf(o.val), 0); leaked {
			var zero T
			return zero, fmt.Errorf("orchestrator: result from %s operation contains an unmaterialized channel or func value", class)
		}
		return o.val, nil
	}
}

// findDeferredValue walks v to bounded depth looking for a channel or func
// kind, which would mean the result still depends on a goroutine that has
// not necessarily finished.
func findDeferredValue(v reflect.Value, depth int) bool {
	if depth > maxReflectDepth || !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.Chan, reflect.Func:
		return true
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return false
		}
		return findDeferredValue(v.Elem(), depth+1)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Field(i).CanInterface() {
				continue
			}
			if findDeferredValue(v.Field(i), depth+1) {
				return true
			}
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			if findDeferredValue(v.MapIndex(key), depth+1) {
				return true
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if findDeferredValue(v.Index(i), depth+1) {
				return true
			}
		}
	}
	return false
}
