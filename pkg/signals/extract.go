package signals

import (
	"fmt"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// Extractor evaluates JMESPath expressions against raw provider payloads,
// caching compiled expressions.
type Extractor struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

// NewExtractor creates a new Extractor
func NewExtractor() *Extractor {
	return &Extractor{
		cache: make(map[string]*jmespath.JMESPath),
	}
}

// Extract evaluates a JMESPath expression against data.
func (e *Extractor) Extract(expression string, data any) (any, error) {
	compiled, err := e.getOrCompile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}

	result, err := compiled.Search(data)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}

	return result, nil
}

// ExtractFields evaluates a field->expression spec and returns the fields
// that resolved to a non-nil value.
func (e *Extractor) ExtractFields(spec map[string]string, data any) map[string]any {
	out := make(map[string]any, len(spec))
	for field, expression := range spec {
		value, err := e.Extract(expression, data)
		if err != nil || value == nil {
			continue
		}
		out[field] = value
	}
	return out
}

func (e *Extractor) getOrCompile(expression string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	if compiled, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if compiled, ok := e.cache[expression]; ok {
		return compiled, nil
	}

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}

	e.cache[expression] = compiled
	return compiled, nil
}
