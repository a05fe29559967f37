package fhir

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCriteriaCacheSize is the number of parsed expressions a Matcher keeps.
const DefaultCriteriaCacheSize = 1024

// Matcher evaluates resources against subscription criteria. It holds no
// per-call state and is safe for concurrent use.
type Matcher struct {
	accessors *AccessorTable
	cache     *lru.Cache[string, *Criteria]
}

// NewMatcher creates a Matcher. A nil table selects DefaultAccessorTable and a
// non-positive cacheSize selects DefaultCriteriaCacheSize.
func NewMatcher(accessors *AccessorTable, cacheSize int) *Matcher {
	if accessors == nil {
		accessors = DefaultAccessorTable()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCriteriaCacheSize
	}
	cache, err := lru.New[string, *Criteria](cacheSize)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &Matcher{accessors: accessors, cache: cache}
}

// Compile parses expr, reusing a cached result when available.
func (m *Matcher) Compile(expr string) (*Criteria, error) {
	if c, ok := m.cache.Get(expr); ok {
		return c, nil
	}
	c, err := ParseCriteria(expr)
	if err != nil {
		return nil, err
	}
	m.cache.Add(expr, c)
	return c, nil
}

// Validate performs the semantic checks that gate subscription activation.
func (m *Matcher) Validate(c *Criteria) error {
	if !IsKnownResourceType(c.ResourceType) {
		return fmt.Errorf("unknown resource type %q", c.ResourceType)
	}
	return nil
}

// Matches reports whether event satisfies c. Bodies that fail to decode never
// match criteria with parameters.
func (m *Matcher) Matches(event ResourceEvent, c *Criteria) bool {
	if event.ResourceType != c.ResourceType {
		return false
	}
	var body map[string]interface{}
	if len(c.Params) > 0 {
		if err := json.Unmarshal(event.Resource, &body); err != nil {
			return false
		}
	}
	return m.MatchResource(event.ResourceType, body, c)
}

// MatchResource is Matches for an already decoded body, letting callers decode
// once and evaluate many criteria.
func (m *Matcher) MatchResource(resourceType string, body map[string]interface{}, c *Criteria) bool {
	if resourceType != c.ResourceType {
		return false
	}
	if len(c.Params) == 0 {
		return true
	}
	if body == nil {
		return false
	}
	accessor := m.accessors.For(resourceType)
	for _, p := range c.Params {
		actual, ok := accessor.Extract(body, p.Name)
		if !ok {
			// Unknown parameters never match.
			return false
		}
		if !anyEqual(actual, p.Values) {
			return false
		}
	}
	return true
}

func anyEqual(actual, expected []string) bool {
	for _, want := range expected {
		for _, got := range actual {
			if got == want {
				return true
			}
		}
	}
	return false
}
