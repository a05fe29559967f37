package fhir

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidCriteria is returned for criteria expressions that cannot be parsed.
var ErrInvalidCriteria = errors.New("invalid criteria")

// Criteria is a parsed search-style subscription criteria expression of the
// form "<ResourceType>?<param>=<value>[&<param>=<value>]*". A Criteria is
// immutable once parsed and may be shared between goroutines.
type Criteria struct {
	Expression   string
	ResourceType string
	Params       []CriteriaParam
}

// CriteriaParam is one query parameter. Values are OR-ed; separate params
// with the same name are AND-ed.
type CriteriaParam struct {
	Name   string
	Values []string
}

func (c *Criteria) String() string { return c.Expression }

// ParseCriteria parses a criteria expression. A bare resource type such as
// "Patient" is accepted and matches every resource of that type.
//
//	"Observation?code=1234&status=final" -> Observation, [code=1234, status=final]
//	"Observation?status=final,amended"   -> Observation, [status=final|amended]
func ParseCriteria(expr string) (*Criteria, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: expression is empty", ErrInvalidCriteria)
	}

	resourceType, query, _ := strings.Cut(expr, "?")
	if !validResourceTypeName(resourceType) {
		return nil, fmt.Errorf("%w: %q is not a valid resource type", ErrInvalidCriteria, resourceType)
	}

	c := &Criteria{Expression: expr, ResourceType: resourceType}
	if query == "" {
		return c, nil
	}

	for _, pair := range strings.Split(query, "&") {
		name, rawValue, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: parameter %q has no value", ErrInvalidCriteria, pair)
		}
		if !validParamName(name) {
			return nil, fmt.Errorf("%w: invalid parameter name %q", ErrInvalidCriteria, name)
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %q: %v", ErrInvalidCriteria, name, err)
		}
		if value == "" {
			return nil, fmt.Errorf("%w: parameter %q has an empty value", ErrInvalidCriteria, name)
		}
		values := strings.Split(value, ",")
		for _, v := range values {
			if v == "" {
				return nil, fmt.Errorf("%w: parameter %q has an empty value", ErrInvalidCriteria, name)
			}
		}
		c.Params = append(c.Params, CriteriaParam{Name: name, Values: values})
	}
	return c, nil
}

func validResourceTypeName(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		ch := s[i]
		if !(ch >= 'a' && ch <= 'z') && !(ch >= 'A' && ch <= 'Z') {
			return false
		}
	}
	return true
}

func validParamName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_' || ch == '.' || ch == ':':
		default:
			return false
		}
	}
	return true
}
