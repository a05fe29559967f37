package fhir

import (
	"strconv"
	"strings"
	"sync"
)

// ValueFunc extracts the searchable string values of one parameter from a
// decoded resource body.
type ValueFunc func(body map[string]interface{}) []string

// Accessor extracts parameter values from resources of one kind. ok is false
// when the parameter is not known for that kind.
type Accessor interface {
	Extract(body map[string]interface{}, param string) (values []string, ok bool)
}

// AccessorTable maps resource type and search parameter name to a ValueFunc.
// Parameters registered with RegisterCommon apply to every resource type.
type AccessorTable struct {
	mu     sync.RWMutex
	common map[string]ValueFunc
	byType map[string]map[string]ValueFunc
}

// NewAccessorTable creates an empty table.
func NewAccessorTable() *AccessorTable {
	return &AccessorTable{
		common: make(map[string]ValueFunc),
		byType: make(map[string]map[string]ValueFunc),
	}
}

// Register adds or replaces the accessor for param on resourceType.
func (t *AccessorTable) Register(resourceType, param string, fn ValueFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byType[resourceType] == nil {
		t.byType[resourceType] = make(map[string]ValueFunc)
	}
	t.byType[resourceType][param] = fn
}

// RegisterCommon adds or replaces an accessor shared by all resource types.
func (t *AccessorTable) RegisterCommon(param string, fn ValueFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.common[param] = fn
}

// For returns the Accessor for resourceType.
func (t *AccessorTable) For(resourceType string) Accessor {
	return typeAccessor{table: t, resourceType: resourceType}
}

func (t *AccessorTable) lookup(resourceType, param string) (ValueFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fn, ok := t.byType[resourceType][param]; ok {
		return fn, true
	}
	fn, ok := t.common[param]
	return fn, ok
}

type typeAccessor struct {
	table        *AccessorTable
	resourceType string
}

func (a typeAccessor) Extract(body map[string]interface{}, param string) ([]string, bool) {
	fn, ok := a.table.lookup(a.resourceType, param)
	if !ok {
		return nil, false
	}
	return fn(body), true
}

// DefaultAccessorTable returns a table with the parameters supported for
// subscription criteria and resource search.
func DefaultAccessorTable() *AccessorTable {
	t := NewAccessorTable()

	t.RegisterCommon("_id", PathValues("id"))
	t.RegisterCommon("status", PathValues("status"))

	t.Register("Observation", "code", TokenValues("code"))
	t.Register("Observation", "category", TokenValues("category"))
	t.Register("Observation", "subject", ReferenceValues("subject"))
	t.Register("Observation", "patient", TypedReferenceValues("subject", "Patient"))
	t.Register("Observation", "encounter", ReferenceValues("encounter"))

	t.Register("Patient", "active", PathValues("active"))
	t.Register("Patient", "gender", PathValues("gender"))
	t.Register("Patient", "birthdate", PathValues("birthDate"))
	t.Register("Patient", "family", PathValues("name.family"))
	t.Register("Patient", "given", PathValues("name.given"))
	t.Register("Patient", "identifier", IdentifierValues("identifier"))

	t.Register("Person", "link", ReferenceValues("link.target"))
	t.Register("Person", "patient", TypedReferenceValues("link.target", "Patient"))
	t.Register("Person", "identifier", IdentifierValues("identifier"))
	t.Register("Person", "family", PathValues("name.family"))

	t.Register("Encounter", "class", PathValues("class.code"))
	t.Register("Encounter", "subject", ReferenceValues("subject"))
	t.Register("Encounter", "patient", TypedReferenceValues("subject", "Patient"))

	t.Register("Condition", "clinical-status", TokenValues("clinicalStatus"))
	t.Register("Condition", "code", TokenValues("code"))
	t.Register("Condition", "subject", ReferenceValues("subject"))
	t.Register("Condition", "patient", TypedReferenceValues("subject", "Patient"))

	t.Register("Subscription", "criteria", PathValues("criteria"))
	t.Register("Subscription", "type", PathValues("channel.type"))
	t.Register("Subscription", "payload", PathValues("channel.payload"))

	return t
}

// PathValues collects the primitive leaves found at a dotted path. Arrays
// along the path are flattened.
func PathValues(path string) ValueFunc {
	parts := strings.Split(path, ".")
	return func(body map[string]interface{}) []string {
		var out []string
		for _, v := range walk(body, parts) {
			if s, ok := primitiveString(v); ok {
				out = append(out, s)
			}
		}
		return out
	}
}

// TokenValues collects "code" and "system|code" for every coding of the
// CodeableConcept (or array of them) at path, plus plain code values.
func TokenValues(path string) ValueFunc {
	parts := strings.Split(path, ".")
	return func(body map[string]interface{}) []string {
		var out []string
		for _, v := range walk(body, parts) {
			switch cc := v.(type) {
			case string:
				out = append(out, cc)
			case map[string]interface{}:
				for _, coding := range walk(cc, []string{"coding"}) {
					m, ok := coding.(map[string]interface{})
					if !ok {
						continue
					}
					code, _ := m["code"].(string)
					if code == "" {
						continue
					}
					out = append(out, code)
					if system, _ := m["system"].(string); system != "" {
						out = append(out, system+"|"+code)
					}
				}
			}
		}
		return out
	}
}

// IdentifierValues collects "value" and "system|value" for identifiers at path.
func IdentifierValues(path string) ValueFunc {
	parts := strings.Split(path, ".")
	return func(body map[string]interface{}) []string {
		var out []string
		for _, v := range walk(body, parts) {
			m, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			value, _ := m["value"].(string)
			if value == "" {
				continue
			}
			out = append(out, value)
			if system, _ := m["system"].(string); system != "" {
				out = append(out, system+"|"+value)
			}
		}
		return out
	}
}

// ReferenceValues collects the reference strings of Reference elements at
// path. Both "Type/id" and the bare "id" are returned.
func ReferenceValues(path string) ValueFunc {
	return TypedReferenceValues(path, "")
}

// TypedReferenceValues is ReferenceValues restricted to references that point
// at targetType. An empty targetType accepts any type.
func TypedReferenceValues(path, targetType string) ValueFunc {
	parts := strings.Split(path, ".")
	return func(body map[string]interface{}) []string {
		var out []string
		for _, v := range walk(body, parts) {
			m, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			ref, _ := m["reference"].(string)
			if ref == "" {
				continue
			}
			typ, id, found := strings.Cut(ref, "/")
			if targetType != "" && (!found || typ != targetType) {
				continue
			}
			out = append(out, ref)
			if found && id != "" {
				out = append(out, id)
			}
		}
		return out
	}
}

func walk(node interface{}, parts []string) []interface{} {
	if len(parts) == 0 {
		if arr, ok := node.([]interface{}); ok {
			return arr
		}
		if node == nil {
			return nil
		}
		return []interface{}{node}
	}
	switch v := node.(type) {
	case map[string]interface{}:
		return walk(v[parts[0]], parts[1:])
	case []interface{}:
		var out []interface{}
		for _, item := range v {
			out = append(out, walk(item, parts)...)
		}
		return out
	default:
		return nil
	}
}

func primitiveString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	default:
		return "", false
	}
}
