package fhir

import (
	"encoding/json"
	"testing"
)

func observationEvent(body string) ResourceEvent {
	return ResourceEvent{
		ResourceType: "Observation",
		ResourceID:   "obs-1",
		Action:       ActionCreate,
		Resource:     json.RawMessage(body),
	}
}

func mustCompile(t *testing.T, m *Matcher, expr string) *Criteria {
	t.Helper()
	c, err := m.Compile(expr)
	if err != nil {
		t.Fatalf("compile %q: %v", expr, err)
	}
	return c
}

func TestMatcher_StatusFinal(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Observation?status=final")

	if !m.Matches(observationEvent(`{"resourceType":"Observation","status":"final"}`), c) {
		t.Error("expected final observation to match")
	}
	if m.Matches(observationEvent(`{"resourceType":"Observation","status":"preliminary"}`), c) {
		t.Error("expected preliminary observation not to match")
	}
}

func TestMatcher_ResourceTypeMismatch(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Patient")
	if m.Matches(observationEvent(`{"resourceType":"Observation"}`), c) {
		t.Error("expected no match for different resource type")
	}
}

func TestMatcher_BareTypeMatchesAll(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Observation")
	if !m.Matches(observationEvent(`not json`), c) {
		t.Error("expected bare type to match without decoding the body")
	}
}

func TestMatcher_UnknownParamFailsClosed(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Observation?no-such-param=x")
	if m.Matches(observationEvent(`{"resourceType":"Observation","no-such-param":"x"}`), c) {
		t.Error("expected unknown parameter to never match")
	}
}

func TestMatcher_InvalidBodyNeverMatches(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Observation?status=final")
	if m.Matches(observationEvent(`{broken`), c) {
		t.Error("expected undecodable body not to match")
	}
}

func TestMatcher_ValuesAreORed(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Observation?status=final,amended")
	if !m.Matches(observationEvent(`{"status":"amended"}`), c) {
		t.Error("expected amended to match final,amended")
	}
	if m.Matches(observationEvent(`{"status":"cancelled"}`), c) {
		t.Error("expected cancelled not to match")
	}
}

func TestMatcher_ParamsAreANDed(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Observation?status=final&code=1234-5")
	match := `{"status":"final","code":{"coding":[{"system":"http://loinc.org","code":"1234-5"}]}}`
	wrongCode := `{"status":"final","code":{"coding":[{"system":"http://loinc.org","code":"9999-9"}]}}`

	if !m.Matches(observationEvent(match), c) {
		t.Error("expected both params to match")
	}
	if m.Matches(observationEvent(wrongCode), c) {
		t.Error("expected mismatched code to fail")
	}
}

func TestMatcher_TokenWithSystem(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Observation?code=http://loinc.org|1234-5")
	body := `{"code":{"coding":[{"system":"http://loinc.org","code":"1234-5"}]}}`
	if !m.Matches(observationEvent(body), c) {
		t.Error("expected system|code token to match")
	}
}

func TestMatcher_PatientReference(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Observation?patient=Patient/p-1")
	if !m.Matches(observationEvent(`{"subject":{"reference":"Patient/p-1"}}`), c) {
		t.Error("expected patient reference to match")
	}
	if m.Matches(observationEvent(`{"subject":{"reference":"Group/p-1"}}`), c) {
		t.Error("expected non-patient subject not to match")
	}

	bare := mustCompile(t, m, "Observation?patient=p-1")
	if !m.Matches(observationEvent(`{"subject":{"reference":"Patient/p-1"}}`), bare) {
		t.Error("expected bare id to match")
	}
}

func TestMatcher_PersonLink(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Person?link=Patient/p-9")
	ev := ResourceEvent{
		ResourceType: "Person",
		ResourceID:   "per-1",
		Resource:     json.RawMessage(`{"link":[{"target":{"reference":"Patient/p-1"}},{"target":{"reference":"Patient/p-9"}}]}`),
	}
	if !m.Matches(ev, c) {
		t.Error("expected match across link array")
	}
}

func TestMatcher_BooleanParam(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Patient?active=true")
	ev := ResourceEvent{ResourceType: "Patient", ResourceID: "p", Resource: json.RawMessage(`{"active":true}`)}
	if !m.Matches(ev, c) {
		t.Error("expected boolean param to match")
	}
}

func TestMatcher_CommonIDParam(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Encounter?_id=e-1")
	ev := ResourceEvent{ResourceType: "Encounter", ResourceID: "e-1", Resource: json.RawMessage(`{"id":"e-1"}`)}
	if !m.Matches(ev, c) {
		t.Error("expected _id to match")
	}
}

func TestMatcher_Deterministic(t *testing.T) {
	m := NewMatcher(nil, 0)
	c := mustCompile(t, m, "Observation?status=final")
	ev := observationEvent(`{"status":"final"}`)
	first := m.Matches(ev, c)
	for i := 0; i < 50; i++ {
		if m.Matches(ev, c) != first {
			t.Fatal("expected repeated evaluation to return the same result")
		}
	}
}

func TestMatcher_CompileCaches(t *testing.T) {
	m := NewMatcher(nil, 2)
	a := mustCompile(t, m, "Observation?status=final")
	b := mustCompile(t, m, "Observation?status=final")
	if a != b {
		t.Error("expected cached criteria to be reused")
	}
}

func TestMatcher_CompileInvalid(t *testing.T) {
	m := NewMatcher(nil, 0)
	if _, err := m.Compile("Observation?status"); err == nil {
		t.Error("expected error for malformed criteria")
	}
}

func TestMatcher_Validate(t *testing.T) {
	m := NewMatcher(nil, 0)
	if err := m.Validate(mustCompile(t, m, "Observation?status=final")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := m.Validate(mustCompile(t, m, "Widget?status=final")); err == nil {
		t.Error("expected unknown resource type to fail validation")
	}
}

func TestMatcher_CustomAccessor(t *testing.T) {
	table := NewAccessorTable()
	table.Register("Observation", "flag", func(body map[string]interface{}) []string {
		return []string{"on"}
	})
	m := NewMatcher(table, 0)
	c := mustCompile(t, m, "Observation?flag=on")
	if !m.Matches(observationEvent(`{}`), c) {
		t.Error("expected custom accessor to be used")
	}
	// status is not registered in this table.
	c = mustCompile(t, m, "Observation?status=final")
	if m.Matches(observationEvent(`{"status":"final"}`), c) {
		t.Error("expected unregistered param to fail closed")
	}
}
