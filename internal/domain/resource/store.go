package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("resource not found")
	ErrInvalidResource = errors.New("invalid resource")
	ErrUnsupportedType = errors.New("unsupported resource type")
)

type record struct {
	body        json.RawMessage
	version     int
	lastUpdated time.Time
}

// Store keeps FHIR resources in memory and publishes every committed change
// on an EventBus. Subscription resources are managed by the subscription
// package and are rejected here.
type Store struct {
	mu        sync.RWMutex
	resources map[string]map[string]*record
	bus       *fhir.EventBus
	matcher   *fhir.Matcher
}

func NewStore(bus *fhir.EventBus, matcher *fhir.Matcher) *Store {
	return &Store{
		resources: make(map[string]map[string]*record),
		bus:       bus,
		matcher:   matcher,
	}
}

func checkType(resourceType string) error {
	if resourceType == "Subscription" || !fhir.IsKnownResourceType(resourceType) {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, resourceType)
	}
	return nil
}

// decode parses body and checks it declares resourceType.
func decode(resourceType string, body []byte) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResource, err)
	}
	if rt, _ := m["resourceType"].(string); rt != resourceType {
		return nil, fmt.Errorf("%w: expected resourceType %s, got %q", ErrInvalidResource, resourceType, rt)
	}
	return m, nil
}

// stamp sets id and meta on m and returns the encoded resource.
func stamp(m map[string]interface{}, id string, version int, at time.Time) (json.RawMessage, error) {
	m["id"] = id
	meta, _ := m["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = at.Format(time.RFC3339Nano)
	m["meta"] = meta
	return json.Marshal(m)
}

// publish runs under s.mu so listeners see mutations of one resource in
// version order.
func (s *Store) publish(ctx context.Context, resourceType, id, action string, rec *record) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, fhir.ResourceEvent{
		ResourceType: resourceType,
		ResourceID:   id,
		VersionID:    rec.version,
		Action:       action,
		Resource:     rec.body,
		Timestamp:    rec.lastUpdated,
	})
}

// Create stores body under a new server-assigned id.
func (s *Store) Create(ctx context.Context, resourceType string, body []byte) (json.RawMessage, error) {
	if err := checkType(resourceType); err != nil {
		return nil, err
	}
	m, err := decode(resourceType, body)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	raw, err := stamp(m, id, 1, now)
	if err != nil {
		return nil, err
	}
	rec := &record{body: raw, version: 1, lastUpdated: now}

	s.mu.Lock()
	byID := s.resources[resourceType]
	if byID == nil {
		byID = make(map[string]*record)
		s.resources[resourceType] = byID
	}
	byID[id] = rec
	s.publish(ctx, resourceType, id, fhir.ActionCreate, rec)
	s.mu.Unlock()
	return raw, nil
}

func (s *Store) Read(_ context.Context, resourceType, id string) (json.RawMessage, error) {
	if err := checkType(resourceType); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.resources[resourceType][id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.body, nil
}

// Update replaces the resource stored under id, creating it when absent. The
// returned flag reports whether a new resource was created.
func (s *Store) Update(ctx context.Context, resourceType, id string, body []byte) (json.RawMessage, bool, error) {
	if err := checkType(resourceType); err != nil {
		return nil, false, err
	}
	m, err := decode(resourceType, body)
	if err != nil {
		return nil, false, err
	}
	if bodyID, _ := m["id"].(string); bodyID != "" && bodyID != id {
		return nil, false, fmt.Errorf("%w: resource id %s does not match %s", ErrInvalidResource, bodyID, id)
	}

	s.mu.Lock()
	byID := s.resources[resourceType]
	if byID == nil {
		byID = make(map[string]*record)
		s.resources[resourceType] = byID
	}
	version := 1
	prev, exists := byID[id]
	if exists {
		version = prev.version + 1
	}
	now := time.Now().UTC()
	raw, err := stamp(m, id, version, now)
	if err != nil {
		s.mu.Unlock()
		return nil, false, err
	}
	rec := &record{body: raw, version: version, lastUpdated: now}
	byID[id] = rec
	action := fhir.ActionUpdate
	if !exists {
		action = fhir.ActionCreate
	}
	s.publish(ctx, resourceType, id, action, rec)
	s.mu.Unlock()
	return raw, !exists, nil
}

// Delete removes the resource. The delete event carries the last stored body.
func (s *Store) Delete(ctx context.Context, resourceType, id string) error {
	if err := checkType(resourceType); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.resources[resourceType][id]
	if !ok {
		return ErrNotFound
	}
	delete(s.resources[resourceType], id)
	s.publish(ctx, resourceType, id, fhir.ActionDelete, rec)
	return nil
}

// Search returns resources of resourceType matching query, newest first.
// Query parameters use the same semantics as subscription criteria.
func (s *Store) Search(_ context.Context, resourceType string, query url.Values, limit, offset int) ([]json.RawMessage, int, error) {
	if err := checkType(resourceType); err != nil {
		return nil, 0, err
	}
	expr := resourceType
	if len(query) > 0 {
		expr += "?" + query.Encode()
	}
	criteria, err := s.matcher.Compile(expr)
	if err != nil {
		return nil, 0, err
	}

	type hit struct {
		id  string
		rec *record
	}
	var hits []hit
	s.mu.RLock()
	for id, rec := range s.resources[resourceType] {
		var body map[string]interface{}
		if err := json.Unmarshal(rec.body, &body); err != nil {
			continue
		}
		if s.matcher.MatchResource(resourceType, body, criteria) {
			hits = append(hits, hit{id: id, rec: rec})
		}
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].rec.lastUpdated.Equal(hits[j].rec.lastUpdated) {
			return hits[i].rec.lastUpdated.After(hits[j].rec.lastUpdated)
		}
		return hits[i].id < hits[j].id
	})

	total := len(hits)
	if offset >= total || limit <= 0 {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]json.RawMessage, 0, end-offset)
	for _, h := range hits[offset:end] {
		out = append(out, h.rec.body)
	}
	return out, total, nil
}
