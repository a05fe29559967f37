package subscription

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/fhirsub/internal/platform/notify"
	"github.com/google/uuid"
)

// Subscription statuses.
const (
	StatusRequested = "requested"
	StatusActive    = "active"
	StatusError     = "error"
	StatusOff       = "off"
)

// Channel types.
const (
	ChannelWebsocket = notify.ChannelWebsocket
	ChannelRestHook  = notify.ChannelRestHook
)

// ResourceType is the FHIR type of the resources this package manages.
const ResourceType = "Subscription"

// DefaultWebsocketPayload is used when a websocket subscription names no payload.
const DefaultWebsocketPayload = "application/json"

// Subscription maps to the subscription table (FHIR Subscription resource).
type Subscription struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	FHIRID          string     `db:"fhir_id" json:"fhir_id"`
	Status          string     `db:"status" json:"status"`
	Reason          string     `db:"reason" json:"reason,omitempty"`
	Criteria        string     `db:"criteria" json:"criteria"`
	ChannelType     string     `db:"channel_type" json:"channel_type"`
	ChannelEndpoint string     `db:"channel_endpoint" json:"channel_endpoint,omitempty"`
	ChannelPayload  string     `db:"channel_payload" json:"channel_payload,omitempty"`
	ChannelHeaders  []string   `db:"channel_headers" json:"channel_headers,omitempty"`
	EndTime         *time.Time `db:"end_time" json:"end_time,omitempty"`
	ErrorText       *string    `db:"error_text" json:"error_text,omitempty"`
	VersionID       int        `db:"version_id" json:"version_id"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

func (s *Subscription) clone() *Subscription {
	c := *s
	if s.ChannelHeaders != nil {
		c.ChannelHeaders = append([]string(nil), s.ChannelHeaders...)
	}
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.ErrorText != nil {
		e := *s.ErrorText
		c.ErrorText = &e
	}
	return &c
}

// Info returns the dispatcher's view of the subscription.
func (s *Subscription) Info() notify.SubscriptionInfo {
	return notify.SubscriptionInfo{
		ID:              s.ID,
		FHIRID:          s.FHIRID,
		Criteria:        s.Criteria,
		ChannelType:     s.ChannelType,
		ChannelEndpoint: s.ChannelEndpoint,
		ChannelPayload:  s.ChannelPayload,
		ChannelHeaders:  append([]string(nil), s.ChannelHeaders...),
	}
}

// ToFHIR converts the Subscription to a FHIR R4 Subscription resource map.
func (s *Subscription) ToFHIR() map[string]interface{} {
	channel := map[string]interface{}{
		"type": s.ChannelType,
	}
	if s.ChannelEndpoint != "" {
		channel["endpoint"] = s.ChannelEndpoint
	}
	if s.ChannelPayload != "" {
		channel["payload"] = s.ChannelPayload
	}
	if len(s.ChannelHeaders) > 0 {
		channel["header"] = s.ChannelHeaders
	}

	result := map[string]interface{}{
		"resourceType": ResourceType,
		"id":           s.FHIRID,
		"status":       s.Status,
		"criteria":     s.Criteria,
		"channel":      channel,
		"meta": map[string]interface{}{
			"versionId":   strconv.Itoa(s.VersionID),
			"lastUpdated": s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if s.Reason != "" {
		result["reason"] = s.Reason
	}
	if s.EndTime != nil {
		result["end"] = s.EndTime.UTC().Format(time.RFC3339)
	}
	if s.ErrorText != nil {
		result["error"] = *s.ErrorText
	}
	return result
}

type fhirSubscription struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
	Criteria     string `json:"criteria"`
	End          string `json:"end"`
	Channel      struct {
		Type     string   `json:"type"`
		Endpoint string   `json:"endpoint"`
		Payload  string   `json:"payload"`
		Header   []string `json:"header"`
	} `json:"channel"`
}

// FromFHIR parses a FHIR R4 Subscription resource. Channel types are
// normalised to lower case.
func FromFHIR(data []byte) (*Subscription, error) {
	var r fhirSubscription
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}
	if r.ResourceType != "" && r.ResourceType != ResourceType {
		return nil, fmt.Errorf("%w: expected resourceType Subscription, got %q", ErrInvalidSubscription, r.ResourceType)
	}

	sub := &Subscription{
		FHIRID:          r.ID,
		Status:          strings.ToLower(strings.TrimSpace(r.Status)),
		Reason:          r.Reason,
		Criteria:        strings.TrimSpace(r.Criteria),
		ChannelType:     strings.ToLower(strings.TrimSpace(r.Channel.Type)),
		ChannelEndpoint: strings.TrimSpace(r.Channel.Endpoint),
		ChannelPayload:  strings.TrimSpace(r.Channel.Payload),
		ChannelHeaders:  r.Channel.Header,
	}
	if r.End != "" {
		end, err := time.Parse(time.RFC3339, r.End)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid end %q", ErrInvalidSubscription, r.End)
		}
		sub.EndTime = &end
	}
	return sub, nil
}

// Notification delivery statuses.
const (
	NotificationDelivered = notify.ResultDelivered
	NotificationFailed    = notify.ResultFailed
	NotificationDropped   = notify.ResultDropped
)

// SubscriptionNotification is one entry of a subscription's delivery log.
type SubscriptionNotification struct {
	ID             uuid.UUID `db:"id" json:"id"`
	SubscriptionID uuid.UUID `db:"subscription_id" json:"subscription_id"`
	EventNumber    int64     `db:"event_number" json:"event_number"`
	ResourceType   string    `db:"resource_type" json:"resource_type"`
	ResourceID     string    `db:"resource_id" json:"resource_id"`
	EventType      string    `db:"event_type" json:"event_type"`
	ChannelType    string    `db:"channel_type" json:"channel_type"`
	Status         string    `db:"status" json:"status"`
	LastError      *string   `db:"last_error" json:"last_error,omitempty"`
	DurationMS     int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
