// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
)

// EventFormat distinguishes the two wire shapes a PDU can take. V1 events
// carry their own event_id; V2 events derive it from the content hash and
// the field is never sent on the wire.
type EventFormat int

const (
	EventFormatV1 EventFormat = 1
	EventFormatV2 EventFormat = 2
)

// PduEvent is a room event in one of the two wire shapes. The shared field
// set is identical; serialization branches on Format.
type PduEvent struct {
	Format EventFormat `json:"-"`

	// EventID is only populated, and only serialized, for V1 events.
	EventID        string                       `json:"-"`
	RoomID         string                       `json:"-"`
	Sender         string                       `json:"-"`
	Origin         spec.ServerName              `json:"-"`
	OriginServerTS spec.Timestamp               `json:"-"`
	Type           string                       `json:"-"`
	Content        spec.RawJSON                 `json:"-"`
	Depth          int64                        `json:"-"`
	AuthEvents     spec.RawJSON                 `json:"-"`
	PrevEvents     spec.RawJSON                 `json:"-"`
	PrevState      spec.RawJSON                 `json:"-"`
	StateKey       *string                      `json:"-"`
	Redacts        string                       `json:"-"`
	Hashes         spec.RawJSON                 `json:"-"`
	Signatures     map[string]map[string]string `json:"-"`
	Unsigned       spec.RawJSON                 `json:"-"`
}

// pduFields is the common wire shape. event_id is carried separately so that
// MarshalJSON can branch on the format tag.
type pduFields struct {
	EventID        string                       `json:"event_id,omitempty"`
	RoomID         string                       `json:"room_id"`
	Sender         string                       `json:"sender"`
	Origin         spec.ServerName              `json:"origin,omitempty"`
	OriginServerTS spec.Timestamp               `json:"origin_server_ts"`
	Type           string                       `json:"type"`
	Content        spec.RawJSON                 `json:"content"`
	Depth          int64                        `json:"depth"`
	AuthEvents     spec.RawJSON                 `json:"auth_events,omitempty"`
	PrevEvents     spec.RawJSON                 `json:"prev_events,omitempty"`
	PrevState      spec.RawJSON                 `json:"prev_state,omitempty"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Redacts        string                       `json:"redacts,omitempty"`
	Hashes         spec.RawJSON                 `json:"hashes,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned       spec.RawJSON                 `json:"unsigned,omitempty"`
}

func (p *PduEvent) MarshalJSON() ([]byte, error) {
	fields := pduFields{
		RoomID:         p.RoomID,
		Sender:         p.Sender,
		Origin:         p.Origin,
		OriginServerTS: p.OriginServerTS,
		Type:           p.Type,
		Content:        p.Content,
		Depth:          p.Depth,
		AuthEvents:     p.AuthEvents,
		PrevEvents:     p.PrevEvents,
		PrevState:      p.PrevState,
		StateKey:       p.StateKey,
		Redacts:        p.Redacts,
		Hashes:         p.Hashes,
		Signatures:     p.Signatures,
		Unsigned:       p.Unsigned,
	}
	if p.Format == EventFormatV1 {
		fields.EventID = p.EventID
	}
	return json.Marshal(fields)
}

func (p *PduEvent) UnmarshalJSON(data []byte) error {
	var fields pduFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*p = PduEvent{
		Format:         EventFormatV2,
		RoomID:         fields.RoomID,
		Sender:         fields.Sender,
		Origin:         fields.Origin,
		OriginServerTS: fields.OriginServerTS,
		Type:           fields.Type,
		Content:        fields.Content,
		Depth:          fields.Depth,
		AuthEvents:     fields.AuthEvents,
		PrevEvents:     fields.PrevEvents,
		PrevState:      fields.PrevState,
		StateKey:       fields.StateKey,
		Redacts:        fields.Redacts,
		Hashes:         fields.Hashes,
		Signatures:     fields.Signatures,
		Unsigned:       fields.Unsigned,
	}
	if gjson.GetBytes(data, "event_id").Exists() {
		p.Format = EventFormatV1
		p.EventID = fields.EventID
	}
	return nil
}

// NewPduEventFromJSON decodes a stored event body into the given wire format.
// The format comes from storage rather than the JSON itself because V1 bodies
// persisted by older servers do not always retain their event_id field.
func NewPduEventFromJSON(data []byte, format EventFormat) (*PduEvent, error) {
	var p PduEvent
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed event JSON: %w", err)
	}
	p.Format = format
	if format == EventFormatV1 && p.EventID == "" {
		p.EventID = gjson.GetBytes(data, "event_id").String()
	}
	return &p, nil
}

// Edu is an ephemeral data unit addressed to a single destination. The
// InternalKey, StreamID and UserID fields are process-internal bookkeeping
// and never appear on the wire.
type Edu struct {
	Type        string          `json:"edu_type"`
	Origin      spec.ServerName `json:"origin,omitempty"`
	Destination spec.ServerName `json:"destination,omitempty"`
	Content     spec.RawJSON    `json:"content"`

	// InternalKey dedups pending EDUs: re-sending an EDU with the same key
	// to the same destination replaces the queued one if it is in the
	// destination's tail pending transaction; earlier transactions keep theirs.
	InternalKey string `json:"-"`
	// StreamID is the device outbox / poke row this EDU carries, used to
	// prune storage after a successful send.
	StreamID int64 `json:"-"`
	// UserID pairs with StreamID for device list pokes.
	UserID string `json:"-"`
}

// Transaction caps. A transaction never carries more than MaxPDUsPerTransaction
// PDUs or MaxEDUsPerTransaction EDUs.
const (
	MaxPDUsPerTransaction = 50
	MaxEDUsPerTransaction = 100
)

// Transaction is the unit of federation delivery. Instances live in a
// per-destination FIFO until a sender pops them; transaction ids are unique
// per (origin, destination) for the lifetime of the process so the peer can
// deduplicate retries.
type Transaction struct {
	TransactionID  gomatrixserverlib.TransactionID
	Origin         spec.ServerName
	OriginServerTS spec.Timestamp
	Destination    spec.ServerName
	PDUs           []*PduEvent
	EDUs           []*Edu
}

// Full reports whether the transaction has hit either cap and cannot take
// items of any kind: a transaction at the EDU cap takes no more PDUs, and
// one at the PDU cap takes no more EDUs.
func (t *Transaction) Full() bool {
	return len(t.PDUs) >= MaxPDUsPerTransaction || len(t.EDUs) >= MaxEDUsPerTransaction
}

// Wire converts to the gomatrixserverlib transaction handed to the signing
// and HTTP collaborator.
func (t *Transaction) Wire() (gomatrixserverlib.Transaction, error) {
	wire := gomatrixserverlib.Transaction{
		TransactionID:  t.TransactionID,
		Origin:         t.Origin,
		OriginServerTS: t.OriginServerTS,
		Destination:    t.Destination,
	}
	for _, pdu := range t.PDUs {
		body, err := json.Marshal(pdu)
		if err != nil {
			return wire, fmt.Errorf("marshalling PDU %q: %w", pdu.EventID, err)
		}
		wire.PDUs = append(wire.PDUs, body)
	}
	for _, edu := range t.EDUs {
		wire.EDUs = append(wire.EDUs, gomatrixserverlib.EDU{
			Type:        edu.Type,
			Origin:      string(edu.Origin),
			Destination: string(edu.Destination),
			Content:     edu.Content,
		})
	}
	return wire, nil
}

// PresenceState mirrors one row of the presence replication stream.
type PresenceState struct {
	UserID          string `json:"user_id"`
	State           string `json:"state"`
	LastActiveTS    int64  `json:"last_active_ts"`
	StatusMsg       string `json:"status_msg,omitempty"`
	CurrentlyActive bool   `json:"currently_active"`
}

// ServerEvent is one row of the events view read back from storage between
// two stream positions.
type ServerEvent struct {
	StreamOrdering int64
	EventID        string
	RoomID         string
	Sender         string
	Type           string
	Format         EventFormat
	JSON           []byte
}

// DeviceMessage is one pending row of the device federation outbox.
type DeviceMessage struct {
	Destination  spec.ServerName
	StreamID     int64
	MessagesJSON []byte
}

// DeviceListPoke is one pending row of the outbound device list poke table.
type DeviceListPoke struct {
	Destination spec.ServerName
	StreamID    int64
	UserID      string
}

// RetryState is the persisted backoff state for one destination.
type RetryState struct {
	FailureCount   uint32
	RetryUntil     spec.Timestamp
	Classification string
}

// Backoff reports whether the entry still forbids an attempt at the given
// time.
func (r RetryState) Backoff(now time.Time) bool {
	return r.RetryUntil > 0 && spec.AsTimestamp(now) < r.RetryUntil
}

// ServerPart returns the server name portion of a Matrix identifier such as
// @user:example.org or !room:example.org. Identifiers without a server part
// return "".
func ServerPart(id string) spec.ServerName {
	_, domain, found := strings.Cut(id, ":")
	if !found || domain == "" {
		return ""
	}
	return spec.ServerName(domain)
}
