// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package statistics

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/federation-sender/types"
)

// Defaults for the exponential backoff schedule.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = time.Hour
)

// Classifications recorded against a retry entry.
const (
	ClassificationTransient = "transient"
	ClassificationTerminal  = "terminal"
)

// Database is the slice of storage the registry needs to persist retry state
// across restarts.
type Database interface {
	SelectRetryState(ctx context.Context, serverName spec.ServerName) (types.RetryState, bool, error)
	UpsertRetryState(ctx context.Context, serverName spec.ServerName, state types.RetryState) error
	DeleteRetryState(ctx context.Context, serverName spec.ServerName) error
}

// Terminal classifies a send failure. Terminal failures are never retried:
// the transaction is dropped and the destination's backoff entry cleared.
// 4xx responses other than 429, malformed response bodies and request
// marshalling/signing failures are terminal; 5xx, 429 and anything
// network-shaped (refused, reset, DNS, TLS handshake timeouts) are transient.
func Terminal(err error) bool {
	var httpErr gomatrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Code == 429 {
			return false
		}
		return httpErr.Code >= 400 && httpErr.Code < 500
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var marshalErr *json.MarshalerError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.As(err, &marshalErr) {
		return true
	}
	return false
}

// Statistics tracks per-destination failure state. Entries are created on
// first failure and cleared on the first subsequent success; they are also
// written through to storage so a restart does not forget a remote that was
// mid-backoff.
type Statistics struct {
	DB Database

	BackoffBase time.Duration
	BackoffCap  time.Duration

	mutex   sync.Mutex
	servers map[spec.ServerName]*ServerStatistics
}

func NewStatistics(db Database, backoffBase, backoffCap time.Duration) *Statistics {
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	if backoffCap <= 0 {
		backoffCap = DefaultBackoffCap
	}
	return &Statistics{
		DB:          db,
		BackoffBase: backoffBase,
		BackoffCap:  backoffCap,
		servers:     map[spec.ServerName]*ServerStatistics{},
	}
}

// ForServer returns the statistics tracker for one destination, creating it
// (and loading any persisted retry state) on first use.
func (s *Statistics) ForServer(serverName spec.ServerName) *ServerStatistics {
	s.mutex.Lock()
	server, ok := s.servers[serverName]
	if !ok {
		server = &ServerStatistics{
			statistics: s,
			serverName: serverName,
		}
		s.servers[serverName] = server
	}
	s.mutex.Unlock()
	server.loadOnce.Do(server.load)
	return server
}

// ServerStatistics is the backoff entry for a single destination.
type ServerStatistics struct {
	statistics *Statistics
	serverName spec.ServerName
	loadOnce   sync.Once

	mutex        sync.Mutex
	failCounter  uint32
	backoffUntil time.Time
}

func (s *ServerStatistics) load() {
	if s.statistics.DB == nil {
		return
	}
	state, ok, err := s.statistics.DB.SelectRetryState(context.Background(), s.serverName)
	if err != nil {
		log.WithError(err).WithField("destination", s.serverName).Warn("Failed to load retry state")
		return
	}
	if !ok {
		return
	}
	s.mutex.Lock()
	s.failCounter = state.FailureCount
	if state.RetryUntil > 0 {
		s.backoffUntil = state.RetryUntil.Time()
	}
	s.mutex.Unlock()
}

// FailureCount returns the current consecutive failure count.
func (s *ServerStatistics) FailureCount() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.failCounter
}

// BackoffUntil returns the time before which no attempt should be made. The
// zero time means the destination is not backing off.
func (s *ServerStatistics) BackoffUntil() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.backoffUntil
}

// Success clears the entry after a successful send or a terminal
// classification: the failure streak is over either way.
func (s *ServerStatistics) Success(ctx context.Context) {
	s.mutex.Lock()
	hadFailures := s.failCounter > 0
	s.failCounter = 0
	s.backoffUntil = time.Time{}
	s.mutex.Unlock()

	if hadFailures && s.statistics.DB != nil {
		if err := s.statistics.DB.DeleteRetryState(ctx, s.serverName); err != nil {
			log.WithError(err).WithField("destination", s.serverName).Warn("Failed to clear retry state")
		}
	}
}

// Failure records a transient failure and returns the delay before the next
// attempt: min(cap, base * 2^(n-1)) scaled by jitter in [0.5, 1.5).
func (s *ServerStatistics) Failure(ctx context.Context) (time.Time, time.Duration) {
	s.mutex.Lock()
	s.failCounter++
	delay := s.statistics.BackoffBase
	for i := uint32(1); i < s.failCounter; i++ {
		delay *= 2
		if delay >= s.statistics.BackoffCap {
			delay = s.statistics.BackoffCap
			break
		}
	}
	if delay > s.statistics.BackoffCap {
		delay = s.statistics.BackoffCap
	}
	delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))
	until := time.Now().Add(delay)
	s.backoffUntil = until
	failCounter := s.failCounter
	s.mutex.Unlock()

	if s.statistics.DB != nil {
		state := types.RetryState{
			FailureCount:   failCounter,
			RetryUntil:     spec.AsTimestamp(until),
			Classification: ClassificationTransient,
		}
		if err := s.statistics.DB.UpsertRetryState(ctx, s.serverName, state); err != nil {
			log.WithError(err).WithField("destination", s.serverName).Warn("Failed to persist retry state")
		}
	}
	return until, delay
}
