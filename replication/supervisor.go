// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package replication

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// ErrUnrecoverable is returned when the server keeps rejecting the client at
// the protocol level and reconnecting cannot help. The process exits with
// status 2 on this error.
var ErrUnrecoverable = errors.New("replication: repeated protocol errors, giving up")

// Supervisor owns the reconnect loop around a Client. Socket errors reconnect
// with 1s..30s exponential backoff; protocol ERRORs also reconnect, but after
// maxProtocolErrors consecutive ones the supervisor gives up. The durable
// event cursor lives in storage, so no progress is lost across reconnects.
type Supervisor struct {
	Client *Client

	// MaxProtocolErrors bounds consecutive ERROR-command sessions before
	// ErrUnrecoverable. Zero means the default of 5.
	MaxProtocolErrors int
}

func (s *Supervisor) Run(ctx context.Context) error {
	maxProto := s.MaxProtocolErrors
	if maxProto <= 0 {
		maxProto = 5
	}

	backoff := reconnectMin
	protocolErrors := 0
	for {
		err := s.Client.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if s.Client.wasReady() {
			backoff = reconnectMin
		}

		var perr *ProtocolError
		if errors.As(err, &perr) {
			protocolErrors++
			log.WithError(err).WithField("consecutive", protocolErrors).Error("Replication server sent ERROR")
			if protocolErrors >= maxProto {
				return ErrUnrecoverable
			}
		} else {
			protocolErrors = 0
			log.WithError(err).Error("Replication connection lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}
