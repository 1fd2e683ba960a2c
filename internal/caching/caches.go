// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

const (
	EnableMetrics  = true
	DisableMetrics = false
)

// Caches is the set of cache partitions the sender uses. Today that is a
// single partition: joined hosts per room, which sits in front of the
// membership table on the hot path of the event pump.
type Caches struct {
	JoinedHosts *RistrettoCachePartition[string, []spec.ServerName]
}

// JoinedHostsCache caches the joined-hosts lookup per room. Entries are
// dropped whenever a membership event for the room passes through the event
// pump, and age out regardless so a missed invalidation cannot wedge
// routing forever.
type JoinedHostsCache interface {
	GetJoinedHosts(roomID string) ([]spec.ServerName, bool)
	StoreJoinedHosts(roomID string, hosts []spec.ServerName)
	InvalidateJoinedHosts(roomID string)
}

func (c *Caches) GetJoinedHosts(roomID string) ([]spec.ServerName, bool) {
	return c.JoinedHosts.Get(roomID)
}

func (c *Caches) StoreJoinedHosts(roomID string, hosts []spec.ServerName) {
	c.JoinedHosts.Set(roomID, hosts)
}

func (c *Caches) InvalidateJoinedHosts(roomID string) {
	c.JoinedHosts.Unset(roomID)
}

// Reasonable defaults when the config does not say otherwise.
const (
	DefaultMaxCost = 16 * 1024 * 1024
	DefaultMaxAge  = 5 * time.Minute
)
