// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
)

// LoadSigningIdentity reads the signing key file and returns the identity
// used to sign outbound transactions. The file format is the home-server's
// own: one line of "ed25519 <key id> <unpadded base64 seed>".
func (c *FederationSender) LoadSigningIdentity() (*fclient.SigningIdentity, error) {
	data, err := os.ReadFile(c.SigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "ed25519" {
			continue
		}
		seed, err := base64.RawStdEncoding.DecodeString(fields[2])
		if err != nil {
			return nil, fmt.Errorf("decoding signing key: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key has %d byte seed, want %d", len(seed), ed25519.SeedSize)
		}
		return &fclient.SigningIdentity{
			ServerName: c.ServerName,
			KeyID:      gomatrixserverlib.KeyID("ed25519:" + fields[1]),
			PrivateKey: ed25519.NewKeyFromSeed(seed),
		}, nil
	}
	return nil, fmt.Errorf("no ed25519 key found in %q", c.SigningKeyPath)
}
