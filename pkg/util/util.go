// Copyright 2025 JC-Lab
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-FEL

// Package util holds the one piece of host-identity plumbing the fleet
// overlay needs outside of the node/client/relaymanager packages
// themselves: loading (or minting) the Ed25519 key an installation's
// fleet-gateway presents as its libp2p identity.
package util

import (
	"crypto/rand"
	"errors"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// LoadOrCreatePrivateKey loads a private key from path, or generates and
// persists a new Ed25519 key there if none exists yet. A fleet-gateway's
// identity must survive restarts so peers that have dialed it before keep
// resolving the same peer ID.
func LoadOrCreatePrivateKey(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, err
		}
		data, err = crypto.MarshalPrivateKey(privKey)
		if err != nil {
			return nil, err
		}
		return privKey, os.WriteFile(path, data, 0600)
	} else if err != nil {
		return nil, err
	}
	priv, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, err
	}
	return priv, nil
}
