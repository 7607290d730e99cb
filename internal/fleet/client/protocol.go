// Copyright 2025 JC-Lab
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-FEL

package client

// Fleet overlay libp2p stream protocol IDs.
const (
	ProtoFleetFetch = "/v2h/1.0/fleet/fetch"
)
