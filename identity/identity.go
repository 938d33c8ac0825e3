// Copyright 2024 The Roundsman Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package identity derives a stable worker uuid from the host's network
// node id and the running user. The uuid is self-asserted: this package
// makes no attempt to authenticate it to the controller, per the system's
// non-goals.
package identity

import (
	"fmt"
	"net"
	"os"
	"os/user"

	"github.com/google/uuid"
)

// namespace is a fixed, arbitrary uuid used as the base for UUIDv5
// derivation so that the same (node, user) pair always yields the same
// worker uuid across process restarts.
var namespace = uuid.MustParse("6f0a4b2e-2d38-4a1a-9c2b-7a9d9d6e0a10")

// Self derives this host's worker uuid from its primary network node id and
// the current user. The result is a pure function of those two inputs and
// does not change within a process lifetime.
func Self() (string, error) {
	node, err := NodeID()
	if err != nil {
		return "", fmt.Errorf("identity: resolving node id: %w", err)
	}
	username, err := Username()
	if err != nil {
		return "", fmt.Errorf("identity: resolving user: %w", err)
	}
	return Derive(node, username), nil
}

// Derive computes the deterministic uuid for a given (node, user) pair.
func Derive(node, username string) string {
	return uuid.NewSHA1(namespace, []byte(node+":"+username)).String()
}

// NodeID returns the MAC address of the first non-loopback network
// interface that has one, formatted as a colon-separated hex string. If no
// interface exposes a hardware address (common inside containers), it
// falls back to the host's reported hostname so identity derivation still
// succeeds deterministically on that host.
func NodeID() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("no network interface has a hardware address, and hostname lookup failed: %w", err)
	}
	return host, nil
}

// Username returns the name of the user running the process.
func Username() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}
