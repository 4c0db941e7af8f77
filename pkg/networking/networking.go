/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package networking

import (
	"fmt"
	"net"
	"strconv"
)

const (
	// Bind address used for listeners that must only be reachable from the local machine.
	Localhost = "127.0.0.1"
	// Bind address used for listeners that accept debuggers running on other machines.
	AllInterfaces = "0.0.0.0"
)

// Endpoint is a serializable host/port pair.
type Endpoint struct {
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port" yaml:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// EndpointOf converts a TCP network address to an Endpoint. Other address types yield a zero port.
func EndpointOf(addr net.Addr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	if tcpAddr, isTCP := addr.(*net.TCPAddr); isTCP {
		return Endpoint{Address: tcpAddr.IP.String(), Port: tcpAddr.Port}
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{Address: addr.String()}
	}
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Address: host, Port: port}
}

// ListenTCP opens a TCP listener on the given address and port (0 means any free port).
func ListenTCP(address string, port int) (net.Listener, error) {
	if address == "" {
		address = Localhost
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s port %d: %w", address, port, err)
	}
	return listener, nil
}
