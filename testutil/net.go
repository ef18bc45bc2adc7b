/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"errors"
	"fmt"
	"net"
	"time"
)

const pollInterval = 10 * time.Millisecond

// GetLocalAddrWithFreeTCPPort returns a 127.0.0.1:<port> address where the port was free at the moment of the call.
func GetLocalAddrWithFreeTCPPort() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().String()
}

// WaitListeningServer polls addr until a TCP connection succeeds or the timeout expires.
func WaitListeningServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return conn.Close()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server at %s is not listening after %s: %w", addr, timeout, err)
		}
		time.Sleep(pollInterval)
	}
}

// WaitPortAndListeningServer waits for getPort to report a bound port and then for the server to accept connections.
func WaitPortAndListeningServer(host string, getPort func() int, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	port := getPort()
	for port <= 0 {
		if time.Now().After(deadline) {
			return 0, errors.New("listening port was not assigned in time")
		}
		time.Sleep(pollInterval)
		port = getPort()
	}
	return port, WaitListeningServer(net.JoinHostPort(host, fmt.Sprint(port)), time.Until(deadline))
}
