// Package cluster describes the nodes participating in a query.
package cluster

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Node identifies a participant of a query. Nodes are compared by value.
type Node struct {
	Host   string
	Port   int
	Device int // Index of the accelerator owned by the node.
}

// ParseNode parses a node from the form host:port or host:port/device.
func ParseNode(s string) (Node, error) {
	if s == "" {
		return Node{}, errors.New("empty node address")
	}

	hostPort, device := s, 0
	if idx := strings.LastIndexByte(s, '/'); idx >= 0 {
		d, err := strconv.Atoi(s[idx+1:])
		if err != nil {
			return Node{}, fmt.Errorf("invalid device index in %q: %w", s, err)
		}
		hostPort, device = s[:idx], d
	}

	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Node{}, fmt.Errorf("invalid node address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Node{}, fmt.Errorf("invalid port in %q", s)
	}
	if device < 0 {
		return Node{}, fmt.Errorf("negative device index in %q", s)
	}
	return Node{Host: host, Port: port, Device: device}, nil
}

// String renders n as host:port/device.
func (n Node) String() string {
	return n.HostPort() + "/" + strconv.Itoa(n.Device)
}

// HostPort returns the network address of n.
func (n Node) HostPort() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// Address returns the network-reachable identity of n.
func (n Node) Address() *Address {
	return &Address{node: n}
}

// Address implements [net.Addr] for a Node. It is only used by transports.
type Address struct {
	node Node
}

var _ net.Addr = (*Address)(nil)

func (a *Address) Network() string { return "tcp" }
func (a *Address) String() string  { return a.node.HostPort() }

// Node returns the node a is addressing.
func (a *Address) Node() Node { return a.node }
