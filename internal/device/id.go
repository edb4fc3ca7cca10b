package device

import (
	"errors"
	"net"

	"github.com/google/uuid"
)

// agentNamespace scopes agent ids derived from hardware addresses.
var agentNamespace = uuid.MustParse("6f1c9a52-3b7e-4d2a-9f0e-51c2d8e4a7b3")

// ErrNoInterface is returned when the host has no usable network interface.
var ErrNoInterface = errors.New("no valid network interface found")

// GetMACAddress returns the MAC address of the first valid network interface (non-loopback).
func GetMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range interfaces {
		// Skip loopback interfaces and those that are down
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}

	return "", ErrNoInterface
}

// AgentID returns a stable id for this host, derived from its MAC address so that it
// survives reinstalls. Hosts without a usable interface get a random id.
func AgentID() string {
	mac, err := GetMACAddress()
	if err != nil {
		return uuid.NewString()
	}
	return AgentIDFor(mac)
}

// AgentIDFor derives the agent id for a MAC address.
func AgentIDFor(mac string) string {
	if hw, err := net.ParseMAC(mac); err == nil {
		mac = hw.String()
	}
	return uuid.NewSHA1(agentNamespace, []byte(mac)).String()
}
