package sysinfo

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"

	"github.com/shirou/gopsutil/v4/net"
)

func TestCollect(t *testing.T) {
	h := Collect(context.Background(), "1.4.0")
	if h.GoVersion != runtime.Version() || h.OS != runtime.GOOS || h.AgentID == "" {
		t.Errorf("host = %+v", h)
	}

	var back map[string]any
	if err := json.Unmarshal(h.Descriptor(), &back); err != nil {
		t.Fatal(err)
	}
	if back["agent_version"] != "1.4.0" {
		t.Errorf("descriptor = %v", back)
	}
}

func TestPrimaryAddress(t *testing.T) {
	ifaces := net.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, HardwareAddr: "00:00:00:00:00:00",
			Addrs: net.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
		{Name: "wlan0", Flags: []string{"up"}, HardwareAddr: "aa:bb:cc:00:00:01",
			Addrs: net.InterfaceAddrList{{Addr: "fe80::1/64"}}},
		{Name: "eth0", Flags: []string{"up"}, HardwareAddr: "aa:bb:cc:00:00:02",
			Addrs: net.InterfaceAddrList{{Addr: "fe80::2/64"}, {Addr: "192.168.1.20/24"}}},
	}
	mac, ip := primaryAddress(ifaces)
	if mac != "aa:bb:cc:00:00:02" || ip != "192.168.1.20/24" {
		t.Errorf("got %s %s", mac, ip)
	}

	mac, ip = primaryAddress(ifaces[:2])
	if mac != "aa:bb:cc:00:00:01" || ip != "" {
		t.Errorf("no IPv4: got %s %q", mac, ip)
	}
}
