package sysinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"device-recovery/internal/device"
)

// Host describes the machine running the agent. It travels with the device-connected
// report so an operator can tell which workstation handled a case.
type Host struct {
	AgentID         string `json:"agent_id"`
	AgentVersion    string `json:"agent_version,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	Arch            string `json:"arch"`
	CPUModel        string `json:"cpu_model,omitempty"`
	CPUCores        int    `json:"cpu_cores,omitempty"`
	TotalRAM        string `json:"total_ram,omitempty"`
	MACAddress      string `json:"mac_address,omitempty"`
	IPAddress       string `json:"ip_address,omitempty"`
	GoVersion       string `json:"go_version"`
}

// Collect gathers what it can. Every probe is best effort; a failed probe leaves its
// fields empty.
func Collect(ctx context.Context, version string) *Host {
	h := &Host{
		AgentID:      device.AgentID(),
		AgentVersion: version,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		GoVersion:    runtime.Version(),
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		h.Hostname = info.Hostname
		h.Platform = info.Platform
		h.PlatformVersion = info.PlatformVersion
		h.KernelVersion = info.KernelVersion
		if info.KernelArch != "" {
			h.Arch = info.KernelArch
		}
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		h.CPUModel = cpus[0].ModelName
		h.CPUCores = len(cpus)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.TotalRAM = fmt.Sprintf("%d MB", vm.Total/1024/1024)
	}

	if ifaces, err := net.InterfacesWithContext(ctx); err == nil {
		h.MACAddress, h.IPAddress = primaryAddress(ifaces)
	}
	return h
}

// primaryAddress picks the first non-loopback interface with a hardware address,
// preferring one that has an IPv4 address.
func primaryAddress(ifaces net.InterfaceStatList) (mac, ip string) {
	for _, iface := range ifaces {
		if slices.Contains(iface.Flags, "loopback") || iface.HardwareAddr == "" {
			continue
		}
		if mac == "" {
			mac = iface.HardwareAddr
		}
		for _, addr := range iface.Addrs {
			if strings.Contains(addr.Addr, ".") {
				return iface.HardwareAddr, addr.Addr
			}
		}
	}
	return mac, ""
}

// Descriptor returns h as the JSON document sent to the registry.
func (h *Host) Descriptor() json.RawMessage {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil
	}
	return raw
}
