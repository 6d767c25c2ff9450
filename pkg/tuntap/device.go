// Package tuntap wraps a TAP device so the datapath can read and write
// Ethernet frames through a read_packet/write_packet pair. TAP (not TUN)
// is used because the datapath's unit of work is an Ethernet frame
// throughout.
package tuntap

import (
	"encoding/binary"
	"fmt"
	"os/exec"

	"github.com/songgao/water"

	"github.com/meshwire/meshwire/pkg/frame"
)

// ifaceDevice is the minimal surface this package needs from a TAP handle.
type ifaceDevice interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
	Name() string
}

// Device is a TAP interface bound to an IP/netmask.
type Device struct {
	iface ifaceDevice
	name  string
}

// New creates (or attaches to) a TAP device and configures it.
func New(name, ipAddr, netmask string) (*Device, error) {
	cfg := water.Config{DeviceType: water.TAP}
	if name != "" {
		cfg.Name = name
	}

	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("tuntap: create TAP device: %w", err)
	}

	d := &Device{iface: iface, name: iface.Name()}

	if ipAddr != "" && netmask != "" {
		if err := d.configureIP(ipAddr, netmask); err != nil {
			d.Close()
			return nil, fmt.Errorf("tuntap: configure IP: %w", err)
		}
	}

	return d, nil
}

func (d *Device) configureIP(ipAddr, netmask string) error {
	if err := exec.Command("ip", "link", "set", "dev", d.name, "up").Run(); err != nil {
		return fmt.Errorf("bring up %s: %w", d.name, err)
	}
	cidr := fmt.Sprintf("%s/%s", ipAddr, netmask)
	if err := exec.Command("ip", "addr", "add", cidr, "dev", d.name).Run(); err != nil {
		return fmt.Errorf("assign %s to %s: %w", cidr, d.name, err)
	}
	return nil
}

// Name returns the kernel-assigned or requested interface name.
func (d *Device) Name() string { return d.name }

// ReadPacket reads the next frame from the device into p. For IPv4 frames
// the IP header's TOS byte becomes the packet's priority hint, feeding
// the egress pipeline's priority inheritance.
func (d *Device) ReadPacket(p *frame.Packet) (bool, error) {
	n, err := d.iface.Read(p.Raw[4:])
	if err != nil {
		return false, fmt.Errorf("tuntap: read: %w", err)
	}
	p.Len = n
	p.Priority = 0

	payload := p.Payload()
	if len(payload) >= frame.EthernetHeaderSize+2 &&
		binary.BigEndian.Uint16(payload[12:14]) == frame.EtherTypeIPv4 {
		p.Priority = int(payload[frame.EthernetHeaderSize+1])
	}
	return true, nil
}

// WritePacket enqueues a frame to the device.
func (d *Device) WritePacket(p *frame.Packet) error {
	if _, err := d.iface.Write(p.Payload()); err != nil {
		return fmt.Errorf("tuntap: write: %w", err)
	}
	return nil
}

// Close releases the device.
func (d *Device) Close() error {
	return d.iface.Close()
}
