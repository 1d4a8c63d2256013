package main

import (
	"fmt"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/config"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/link/loopback"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/link/tap"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/network/arp"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/network/icmp"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/network/ipv4"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/stack"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/transport/tcp"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip/transport/udp"
)

// engine is the running set of layers built atop one *stack.Stack.
type engine struct {
	st  *stack.Stack
	arp *arp.Cache
	ip  *ipv4.IPv4
	udp *udp.UDP
	tcp *tcp.TCP
}

// buildEngine constructs every layer and brings up the devices cfg
// declares, registering on-link routes for each and a default route if
// configured.
func buildEngine(cfg *config.Config) (*engine, error) {
	st := stack.New(stack.RealClock)
	arpCache := arp.New(st)
	ip := ipv4.New(st, arpCache)
	icmp.New(ip)
	u := udp.New(st, ip)
	tc := tcp.New(st, ip)

	for _, dc := range cfg.Devices {
		if err := bringUpDevice(st, dc); err != nil {
			return nil, fmt.Errorf("uipstack: device %s: %w", dc.Name, err)
		}
	}

	if cfg.DefaultGateway != "" {
		gw, err := tcpip.ParseAddress(cfg.DefaultGateway)
		if err != nil {
			return nil, fmt.Errorf("uipstack: default_gateway: %w", err)
		}
		st.Routes.Add(&stack.Route{
			Network: tcpip.AddrAny,
			Netmask: tcpip.Mask{},
			NextHop: gw,
			Iface:   st.Devices.All()[0].IPv4,
		})
	}

	return &engine{st: st, arp: arpCache, ip: ip, udp: u, tcp: tc}, nil
}

func bringUpDevice(st *stack.Stack, dc config.DeviceConfig) error {
	addr, err := tcpip.ParseAddress(dc.Address)
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	mask, err := tcpip.ParseAddress(dc.Netmask)
	if err != nil {
		return fmt.Errorf("netmask: %w", err)
	}
	netmask := tcpip.Mask{mask[0], mask[1], mask[2], mask[3]}

	var dev *stack.Device
	switch dc.Kind {
	case "loopback", "":
		dev, err = loopback.Register(st)
	case "tap":
		mtu := dc.MTU
		if mtu == 0 {
			mtu = 1500
		}
		dev, err = st.RegisterDevice(dc.Name, mtu, stack.DeviceBroadcast|stack.DeviceNeedARP, tcpip.LinkAddress{}, tcpip.LinkBroadcast, tap.New(st.Dispatch))
	default:
		return fmt.Errorf("unknown device kind %q", dc.Kind)
	}
	if err != nil {
		return err
	}

	iface := stack.NewIPv4Interface(dev, addr, netmask)
	dev.IPv4 = iface
	st.Routes.Add(&stack.Route{
		Network: addr.And(netmask),
		Netmask: netmask,
		NextHop: tcpip.AddrAny,
		Iface:   iface,
	})
	return nil
}
