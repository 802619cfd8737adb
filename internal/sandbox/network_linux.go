//go:build linux

package sandbox

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ifreqFlags mirrors the portion of struct ifreq used by SIOC{G,S}IFFLAGS:
// a 16-byte interface name followed by the flags field.
type ifreqFlags struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// networkHelper owns the optional TAP/NAT path for one sandboxed process
// (spec §4.5.5). Loopback-only is the default (CLONE_NEWNET with nothing
// else configured); AllowNetwork layers a tap device, veth-style NAT, and
// an IP address drawn from cfg.Network.CIDR on top.
type networkHelper struct {
	cfg     NetworkConfig
	tapName string
	proxy   *DomainProxy
}

func newNetworkHelper(cfg NetworkConfig) *networkHelper {
	return &networkHelper{cfg: cfg}
}

// bringUpLoopback enables "lo" inside the target's network namespace. This
// runs after the namespace has been entered (CLONE_NEWNET leaves lo down),
// using a plain AF_INET socket + SIOCSIFFLAGS rather than a netlink library
// since the dependency corpus carries no direct (non-indirect) netlink
// dependency to ground one on.
func bringUpLoopback() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(fd)

	var ifr ifreqFlags
	copy(ifr.Name[:], "lo")

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCGIFFLAGS, uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		return fmt.Errorf("SIOCGIFFLAGS lo: %w", errno)
	}
	ifr.Flags |= unix.IFF_UP | unix.IFF_RUNNING
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.SIOCSIFFLAGS, uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		return fmt.Errorf("SIOCSIFFLAGS lo: %w", errno)
	}
	return nil
}

// setupTap creates a TAP device in the host namespace, moves it into the
// target's netns (pid), assigns it the first usable address in cfg.CIDR,
// and installs a MASQUERADE rule so the sandboxed namespace gets outbound
// internet through the host's default route — the TAP/NAT helper spec
// §4.5.5 describes. iptables/ip are invoked directly (no netlink library
// in the dependency corpus to build this on instead), mirroring how
// slirp4netns-style userspace network helpers are commonly built.
func (h *networkHelper) setupTap(pid int, ifName string) error {
	h.tapName = ifName
	pidStr := strconv.Itoa(pid)

	steps := [][]string{
		{"ip", "tuntap", "add", "dev", ifName, "mode", "tap"},
		{"ip", "link", "set", ifName, "netns", pidStr},
		{"ip", "netns", "exec", pidStr, "ip", "link", "set", ifName, "up"},
	}
	if addr, err := firstUsableAddr(h.cfg.CIDR); err == nil {
		steps = append(steps, []string{"ip", "netns", "exec", pidStr, "ip", "addr", "add", addr, "dev", ifName})
	}
	if h.cfg.MTU > 0 {
		steps = append(steps, []string{"ip", "netns", "exec", pidStr, "ip", "link", "set", ifName, "mtu", strconv.Itoa(h.cfg.MTU)})
	}
	if h.cfg.DisableIPv6 {
		steps = append(steps, []string{"ip", "netns", "exec", pidStr, "sysctl", "-w", "net.ipv6.conf." + ifName + ".disable_ipv6=1"})
	}
	steps = append(steps,
		[]string{"iptables", "-t", "nat", "-A", "POSTROUTING", "-s", h.cfg.CIDR, "-j", "MASQUERADE"},
	)

	for _, step := range steps {
		if out, err := exec.Command(step[0], step[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("sandbox network: %v: %w: %s", step, err, out)
		}
	}

	if len(h.cfg.AllowedDomains) > 0 {
		proxy, err := StartProxy(h.cfg.AllowedDomains)
		if err != nil {
			return fmt.Errorf("sandbox network: domain proxy: %w", err)
		}
		h.proxy = proxy
	}
	return nil
}

// Teardown removes the NAT rule and any domain proxy. The TAP device and
// its netns membership disappear with the sandboxed process's namespace.
func (h *networkHelper) Teardown() {
	if h.proxy != nil {
		h.proxy.Close()
	}
	if h.tapName == "" {
		return
	}
	exec.Command("iptables", "-t", "nat", "-D", "POSTROUTING", "-s", h.cfg.CIDR, "-j", "MASQUERADE").Run()
}

// firstUsableAddr returns "<first host address in cidr>/<prefix>", e.g.
// 10.0.2.1/24 for 10.0.2.0/24, for assignment to the TAP device inside the
// sandboxed namespace.
func firstUsableAddr(cidr string) (string, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("parse cidr %q: %w", cidr, err)
	}
	v4 := ipNet.IP.To4()
	if v4 == nil {
		return "", fmt.Errorf("cidr %q is not IPv4", cidr)
	}
	addr := append(net.IP{}, v4...)
	addr[len(addr)-1]++
	ones, _ := ipNet.Mask.Size()
	return fmt.Sprintf("%s/%d", addr.String(), ones), nil
}
