//go:build linux

package web

import (
	"net"
	"sort"

	"golang.org/x/sys/unix"
)

func snapshotDisk() *DiskSnapshot {
	var st unix.Statfs_t
	if err := unix.Statfs("/", &st); err != nil {
		return &DiskSnapshot{LastError: err.Error()}
	}

	bsize := uint64(st.Bsize)
	return &DiskSnapshot{
		RootPath:       "/",
		RootTotalBytes: st.Blocks * bsize,
		RootFreeBytes:  st.Bfree * bsize,
		RootAvailBytes: st.Bavail * bsize,
	}
}

func snapshotNetwork() *NetworkSnapshot {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	out := make([]string, 0, 4)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, iface.Name+": "+ipnet.String())
		}
	}
	sort.Strings(out)
	return &NetworkSnapshot{LocalAddrs: out}
}
