package spam

import (
	"context"
	"net/netip"
	"strings"
)

// AllowAll is the permissive checker; useful when the deployment screens
// elsewhere or not at all.
type AllowAll struct{}

func (AllowAll) IsIPSpammer(context.Context, netip.Addr) (bool, error) { return false, nil }
func (AllowAll) IsUserSpammer(context.Context, string) (bool, error)   { return false, nil }

// Denylist flags exact IPs and case-folded display names.
type Denylist struct {
	ips   map[netip.Addr]struct{}
	names map[string]struct{}
}

// NewDenylist builds a Denylist; unparsable IP entries are skipped.
func NewDenylist(ips []string, names []string) *Denylist {
	d := &Denylist{
		ips:   make(map[netip.Addr]struct{}, len(ips)),
		names: make(map[string]struct{}, len(names)),
	}
	for _, s := range ips {
		if a, err := netip.ParseAddr(strings.TrimSpace(s)); err == nil {
			d.ips[a] = struct{}{}
		}
	}
	for _, n := range names {
		d.names[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return d
}

func (d *Denylist) IsIPSpammer(_ context.Context, ip netip.Addr) (bool, error) {
	_, spam := d.ips[ip]
	return spam, nil
}

func (d *Denylist) IsUserSpammer(_ context.Context, name string) (bool, error) {
	_, spam := d.names[strings.ToLower(name)]
	return spam, nil
}
