// Package config parses the INI-style configuration file of spec.md
// section 6 into a list of bridge instances, using gopkg.in/ini.v1 — a
// standard ecosystem choice for this file shape, not present in the
// retrieval pack (see DESIGN.md for why it is named rather than
// grounded).
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/mcastsnoop/mcastbridged/internal/activation"
	"github.com/mcastsnoop/mcastbridged/internal/model"
	"github.com/mcastsnoop/mcastbridged/internal/netif"
)

// Problem is one configuration defect: bad grammar, a nonexistent
// interface, a link-local group, a missing address in the instance's
// family, or a degenerate single-interface bridge, per spec.md section 7.
type Problem struct {
	Section string
	Detail  string
}

func (p Problem) String() string {
	if p.Section == "" {
		return p.Detail
	}
	return fmt.Sprintf("[%s]: %s", p.Section, p.Detail)
}

// Error wraps every Problem found while loading a file. All configuration
// errors are fatal before any socket opens, per spec.md section 7.
type Error struct {
	Problems []Problem
}

func (e *Error) Error() string {
	lines := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		lines[i] = p.String()
	}
	return fmt.Sprintf("config: %d problem(s):\n%s", len(e.Problems), strings.Join(lines, "\n"))
}

const (
	keyIPv4Address    = "ipv4-address"
	keyIPv6Address    = "ipv6-address"
	keyInbound        = "inbound-interfaces"
	keyOutbound       = "outbound-interfaces"
	keyStaticInbound  = "static-inbound-interfaces"
	keyStaticOutbound = "static-outbound-interfaces"
)

// Resolver is the subset of *netif.Resolver that config needs, broken out
// so tests can run without a real NETLINK_ROUTE socket.
type Resolver interface {
	Resolve(name string) (*netif.Resolved, error)
}

// Load parses path and resolves every named interface via r, returning
// one model.BridgeInstance per (section, family) pair that defines a
// group address, per spec.md section 3's "two independent instances"
// rule.
func Load(path string, r Resolver) ([]*model.BridgeInstance, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, &Error{Problems: []Problem{{Detail: fmt.Sprintf("open/parse %s: %v", path, err)}}}
	}

	var instances []*model.BridgeInstance
	var problems []Problem

	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		port, err := strconv.ParseUint(sec.Name(), 10, 16)
		if err != nil || port == 0 {
			problems = append(problems, Problem{Section: sec.Name(), Detail: "section header must be a decimal UDP port 1..65535"})
			continue
		}

		secInstances, secProblems := loadSection(sec, uint16(port), r)
		instances = append(instances, secInstances...)
		problems = append(problems, secProblems...)
	}

	if len(instances) == 0 && len(problems) == 0 {
		problems = append(problems, Problem{Detail: "no bridge section yields a valid instance"})
	}
	if len(problems) > 0 {
		return nil, &Error{Problems: problems}
	}

	for _, inst := range instances {
		activation.PromoteStaticOutboundsDuringConfig(inst)
	}
	return instances, nil
}

func loadSection(sec *ini.Section, port uint16, r Resolver) ([]*model.BridgeInstance, []Problem) {
	var problems []Problem

	ifaces := make(map[string]*model.BridgeInterface)
	get := func(name string) *model.BridgeInterface {
		ifc, ok := ifaces[name]
		if !ok {
			ifc = &model.BridgeInterface{Name: name}
			ifaces[name] = ifc
		}
		return ifc
	}

	applyList := func(key string, set func(ifc *model.BridgeInterface)) bool {
		if !sec.HasKey(key) {
			return true
		}
		names, err := splitList(sec.Key(key).String())
		if err != nil {
			problems = append(problems, Problem{Section: sec.Name(), Detail: fmt.Sprintf("%s: %v", key, err)})
			return false
		}
		for _, name := range names {
			set(get(name))
		}
		return true
	}

	applyList(keyStaticInbound, func(ifc *model.BridgeInterface) { ifc.Inbound = model.ConfigStatic })
	applyList(keyStaticOutbound, func(ifc *model.BridgeInterface) { ifc.Outbound = model.ConfigStatic })
	applyList(keyInbound, func(ifc *model.BridgeInterface) {
		if ifc.Inbound == model.ConfigNone {
			ifc.Inbound = model.ConfigDynamic
		}
	})
	applyList(keyOutbound, func(ifc *model.BridgeInterface) {
		if ifc.Outbound == model.ConfigNone {
			ifc.Outbound = model.ConfigDynamic
		}
	})

	var out []*model.BridgeInstance
	for _, fam := range []struct {
		family model.Family
		key    string
	}{
		{model.FamilyV4, keyIPv4Address},
		{model.FamilyV6, keyIPv6Address},
	} {
		if !sec.HasKey(fam.key) {
			continue
		}
		groupStr := sec.Key(fam.key).String()
		group := net.ParseIP(groupStr)
		if group == nil {
			problems = append(problems, Problem{Section: sec.Name(), Detail: fmt.Sprintf("%s: %q is not a valid IP address", fam.key, groupStr)})
			continue
		}
		if !group.IsMulticast() {
			problems = append(problems, Problem{Section: sec.Name(), Detail: fmt.Sprintf("%s: %q is not a multicast address", fam.key, groupStr)})
			continue
		}
		if model.IsLinkLocalScope(group) {
			problems = append(problems, Problem{Section: sec.Name(), Detail: fmt.Sprintf("%s: %q is in the excluded link-local scope", fam.key, groupStr)})
			continue
		}

		inst := &model.BridgeInstance{Family: fam.family, Port: port, Group: group}
		for name, proto := range ifaces {
			ifc := &model.BridgeInterface{
				Instance: inst,
				Name:     name,
				Inbound:  proto.Inbound,
				Outbound: proto.Outbound,
			}
			inst.Ifaces = append(inst.Ifaces, ifc)
		}

		if p := resolveAndValidate(inst, r); len(p) > 0 {
			problems = append(problems, p...)
			continue
		}
		out = append(out, inst)
	}

	if !sec.HasKey(keyIPv4Address) && !sec.HasKey(keyIPv6Address) {
		problems = append(problems, Problem{Section: sec.Name(), Detail: "section defines no ipv4-address or ipv6-address"})
	}

	return out, problems
}

func resolveAndValidate(inst *model.BridgeInstance, r Resolver) []Problem {
	var problems []Problem

	inbound := inst.InboundInterfaces()
	outbound := inst.OutboundInterfaces()
	if len(inbound) == 0 || len(outbound) == 0 {
		problems = append(problems, Problem{Detail: fmt.Sprintf("%s instance on port %d needs >=1 inbound and >=1 outbound interface", inst.Family, inst.Port)})
		return problems
	}
	if len(inbound) == 1 && len(outbound) == 1 && inbound[0] == outbound[0] {
		problems = append(problems, Problem{Detail: fmt.Sprintf("%s instance on port %d has exactly one interface serving both directions", inst.Family, inst.Port)})
		return problems
	}

	for _, ifc := range inst.Ifaces {
		res, err := r.Resolve(ifc.Name)
		if err != nil {
			problems = append(problems, Problem{Detail: fmt.Sprintf("interface %q: %v", ifc.Name, err)})
			continue
		}
		ifc.Index = res.Index
		ifc.MAC = res.MAC
		ifc.LinkLocal = res.V6LinkLocal

		if inst.Family == model.FamilyV4 {
			if res.V4 == nil {
				problems = append(problems, Problem{Detail: fmt.Sprintf("interface %q has no ipv4 address, needed by port %d", ifc.Name, inst.Port)})
				continue
			}
			ifc.Addr = res.V4
		} else {
			addr := res.V6
			if addr == nil {
				addr = res.V6LinkLocal
			}
			if addr == nil {
				problems = append(problems, Problem{Detail: fmt.Sprintf("interface %q has no ipv6 address, needed by port %d", ifc.Name, inst.Port)})
				continue
			}
			ifc.Addr = addr
		}
	}
	return problems
}

// splitList splits a comma-separated list, trimming whitespace around
// each element. An empty element (leading/trailing/doubled comma) is a
// grammar error, per spec.md section 6.
func splitList(s string) ([]string, error) {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("empty list element in %q", s)
		}
		out = append(out, p)
	}
	return out, nil
}
