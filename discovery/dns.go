// This file is part of bfcp, a Binary Floor Control Protocol connection
// engine written in Go.
//
// bfcp is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// bfcp is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

// Package discovery resolves a symbolic Floor Control Server name to one
// or more concrete (host, port, transport) candidates via DNS SRV
// records, so an Endpoint can be pointed at a domain instead of a
// literal address.
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"

	"github.com/bfix/gospel/logger"
	"github.com/miekg/dns"
)

var (
	// ErrNoRecords is returned when neither the TCP nor UDP SRV query
	// for domain yielded any usable record.
	ErrNoRecords = fmt.Errorf("discovery: no FCS records found")
)

// Transport names the wire transport an FCSRecord was advertised for.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// FCSRecord is one resolved Floor Control Server candidate.
type FCSRecord struct {
	Target    string
	Port      uint16
	Priority  uint16
	Weight    uint16
	Transport Transport
}

func (r FCSRecord) String() string {
	return fmt.Sprintf("%s://%s (prio=%d weight=%d)", r.Transport, net.JoinHostPort(r.Target, fmt.Sprint(r.Port)), r.Priority, r.Weight)
}

// LookupFCS queries `_bfcp._tcp.<domain>` and `_bfcp._udp.<domain>` for
// SRV records and returns every record found across both queries. A
// failure on one query is logged and does not prevent the other from
// succeeding; LookupFCS only fails if both come up empty.
func LookupFCS(ctx context.Context, domain string) ([]FCSRecord, error) {
	client := &dns.Client{}

	var all []FCSRecord
	for _, t := range []Transport{TransportTCP, TransportUDP} {
		name := fmt.Sprintf("_bfcp._%s.%s", t, dns.Fqdn(domain))
		recs, err := querySRV(ctx, client, name, t)
		if err != nil {
			logger.Printf(logger.WARN, "[discovery] SRV query for %s failed: %v", name, err)
			continue
		}
		all = append(all, recs...)
	}
	if len(all) == 0 {
		return nil, ErrNoRecords
	}
	return all, nil
}

func querySRV(ctx context.Context, client *dns.Client, name string, t Transport) ([]FCSRecord, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		conf = &dns.ClientConfig{Servers: []string{"8.8.8.8"}, Port: "53"}
	}

	m := &dns.Msg{}
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	server := net.JoinHostPort(conf.Servers[0], conf.Port)
	in, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, err
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("discovery: rcode %d for %s", in.Rcode, name)
	}

	var recs []FCSRecord
	for _, ans := range in.Answer {
		srv, ok := ans.(*dns.SRV)
		if !ok {
			continue
		}
		recs = append(recs, FCSRecord{
			Target:    trimTrailingDot(srv.Target),
			Port:      srv.Port,
			Priority:  srv.Priority,
			Weight:    srv.Weight,
			Transport: t,
		})
	}
	return recs, nil
}

func trimTrailingDot(s string) string {
	if n := len(s); n > 0 && s[n-1] == '.' {
		return s[:n-1]
	}
	return s
}

// SelectWeighted picks one record among recs using RFC 2782 weighted
// selection within the lowest-numbered priority tier. Returns false if
// recs is empty.
func SelectWeighted(recs []FCSRecord) (FCSRecord, bool) {
	if len(recs) == 0 {
		return FCSRecord{}, false
	}
	sorted := make([]FCSRecord, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	top := sorted[0].Priority
	var tier []FCSRecord
	for _, r := range sorted {
		if r.Priority != top {
			break
		}
		tier = append(tier, r)
	}

	var total int
	for _, r := range tier {
		total += int(r.Weight) + 1
	}
	pick := rand.Intn(total) //nolint:gosec // selection only, not security-sensitive
	for _, r := range tier {
		pick -= int(r.Weight) + 1
		if pick < 0 {
			return r, true
		}
	}
	return tier[len(tier)-1], true
}
