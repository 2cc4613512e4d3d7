// Package router maps a price key to the ordered list of sources that can serve it.
package router

import (
	"fmt"
	"sort"
	"strings"

	"priceresolver/internal/fetcher"
	"priceresolver/internal/price"
)

// Source IDs of the built-in clients.
const (
	SourceLiveEquity       = "live-equity"
	SourceHistoricalEquity = "historical-equity"
	SourceMFNav            = "mf-nav"
)

// Mode distinguishes live lookups from dated ones.
type Mode string

const (
	ModeLive Mode = "live"
	ModeAsOf Mode = "as_of"
)

// Route is one row of the routing table.
type Route struct {
	Class price.Class
	Mode  Mode
}

// String returns the config name of the route, e.g. "equity_live".
func (r Route) String() string {
	return string(r.Class) + "_" + string(r.Mode)
}

// Table is the ordered fallback chain per route.
type Table map[Route][]string

// DefaultTable is the built-in routing: live equities fall back from the quote
// source to the chart source, dated equities use the chart source, and funds
// use the NAV source for both modes.
func DefaultTable() Table {
	return Table{
		{price.ClassEquity, ModeLive}:     {SourceLiveEquity, SourceHistoricalEquity},
		{price.ClassEquity, ModeAsOf}:     {SourceHistoricalEquity},
		{price.ClassMutualFund, ModeLive}: {SourceMFNav},
		{price.ClassMutualFund, ModeAsOf}: {SourceMFNav},
	}
}

var knownRoutes = []Route{
	{price.ClassEquity, ModeLive},
	{price.ClassEquity, ModeAsOf},
	{price.ClassMutualFund, ModeLive},
	{price.ClassMutualFund, ModeAsOf},
}

// ParseTable overlays configured chains, keyed by route name, on DefaultTable.
func ParseTable(chains map[string][]string) (Table, error) {
	table := DefaultTable()
	var unknown []string
	for name, chain := range chains {
		route, ok := routeByName(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if len(chain) == 0 {
			return nil, fmt.Errorf("route %q has an empty chain", name)
		}
		table[route] = append([]string(nil), chain...)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown routes: %s", strings.Join(unknown, ", "))
	}
	return table, nil
}

func routeByName(name string) (Route, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, r := range knownRoutes {
		if r.String() == name {
			return r, true
		}
	}
	return Route{}, false
}

// Router resolves keys to fallback chains of registered clients.
type Router struct {
	classifier Classifier
	table      Table
	clients    map[string]fetcher.Client
	order      []string
}

// New creates a Router. Clients are registered by their ID.
func New(classifier Classifier, table Table, clients ...fetcher.Client) *Router {
	r := &Router{
		classifier: classifier,
		table:      table,
		clients:    make(map[string]fetcher.Client, len(clients)),
	}
	for _, c := range clients {
		r.clients[c.ID()] = c
	}
	r.order = mergeChains(table)
	return r
}

// Classify returns the instrument class of t.
func (r *Router) Classify(t price.Ticker) price.Class {
	return r.classifier.Classify(t)
}

// Chain returns the ordered source IDs for key.
func (r *Router) Chain(key price.Key) []string {
	mode := ModeAsOf
	if key.AsOf.IsLive() {
		mode = ModeLive
	}
	return r.table[Route{Class: r.Classify(key.Ticker), Mode: mode}]
}

// Resolve returns the registered clients for key in fallback order.
// Chain entries with no registered client are skipped.
func (r *Router) Resolve(key price.Key) []fetcher.Client {
	chain := r.Chain(key)
	out := make([]fetcher.Client, 0, len(chain))
	for _, id := range chain {
		if c, ok := r.clients[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Client returns the client registered under id.
func (r *Router) Client(id string) (fetcher.Client, bool) {
	c, ok := r.clients[id]
	return c, ok
}

// Order returns every source ID of the table in an order consistent with all
// chains: if a source precedes another in some chain, it precedes it here.
// Cycles between chains are broken by first appearance.
func (r *Router) Order() []string {
	return r.order
}

func mergeChains(table Table) []string {
	routes := make([]Route, 0, len(table))
	for route := range table {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].String() < routes[j].String() })

	var nodes []string
	seen := make(map[string]bool)
	indegree := make(map[string]int)
	edges := make(map[string]map[string]bool)
	for _, route := range routes {
		chain := table[route]
		for i, id := range chain {
			if !seen[id] {
				seen[id] = true
				nodes = append(nodes, id)
			}
			if i == 0 {
				continue
			}
			prev := chain[i-1]
			if prev == id {
				continue
			}
			if edges[prev] == nil {
				edges[prev] = make(map[string]bool)
			}
			if !edges[prev][id] {
				edges[prev][id] = true
				indegree[id]++
			}
		}
	}

	order := make([]string, 0, len(nodes))
	placed := make(map[string]bool, len(nodes))
	for len(order) < len(nodes) {
		next := ""
		for _, id := range nodes {
			if !placed[id] && indegree[id] <= 0 {
				next = id
				break
			}
		}
		if next == "" {
			for _, id := range nodes {
				if !placed[id] {
					next = id
					break
				}
			}
		}
		placed[next] = true
		order = append(order, next)
		for to := range edges[next] {
			indegree[to]--
		}
	}
	return order
}
