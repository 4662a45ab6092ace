// Package router resolves which AI vendor serves a call.
//
// Vendors are registered once at startup in a lookup table. Resolution
// order is: a per-call override set with Provider, then the configured
// default, then openai, then the first registered vendor by name. Unknown
// names never fail; HasProvider is the strict check.
package router

import (
	"errors"
	"slices"
	"sort"

	"github.com/felipepmaragno/storyforge/internal/chat"
	"github.com/felipepmaragno/storyforge/internal/cost"
	"github.com/felipepmaragno/storyforge/internal/provider"
)

const (
	FallbackVendor      = "openai"
	FallbackImageVendor = "replicate"
)

var ErrNoVendors = errors.New("no text vendor registered")

// Vendor builds a fresh client per use, so request settings never leak
// between callers.
type Vendor struct {
	Name      string
	CostPer1K float64
	NewClient func() provider.Client
}

type ImageVendor struct {
	Name     string
	NewImage func() provider.ImageClient
}

type Router struct {
	vendors       map[string]Vendor
	images        map[string]ImageVendor
	defaultVendor string
	defaultImage  string
	override      string
	tracker       cost.Tracker
	pricing       *cost.ImagePricing
}

type Option func(*Router)

func WithVendor(v Vendor) Option {
	return func(r *Router) { r.vendors[v.Name] = v }
}

func WithImageVendor(v ImageVendor) Option {
	return func(r *Router) { r.images[v.Name] = v }
}

func WithDefaultImage(name string) Option {
	return func(r *Router) { r.defaultImage = name }
}

func WithImagePricing(p *cost.ImagePricing) Option {
	return func(r *Router) { r.pricing = p }
}

func New(defaultVendor string, tracker cost.Tracker, opts ...Option) (*Router, error) {
	r := &Router{
		vendors:       make(map[string]Vendor),
		images:        make(map[string]ImageVendor),
		defaultVendor: defaultVendor,
		tracker:       tracker,
		pricing:       cost.DefaultImagePricing(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if len(r.vendors) == 0 {
		return nil, ErrNoVendors
	}
	return r, nil
}

// Provider returns a copy of the router that prefers name. The receiver
// is not modified, so concurrent requests can override independently.
func (r *Router) Provider(name string) *Router {
	cp := *r
	cp.override = name
	return &cp
}

// Resolved is the vendor Chat and API will use.
func (r *Router) Resolved() string {
	return resolve(keys(r.vendors), FallbackVendor, r.override, r.defaultVendor)
}

func (r *Router) ResolvedImage() string {
	return resolve(keys(r.images), FallbackImageVendor, r.override, r.defaultImage)
}

// Chat returns a new chat service bound to the resolved vendor.
func (r *Router) Chat() *chat.Service {
	v := r.vendors[r.Resolved()]
	return chat.New(v.NewClient(), v.CostPer1K, r.tracker)
}

// API returns a client for name, or for the resolved vendor when name is
// empty or unknown.
func (r *Router) API(name string) provider.Client {
	v, ok := r.vendors[name]
	if !ok {
		v = r.vendors[r.Resolved()]
	}
	return v.NewClient()
}

// Image returns an image client for name, falling back like API. It
// reports false only when no image vendor is registered.
func (r *Router) Image(name string) (provider.ImageClient, bool) {
	v, ok := r.images[name]
	if !ok {
		v, ok = r.images[r.ResolvedImage()]
	}
	if !ok {
		return nil, false
	}
	return v.NewImage(), true
}

func (r *Router) CostPer1K(name string) float64 {
	return r.vendors[name].CostPer1K
}

func (r *Router) AvailableProviders() []string {
	return keys(r.vendors)
}

func (r *Router) AvailableImageProviders() []string {
	return keys(r.images)
}

func (r *Router) HasProvider(name string) bool {
	_, ok := r.vendors[name]
	return ok
}

func (r *Router) HasImageProvider(name string) bool {
	_, ok := r.images[name]
	return ok
}

func (r *Router) ImagePricing() *cost.ImagePricing {
	return r.pricing
}

func (r *Router) Tracker() cost.Tracker {
	return r.tracker
}

func resolve(registered []string, fallback string, candidates ...string) string {
	for _, c := range append(candidates, fallback) {
		if c != "" && slices.Contains(registered, c) {
			return c
		}
	}
	if len(registered) > 0 {
		return registered[0]
	}
	return ""
}

func keys[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
