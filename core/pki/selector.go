// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package pki

import (
	"fmt"
	mRand "math/rand"
	"sync"

	"github.com/katzenpost/hpqc/rand"
)

// InsufficientTopologyError is returned when the topology can not supply a
// route of the requested length.
type InsufficientTopologyError struct {
	Wanted int
	Layers int
	// EmptyLayer is the first empty layer, or -1.
	EmptyLayer int
}

func (e *InsufficientTopologyError) Error() string {
	if e.EmptyLayer >= 0 {
		return fmt.Sprintf("pki: insufficient topology: layer %d is empty", e.EmptyLayer)
	}
	return fmt.Sprintf("pki: insufficient topology: %d hops requested, %d layers available", e.Wanted, e.Layers)
}

// Selector selects routes over the current topology document.
type Selector struct {
	sync.Mutex

	doc *Document
	rng *mRand.Rand
}

// NewSelector returns a Selector over doc.
func NewSelector(doc *Document) *Selector {
	return &Selector{
		doc: doc,
		rng: rand.NewMath(),
	}
}

// Document returns the current document.
func (s *Selector) Document() *Document {
	s.Lock()
	defer s.Unlock()
	return s.doc
}

// SetDocument replaces the current document.
func (s *Selector) SetDocument(doc *Document) {
	s.Lock()
	defer s.Unlock()
	s.doc = doc
}

// SelectRoute picks one node per topology layer, uniformly at random, for
// the first hopCount layers.
func (s *Selector) SelectRoute(hopCount int) ([]*MixDescriptor, error) {
	s.Lock()
	defer s.Unlock()

	var layers [][]*MixDescriptor
	if s.doc != nil {
		layers = s.doc.Topology
	}
	if hopCount < 1 || len(layers) < hopCount {
		return nil, &InsufficientTopologyError{Wanted: hopCount, Layers: len(layers), EmptyLayer: -1}
	}
	route := make([]*MixDescriptor, 0, hopCount)
	for i, nodes := range layers[:hopCount] {
		if len(nodes) == 0 {
			return nil, &InsufficientTopologyError{Wanted: hopCount, Layers: len(layers), EmptyLayer: i}
		}
		route = append(route, nodes[s.rng.Intn(len(nodes))])
	}
	return route, nil
}

// RandomGateway returns a uniformly selected gateway node.
func (s *Selector) RandomGateway() (*MixDescriptor, error) {
	s.Lock()
	defer s.Unlock()
	if s.doc == nil || len(s.doc.GatewayNodes) == 0 {
		return nil, fmt.Errorf("%w: no gateway nodes", ErrNoSuchNode)
	}
	return s.doc.GatewayNodes[s.rng.Intn(len(s.doc.GatewayNodes))], nil
}

// Exp samples the exponential distribution with rate lambda, clamped to
// max when max is non-zero.
func (s *Selector) Exp(lambda float64, max uint64) uint64 {
	s.Lock()
	defer s.Unlock()
	v := uint64(rand.Exp(s.rng, lambda))
	if max > 0 && v > max {
		v = max
	}
	return v
}
