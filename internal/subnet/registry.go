// Package subnet holds the registry of subnets, modules and weight votes, plus the
// client validators and miners use to talk to it.
package subnet

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kjstillabower/prediction-subnet/internal/models"
	"github.com/kjstillabower/prediction-subnet/internal/validation"
)

var (
	ErrSubnetNotFound = errors.New("subnet not found")
	ErrNotRegistered  = errors.New("key not registered")
	ErrUnknownUID     = errors.New("unknown uid")
)

type subnetState struct {
	name    string
	modules []models.Module
	byKey   map[string]int
	votes   map[string]models.Vote
}

// Registry keeps subnets, their registered modules and the latest vote per validator in memory.
// UIDs are assigned in registration order and never reused.
type Registry struct {
	mu                sync.RWMutex
	subnets           map[int]*subnetState
	maxAllowedWeights int
	now               func() time.Time
}

// NewRegistry creates a registry serving the given netuid to name mapping.
func NewRegistry(subnets map[int]string, maxAllowedWeights int) *Registry {
	r := &Registry{
		subnets:           make(map[int]*subnetState, len(subnets)),
		maxAllowedWeights: maxAllowedWeights,
		now:               time.Now,
	}
	for netuid, name := range subnets {
		r.subnets[netuid] = &subnetState{
			name:  name,
			byKey: make(map[string]int),
			votes: make(map[string]models.Vote),
		}
	}
	return r
}

// MaxAllowedWeights returns the vote size cap.
func (r *Registry) MaxAllowedWeights() int { return r.maxAllowedWeights }

// Subnets returns netuid to name.
func (r *Registry) Subnets() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int]string, len(r.subnets))
	for netuid, s := range r.subnets {
		out[netuid] = s.name
	}
	return out
}

func (r *Registry) subnetLocked(netuid int) (*subnetState, error) {
	s, ok := r.subnets[netuid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSubnetNotFound, netuid)
	}
	return s, nil
}

// Modules returns the modules registered on netuid ordered by uid.
func (r *Registry) Modules(netuid int) ([]models.Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, err := r.subnetLocked(netuid)
	if err != nil {
		return nil, err
	}
	return append([]models.Module(nil), s.modules...), nil
}

// Register adds key to netuid, or updates the name and address of an existing registration.
func (r *Registry) Register(netuid int, key, name, address string) (models.Module, error) {
	if err := validation.ValidateRegistration(validation.RegisterInput{Name: name, Address: address}); err != nil {
		return models.Module{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.subnetLocked(netuid)
	if err != nil {
		return models.Module{}, err
	}
	if uid, ok := s.byKey[key]; ok {
		s.modules[uid].Name = name
		s.modules[uid].Address = address
		return s.modules[uid], nil
	}
	m := models.Module{UID: len(s.modules), Name: name, Key: key, Address: address}
	s.modules = append(s.modules, m)
	s.byKey[key] = m.UID
	return m, nil
}

// Vote records validator's weights on netuid, replacing any earlier vote.
// The validator must be registered and every uid must exist.
func (r *Registry) Vote(netuid int, validator string, uids, weights []int) (models.Vote, error) {
	if err := validation.ValidateVote(validation.VoteInput{UIDs: uids, Weights: weights}, r.maxAllowedWeights); err != nil {
		return models.Vote{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.subnetLocked(netuid)
	if err != nil {
		return models.Vote{}, err
	}
	if _, ok := s.byKey[validator]; !ok {
		return models.Vote{}, fmt.Errorf("%w: %s", ErrNotRegistered, validator)
	}
	for _, uid := range uids {
		if uid >= len(s.modules) {
			return models.Vote{}, fmt.Errorf("%w: %d", ErrUnknownUID, uid)
		}
	}
	v := models.Vote{
		Validator: validator,
		UIDs:      append([]int(nil), uids...),
		Weights:   append([]int(nil), weights...),
		At:        r.now().UTC(),
	}
	s.votes[validator] = v
	return v, nil
}

// Votes returns the latest vote of every validator on netuid, ordered by validator key.
func (r *Registry) Votes(netuid int) ([]models.Vote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, err := r.subnetLocked(netuid)
	if err != nil {
		return nil, err
	}
	out := make([]models.Vote, 0, len(s.votes))
	for _, v := range s.votes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Validator < out[j].Validator })
	return out, nil
}
