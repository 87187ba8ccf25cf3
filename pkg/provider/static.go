package provider

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Doctor0Evil/Cybulous/pkg/ledger"
)

// Profile is the identity data a Static provider holds for one user.
type Profile struct {
	Age             uint8    `yaml:"age"`
	Disciplines     []string `yaml:"disciplines"`
	DisciplineProof string   `yaml:"discipline_proof,omitempty"`
}

type staticFile struct {
	Users map[string]Profile `yaml:"users"`
}

// Static answers from an in-memory directory of profiles.
type Static struct {
	mu     sync.RWMutex
	users  map[string]Profile
	policy *DisciplinePolicy
}

func NewStatic() *Static {
	return &Static{
		users:  make(map[string]Profile),
		policy: MustDisciplinePolicy(DefaultDisciplineRule),
	}
}

// LoadStatic reads a YAML profile directory of the form:
//
//	users:
//	  alice:
//	    age: 30
//	    disciplines: [neurorights-basic]
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles %s: %w", path, err)
	}
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse profiles %s: %w", path, err)
	}

	s := NewStatic()
	for id, p := range f.Users {
		s.SetUser(id, p)
	}
	return s, nil
}

// WithPolicy replaces the discipline rule.
func (s *Static) WithPolicy(p *DisciplinePolicy) *Static {
	if p != nil {
		s.policy = p
	}
	return s
}

// SetUser adds or replaces a profile.
func (s *Static) SetUser(userID string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[ledger.UserKey(userID)] = p
}

func (s *Static) profile(userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[ledger.UserKey(userID)]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return p, nil
}

func (s *Static) VerifyAge(ctx context.Context, userID string) (uint8, error) {
	p, err := s.profile(userID)
	if err != nil {
		return 0, err
	}
	return p.Age, nil
}

func (s *Static) CheckDiscipline(ctx context.Context, userID string) (string, error) {
	p, err := s.profile(userID)
	if err != nil {
		return "", err
	}

	ok, err := s.policy.Eligible(ctx, Subject{UserID: userID, Age: p.Age, Disciplines: p.Disciplines})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrIneligible, s.policy.Rule())
	}

	if p.DisciplineProof != "" {
		return p.DisciplineProof, nil
	}
	return defaultProof, nil
}
