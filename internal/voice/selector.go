// Package voice resolves the voice used for a language. A voice is picked
// uniformly from the language's pool and its profile is fetched once per
// process.
package voice

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/resilience"
	"golang.org/x/sync/singleflight"
)

// fetchTimeout bounds a shared profile fetch, which outlives the caller that
// started it.
const fetchTimeout = 30 * time.Second

// Selector implements language to voice resolution.
type Selector struct {
	pools     map[string][]string
	defaults  core.VoiceSettings
	directory core.VoiceDirectory
	policy    *resilience.Policy
	log       *logger.Logger

	randMutex sync.Mutex
	random    *rand.Rand

	profiles sync.Map
	fetches  singleflight.Group
}

// Option customises a Selector.
type Option func(*Selector)

// WithRand injects the random source used to pick voices.
func WithRand(random *rand.Rand) Option {
	return func(s *Selector) {
		s.random = random
	}
}

// NewSelector creates a selector. Pool keys are matched case-insensitively.
func NewSelector(
	pools map[string][]string,
	defaults core.VoiceSettings,
	directory core.VoiceDirectory,
	policy *resilience.Policy,
	log *logger.Logger,
	opts ...Option,
) *Selector {
	normalized := make(map[string][]string, len(pools))
	for language, voices := range pools {
		if len(voices) > 0 {
			normalized[strings.ToLower(language)] = voices
		}
	}

	selector := &Selector{
		pools:     normalized,
		defaults:  defaults,
		directory: directory,
		policy:    policy,
		log:       log,
		random:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // voice choice is not security sensitive
	}

	for _, opt := range opts {
		opt(selector)
	}

	return selector
}

// Resolve picks a voice for language and returns its profile. A language
// without a pool fails with core.ErrConfigurationMissing.
func (s *Selector) Resolve(ctx context.Context, language string) (core.VoiceProfile, error) {
	pool, ok := s.lookupPool(language)
	if !ok {
		return core.VoiceProfile{}, fmt.Errorf("%w: no voice pool for language %q", core.ErrConfigurationMissing, language)
	}

	voiceID := s.pick(pool)

	if cached, found := s.profiles.Load(voiceID); found {
		profile, _ := cached.(core.VoiceProfile)

		return profile, nil
	}

	fetched := s.fetches.DoChan(voiceID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		return s.fetch(fetchCtx, voiceID)
	})

	select {
	case <-ctx.Done():
		return core.VoiceProfile{}, fmt.Errorf("waiting for voice %s: %w", voiceID, ctx.Err())
	case result := <-fetched:
		if result.Err != nil {
			return core.VoiceProfile{}, fmt.Errorf("failed to resolve voice %s for language %q: %w",
				voiceID, language, result.Err)
		}

		if result.Shared {
			s.log.Info("Voice %s fetch shared with a concurrent caller", voiceID)
		}

		profile, _ := result.Val.(core.VoiceProfile)

		return profile, nil
	}
}

func (s *Selector) fetch(ctx context.Context, voiceID string) (core.VoiceProfile, error) {
	if cached, found := s.profiles.Load(voiceID); found {
		profile, _ := cached.(core.VoiceProfile)

		return profile, nil
	}

	profile, err := resilience.Execute(ctx, s.policy, func(ctx context.Context) (core.VoiceProfile, error) {
		return s.directory.GetVoice(ctx, voiceID, true)
	})
	if err != nil {
		return core.VoiceProfile{}, err
	}

	if profile.VoiceID == "" {
		profile.VoiceID = voiceID
	}

	if profile.Settings == (core.VoiceSettings{}) {
		s.log.Warn("Voice %s has no settings, using defaults", voiceID)
		profile.Settings = s.defaults
	}

	s.profiles.Store(voiceID, profile)

	return profile, nil
}

func (s *Selector) lookupPool(language string) ([]string, bool) {
	language = strings.ToLower(language)

	if pool, ok := s.pools[language]; ok {
		return pool, true
	}

	if idx := strings.IndexAny(language, "-_"); idx > 0 {
		pool, ok := s.pools[language[:idx]]

		return pool, ok
	}

	return nil, false
}

func (s *Selector) pick(pool []string) string {
	if len(pool) == 1 {
		return pool[0]
	}

	s.randMutex.Lock()
	defer s.randMutex.Unlock()

	return pool[s.random.IntN(len(pool))]
}
