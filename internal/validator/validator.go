// Package validator issues prediction prompts to miners, records their answers, fetches the
// real prices and votes weights to the registry.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/prediction-subnet/internal/client"
	"github.com/kjstillabower/prediction-subnet/internal/keys"
	"github.com/kjstillabower/prediction-subnet/internal/models"
	"github.com/kjstillabower/prediction-subnet/internal/observability"
	"github.com/kjstillabower/prediction-subnet/internal/subnet"
)

// ErrSelfNotRegistered is returned when the validator's own key is not a module of its subnet.
var ErrSelfNotRegistered = fmt.Errorf("validator key not registered: %w", subnet.ErrNotRegistered)

const (
	generatePath       = "/method/generate"
	maxConcurrentCalls = 64
	maxResponseBytes   = 64 << 10
)

// Registry is the part of the registry the validator talks to.
type Registry interface {
	Modules(ctx context.Context, netuid int) ([]models.Module, error)
	Vote(ctx context.Context, netuid int, uids, weights []int) error
}

// Store persists prompts, answers and prices.
type Store interface {
	InsertPrompt(ctx context.Context, p models.PricePrompt) error
	InsertAnswers(ctx context.Context, p models.PricePrompt, answers map[string]*float64) error
	NextUnpriced(ctx context.Context, dueBy int64) (models.PricePrompt, bool, error)
	DueUnpriced(ctx context.Context, dueBy int64) ([]models.PricePrompt, error)
	SetPrice(ctx context.Context, id string, price float64) error
	DeletePrompt(ctx context.Context, id string) error
	ScoredPredictionsSince(ctx context.Context, since int64) ([]models.ScoredPrediction, error)
	PurgeBefore(ctx context.Context, before int64) (int64, error)
}

// Config holds validator timing and prompt settings.
type Config struct {
	NetUID            int
	CallTimeout       time.Duration
	IterationInterval time.Duration
	WeightingPeriod   time.Duration
	PriceInterval     time.Duration
	PriceSettleDelay  time.Duration
	RetentionPeriod   time.Duration
	MaxAllowedWeights int
	// MaxVoteEntries caps the miners in one vote; <= 0 means no cap.
	MaxVoteEntries int
	PromptHorizon  time.Duration

	// Category and Pair are used when Categories is empty.
	Category   string
	Pair       string
	Categories map[string][]string
}

// Validator runs the request, weight and price loops for one key on one subnet.
type Validator struct {
	cfg      Config
	key      *keys.Keypair
	registry Registry
	store    Store
	prices   client.PriceClient
	logger   *zap.Logger

	transport *http.Transport
	http      *http.Client
	now       func() time.Time
	randN     func(n int64) int64
}

// New creates a Validator.
func New(cfg Config, key *keys.Keypair, registry Registry, store Store, prices client.PriceClient, logger *zap.Logger) *Validator {
	if cfg.PromptHorizon <= 0 {
		cfg.PromptHorizon = 8 * time.Hour
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 2
	return &Validator{
		cfg:       cfg,
		key:       key,
		registry:  registry,
		store:     store,
		prices:    prices,
		logger:    logger,
		transport: transport,
		http:      &http.Client{Transport: transport},
		now:       time.Now,
		randN:     rand.Int64N,
	}
}

// Close releases idle miner connections.
func (v *Validator) Close() {
	v.transport.CloseIdleConnections()
}

// GetMinerPrompt picks a category, pair and future timestamp and records the prompt.
func (v *Validator) GetMinerPrompt(ctx context.Context) (models.PricePrompt, error) {
	p := v.newPrompt()
	if err := v.store.InsertPrompt(ctx, p); err != nil {
		return models.PricePrompt{}, err
	}
	return p, nil
}

func (v *Validator) newPrompt() models.PricePrompt {
	category, pair := v.pickPair()
	horizon := int64(v.cfg.PromptHorizon / time.Second)
	return models.PricePrompt{
		ID:        uuid.NewString(),
		Timestamp: v.now().Unix() + 1 + v.randN(horizon),
		Category:  category,
		Pair:      pair,
	}
}

func (v *Validator) pickPair() (string, string) {
	if len(v.cfg.Categories) == 0 {
		return v.cfg.Category, v.cfg.Pair
	}
	categories := make([]string, 0, len(v.cfg.Categories))
	for c, pairs := range v.cfg.Categories {
		if len(pairs) > 0 {
			categories = append(categories, c)
		}
	}
	if len(categories) == 0 {
		return v.cfg.Category, v.cfg.Pair
	}
	sort.Strings(categories)
	c := categories[v.randN(int64(len(categories)))]
	pairs := v.cfg.Categories[c]
	return c, pairs[v.randN(int64(len(pairs)))]
}

type minerTarget struct {
	key     string
	address string
}

// SendRequest sends prompt to every other module on the subnet and records their answers.
// A miner that fails or times out is recorded as missing.
func (v *Validator) SendRequest(ctx context.Context, prompt models.PricePrompt) (map[string]*float64, error) {
	targets, err := v.minerTargets(ctx)
	if err != nil {
		return nil, err
	}
	return v.sendToTargets(ctx, prompt, targets)
}

func (v *Validator) sendToTargets(ctx context.Context, prompt models.PricePrompt, targets []minerTarget) (map[string]*float64, error) {
	if len(targets) == 0 {
		v.logger.Info("no miners to query", zap.Int("netuid", v.cfg.NetUID))
		return map[string]*float64{}, nil
	}

	body, err := json.Marshal(models.PredictionRequest{
		Category:  prompt.Category,
		Pair:      prompt.Pair,
		Timestamp: prompt.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}

	var (
		mu      sync.Mutex
		answers = make(map[string]*float64, len(targets))
		g       errgroup.Group
	)
	g.SetLimit(maxConcurrentCalls)
	for _, t := range targets {
		g.Go(func() error {
			answer, err := v.callMiner(ctx, t.address, body)
			outcome := "answered"
			switch {
			case err != nil:
				outcome = "error"
				v.logger.Debug("miner call failed",
					zap.String("miner", t.key),
					zap.String("address", t.address),
					zap.String("category", string(client.CategorizeError(err))),
					zap.Error(err))
			case answer == nil:
				outcome = "empty"
			}
			observability.MinerCallsTotal.WithLabelValues(outcome).Inc()
			mu.Lock()
			answers[t.key] = answer
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := v.store.InsertAnswers(ctx, prompt, answers); err != nil {
		return nil, err
	}
	answered := 0
	for _, a := range answers {
		if a != nil {
			answered++
		}
	}
	v.logger.Info("prompt sent",
		zap.String("prompt_id", prompt.ID),
		zap.String("pair", prompt.Pair),
		zap.Int64("timestamp", prompt.Timestamp),
		zap.Int("miners", len(targets)),
		zap.Int("answered", answered))
	return answers, nil
}

// minerTargets lists every module except this validator that advertises an ip:port.
func (v *Validator) minerTargets(ctx context.Context) ([]minerTarget, error) {
	mods, err := v.registry.Modules(ctx, v.cfg.NetUID)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	self := v.key.Address()
	registered := false
	targets := make([]minerTarget, 0, len(mods))
	for _, m := range mods {
		if m.Key == self {
			registered = true
			continue
		}
		addr, ok := subnet.ExtractAddress(m.Address)
		if !ok {
			v.logger.Debug("skipping module without ip address", zap.Int("uid", m.UID), zap.String("address", m.Address))
			continue
		}
		targets = append(targets, minerTarget{key: m.Key, address: addr})
	}
	if !registered {
		return nil, ErrSelfNotRegistered
	}
	return targets, nil
}

func (v *Validator) callMiner(ctx context.Context, address string, body []byte) (*float64, error) {
	if v.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.CallTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+address+generatePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", uuid.NewString())
	keys.SignRequest(req, v.key, body, v.now())

	resp, err := v.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("miner %s: %w", address, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("%w: miner %s: %v", client.ErrUpstreamFailure, address, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read miner %s: %v", client.ErrUpstreamFailure, address, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: miner %s: HTTP %d", client.ErrUpstreamFailure, address, resp.StatusCode)
	}
	var out models.PredictionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse miner %s response: %w", address, err)
	}
	return out.Answer, nil
}
