// Package answer turns questions into responses by racing a local model
// against a cloud model, with a cache in front. The contract is "always
// produce some answer": engine failures degrade, they never propagate.
package answer

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/booklistener/companion/internal/cache"
	"github.com/booklistener/companion/internal/library"
	"github.com/booklistener/companion/internal/trace"
)

// Source identifies where an answer came from.
type Source string

const (
	SourceLocal    Source = "local"
	SourceCloud    Source = "cloud"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Answer is one response to a question.
type Answer struct {
	Text   string
	Source Source
}

// Query is one question with its context.
type Query struct {
	Question      string
	Book          library.Book
	RecentContext string
}

// LocalEngine is an on-device completion model. Fast, frequently absent.
type LocalEngine interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CloudEngine is a remote completion model. Authoritative when it answers.
type CloudEngine interface {
	Complete(ctx context.Context, system, contextTurn, question string) (string, error)
}

// Capability records engine availability, resolved once at startup.
type Capability struct {
	Available bool
	Reason    string
}

// Config tunes the race timeouts.
type Config struct {
	LocalTimeout time.Duration
	CloudTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.LocalTimeout <= 0 {
		c.LocalTimeout = 800 * time.Millisecond
	}
	if c.CloudTimeout <= 0 {
		c.CloudTimeout = 6 * time.Second
	}
	return c
}

// Orchestrator resolves questions. Identical in-flight questions share one
// inference race; later callers attach to the first and observe its result.
type Orchestrator struct {
	local    LocalEngine
	localCap Capability
	cloud    CloudEngine
	cache    *cache.Cache
	cfg      Config
	group    singleflight.Group
}

// NewOrchestrator wires the engines and cache. The local engine may be
// absent; the cloud engine and cache are required.
func NewOrchestrator(local LocalEngine, localCap Capability, cloud CloudEngine, store *cache.Cache, cfg Config) *Orchestrator {
	return &Orchestrator{
		local:    local,
		localCap: localCap,
		cloud:    cloud,
		cache:    store,
		cfg:      cfg.withDefaults(),
	}
}

// Ask resolves one question. onInstant, when non-nil, fires as soon as any
// usable result exists; the return value is the merged answer. Callers
// attached to an in-flight identical question get the shared result and no
// instant callback.
func (o *Orchestrator) Ask(ctx context.Context, q Query, onInstant func(Answer)) Answer {
	key := cache.Key(q.Question, q.Book.Key())

	v, _, _ := o.group.Do(key, func() (interface{}, error) {
		return o.resolve(ctx, key, q, onInstant), nil
	})
	return v.(Answer)
}

func (o *Orchestrator) resolve(ctx context.Context, key string, q Query, onInstant func(Answer)) Answer {
	ctx, span := trace.StartSpan(ctx, "answer_question")
	defer span.End()
	log := trace.Logger(ctx)

	if e, ok := o.cache.Get(key); ok {
		span.SetAttr("source", "cache")
		return Answer{Text: e.Text, Source: SourceCache}
	}

	ans := o.race(ctx, q, onInstant)
	span.SetAttr("source", string(ans.Source))

	if ans.Source == SourceLocal || ans.Source == SourceCloud {
		if err := o.cache.Put(key, ans.Text, string(ans.Source)); err != nil {
			log.Warn("answer cache write failed", "error", err)
		}
	}
	return ans
}

type outcome struct {
	ans Answer
	err error
}

// race starts both engines concurrently and settles on cloud-over-local.
// The losing call is canceled once a decision is made.
func (o *Orchestrator) race(ctx context.Context, q Query, onInstant func(Answer)) Answer {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := trace.Logger(ctx)

	localCh := make(chan outcome, 1)
	cloudCh := make(chan outcome, 1)

	if o.localCap.Available && o.local != nil {
		go func() {
			lctx, lcancel := context.WithTimeout(raceCtx, o.cfg.LocalTimeout)
			defer lcancel()
			text, err := o.local.Complete(lctx, localPrompt(q))
			localCh <- outcome{Answer{Text: text, Source: SourceLocal}, err}
		}()
	} else {
		localCh <- outcome{err: context.Canceled}
	}

	go func() {
		cctx, ccancel := context.WithTimeout(raceCtx, o.cfg.CloudTimeout)
		defer ccancel()
		text, err := o.cloud.Complete(cctx, systemInstruction, contextTurn(q), q.Question)
		cloudCh <- outcome{Answer{Text: text, Source: SourceCloud}, err}
	}()

	var local, cloud *outcome
	instantSent := false
	instant := func(a Answer) {
		if !instantSent && onInstant != nil {
			onInstant(a)
		}
		instantSent = true
	}

	for local == nil || cloud == nil {
		select {
		case r := <-localCh:
			local = &r
			if r.err == nil && r.ans.Text != "" {
				instant(r.ans)
			} else if r.err != nil && o.localCap.Available {
				// Expected and non-fatal; the cloud picks up the slack.
				log.Debug("local inference failed", "error", r.err)
			}
		case r := <-cloudCh:
			cloud = &r
			if r.err == nil && r.ans.Text != "" {
				instant(Answer{Text: trimForInstant(r.ans.Text), Source: SourceCloud})
				return r.ans
			}
			log.Warn("cloud inference failed", "error", r.err)
		case <-ctx.Done():
			return o.fallback(q)
		}
	}

	// Cloud failed; a successful local answer still serves.
	if local.err == nil && local.ans.Text != "" {
		return local.ans
	}
	return o.fallback(q)
}

// fallback is the user-facing answer of last resort, apologetic and aware
// of what was being read.
func (o *Orchestrator) fallback(q Query) Answer {
	text := "Sorry, I couldn't find an answer to that right now. It's worth another try in a moment."
	if !q.Book.IsZero() {
		text = "Sorry, I couldn't find an answer about " + q.Book.Title + " right now. It's worth another try in a moment."
	}
	return Answer{Text: text, Source: SourceFallback}
}
