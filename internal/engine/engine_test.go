// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/ideaforge/internal/alert"
	"github.com/jeranaias/ideaforge/internal/budget"
	"github.com/jeranaias/ideaforge/internal/faults"
	"github.com/jeranaias/ideaforge/internal/model"
	"github.com/jeranaias/ideaforge/internal/moderation"
	"github.com/jeranaias/ideaforge/internal/ollama"
	"github.com/jeranaias/ideaforge/internal/storage"
	"github.com/jeranaias/ideaforge/internal/telemetry"
)

// ====== FAKES ======

type fakeStore struct {
	mu    sync.Mutex
	convs map[string]*model.Conversation
	msgs  map[string][]model.Message

	// conflicts makes the next N AppendTurn calls fail with a version
	// conflict without writing anything.
	conflicts int
	appends   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs: make(map[string]*model.Conversation),
		msgs:  make(map[string][]model.Message),
	}
}

func (s *fakeStore) CreateConversation(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *fakeStore) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, storage.ErrConversationNotFound
	}
	return conv.Clone(), nil
}

func (s *fakeStore) LatestConversation(_ context.Context, actorID string, kind model.Kind, anchorRef string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*model.Conversation
	for _, conv := range s.convs {
		if conv.ActorID != actorID || conv.Kind != kind {
			continue
		}
		if kind == model.KindAnchored && conv.AnchorRef != anchorRef {
			continue
		}
		all = append(all, conv)
	}
	if len(all) == 0 {
		return nil, storage.ErrConversationNotFound
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return all[0].Clone(), nil
}

func (s *fakeStore) SaveConversation(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.convs[conv.ID]
	if !ok {
		return storage.ErrConversationNotFound
	}
	if stored.Version != conv.Version {
		return storage.ErrVersionConflict
	}
	conv.Version++
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *fakeStore) AppendTurn(_ context.Context, conv *model.Conversation, user, assistant *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.conflicts > 0 {
		s.conflicts--
		return storage.ErrVersionConflict
	}
	stored, ok := s.convs[conv.ID]
	if !ok {
		return storage.ErrConversationNotFound
	}
	if stored.Version != conv.Version {
		return storage.ErrVersionConflict
	}
	conv.Version++
	s.convs[conv.ID] = conv.Clone()
	s.msgs[conv.ID] = append(s.msgs[conv.ID], *user, *assistant)
	return nil
}

func (s *fakeStore) ListMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.msgs[conversationID]))
	copy(out, s.msgs[conversationID])
	return out, nil
}

func (s *fakeStore) DailyUsage(_ context.Context, actorID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, conv := range s.convs {
		if conv.ActorID == actorID && conv.WindowStart.After(since) {
			total += conv.TokensUsed
		}
	}
	return total, nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	response string
	err      error

	// verdict is returned by Chat, the classification path.
	verdict string

	chatCalls  int
	genCalls   int
	lastSystem string
	lastHist   []ollama.Message
	lastPrompt string
}

func (g *fakeGenerator) Chat(_ context.Context, _ string, _ []ollama.Message, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chatCalls++
	return g.verdict, nil
}

func (g *fakeGenerator) ChatWithRetry(_ context.Context, system string, hist []ollama.Message, userPrompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.genCalls++
	g.lastSystem = system
	g.lastHist = hist
	g.lastPrompt = userPrompt
	if g.err != nil {
		return "", g.err
	}
	return g.response, nil
}

// ====== HELPERS ======

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store storage.Store, gen Generator, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Store:   store,
		Client:  gen,
		Metrics: telemetry.NewRecorder(),
		Clock:   func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func seedConversation(s *fakeStore, actorID string, kind model.Kind, anchorRef string) *model.Conversation {
	conv := &model.Conversation{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Kind:        kind,
		AnchorRef:   anchorRef,
		WindowStart: testNow.Add(-time.Hour),
		CreatedAt:   testNow.Add(-time.Hour),
		UpdatedAt:   testNow.Add(-time.Hour),
		Version:     1,
	}
	s.convs[conv.ID] = conv
	return conv
}

// ====== SUBMIT TURN ======

func TestSubmitTurnSuccess(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "Claro, posso ajudar com isso."}
	eng := newTestEngine(t, store, gen, nil)

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")

	res, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "Como organizar minhas tarefas?")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if res.Content != gen.response {
		t.Errorf("Content = %q, want %q", res.Content, gen.response)
	}
	if res.TokensConsumed <= 0 {
		t.Errorf("TokensConsumed = %d, want > 0", res.TokensConsumed)
	}
	wantRemaining := budget.DefaultLimits().MaxTokensPerDay - res.TokensConsumed
	if res.TokensRemaining != wantRemaining {
		t.Errorf("TokensRemaining = %d, want %d", res.TokensRemaining, wantRemaining)
	}

	msgs, _ := store.ListMessages(context.Background(), conv.ID)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != model.RoleUser || msgs[1].Role != model.RoleAssistant {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].TokensRemaining == nil || *msgs[1].TokensRemaining != res.TokensRemaining {
		t.Errorf("assistant TokensRemaining snapshot missing or wrong")
	}

	stored, _ := store.GetConversation(context.Background(), conv.ID)
	if stored.TokensUsed != res.TokensConsumed {
		t.Errorf("conversation TokensUsed = %d, want %d", stored.TokensUsed, res.TokensConsumed)
	}
	if stored.Version != 2 {
		t.Errorf("Version = %d, want 2", stored.Version)
	}
}

func TestSubmitTurnBlankMessage(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "ok"}
	eng := newTestEngine(t, store, gen, nil)

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")

	_, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "   \n  ")
	if !faults.IsValidation(err) {
		t.Fatalf("err = %v, want validation failure", err)
	}
	if gen.genCalls != 0 {
		t.Errorf("backend called %d times for a rejected message", gen.genCalls)
	}
}

func TestSubmitTurnDailyCeiling(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "ok"}
	eng := newTestEngine(t, store, gen, nil)

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")

	// A second active conversation already consumed almost the full daily
	// allowance; any further message must be rejected before generation.
	other := seedConversation(store, actor.ID, model.KindFree, "")
	other.TokensUsed = 9999
	other.WindowStart = testNow.Add(-time.Minute)

	_, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "mais uma pergunta")
	if !faults.IsValidation(err) {
		t.Fatalf("err = %v, want validation failure", err)
	}
	if !strings.Contains(err.Error(), "limite diário") {
		t.Errorf("err = %q, want daily-limit copy", err.Error())
	}
	if gen.genCalls != 0 {
		t.Errorf("backend called %d times past the daily ceiling", gen.genCalls)
	}
}

func TestSubmitTurnConversationCeiling(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "ok"}
	eng := newTestEngine(t, store, gen, nil)

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")
	conv.TokensUsed = 10000

	_, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "olá")
	if !faults.IsValidation(err) {
		t.Fatalf("err = %v, want validation failure", err)
	}
	if gen.genCalls != 0 {
		t.Errorf("backend called on an exhausted conversation")
	}
}

func TestSubmitTurnWindowReset(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "bem-vindo de volta"}
	eng := newTestEngine(t, store, gen, nil)

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")
	conv.TokensUsed = 10000
	conv.WindowStart = testNow.Add(-24 * time.Hour)

	res, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "olá de novo")
	if err != nil {
		t.Fatalf("SubmitTurn after window expiry: %v", err)
	}

	stored, _ := store.GetConversation(context.Background(), conv.ID)
	if stored.TokensUsed != res.TokensConsumed {
		t.Errorf("TokensUsed = %d after reset, want %d", stored.TokensUsed, res.TokensConsumed)
	}
	if !stored.WindowStart.Equal(testNow) {
		t.Errorf("WindowStart = %v, want %v", stored.WindowStart, testNow)
	}
}

func TestSubmitTurnConflictRetry(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "resposta"}
	eng := newTestEngine(t, store, gen, nil)

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")
	store.conflicts = 1

	res, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if res.Content != "resposta" {
		t.Errorf("Content = %q", res.Content)
	}
	if gen.genCalls != 2 {
		t.Errorf("genCalls = %d, want 2 (one per attempt)", gen.genCalls)
	}
	msgs, _ := store.ListMessages(context.Background(), conv.ID)
	if len(msgs) != 2 {
		t.Errorf("persisted %d messages, want exactly one turn", len(msgs))
	}
}

func TestSubmitTurnConflictExhausted(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "resposta"}
	eng := newTestEngine(t, store, gen, nil)

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")
	store.conflicts = 10

	_, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta")
	if !faults.IsValidation(err) {
		t.Fatalf("err = %v, want validation failure after exhausted retries", err)
	}
	if store.appends != DefaultMaxTurnAttempts {
		t.Errorf("append attempts = %d, want %d", store.appends, DefaultMaxTurnAttempts)
	}
	msgs, _ := store.ListMessages(context.Background(), conv.ID)
	if len(msgs) != 0 {
		t.Errorf("persisted %d messages, want none", len(msgs))
	}
}

func TestSubmitTurnPermission(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "ok"}
	eng := newTestEngine(t, store, gen, nil)

	conv := seedConversation(store, "owner", model.KindFree, "")

	_, err := eng.SubmitTurn(context.Background(), model.Actor{ID: "intruder"}, conv.ID, "olá")
	if !faults.IsPermission(err) {
		t.Fatalf("err = %v, want permission failure", err)
	}
}

func TestSubmitTurnNotFound(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(t, store, &fakeGenerator{}, nil)

	_, err := eng.SubmitTurn(context.Background(), model.Actor{ID: "actor-1"}, "missing", "olá")
	if !faults.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found failure", err)
	}
}

// ====== MODERATION ======

func TestSubmitTurnDangerousResponse(t *testing.T) {
	for _, kind := range []model.Kind{model.KindFree, model.KindAnchored} {
		t.Run(string(kind), func(t *testing.T) {
			store := newFakeStore()
			gen := &fakeGenerator{response: "[MODERACAO: PERIGOSO] conteúdo descartado"}
			eng := newTestEngine(t, store, gen, func(cfg *Config) {
				cfg.Anchors = AnchorSourceFunc(func(context.Context, string) (string, string, error) {
					return "Ideia", "Contexto", nil
				})
			})

			actor := model.Actor{ID: "actor-1"}
			anchorRef := ""
			if kind == model.KindAnchored {
				anchorRef = "idea-1"
			}
			conv := seedConversation(store, actor.ID, kind, anchorRef)

			_, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta")
			if !faults.IsValidation(err) {
				t.Fatalf("err = %v, want validation failure", err)
			}
			if err.Error() != moderation.RejectionMessage(kind) {
				t.Errorf("copy = %q, want kind-appropriate rejection", err.Error())
			}
			msgs, _ := store.ListMessages(context.Background(), conv.ID)
			if len(msgs) != 0 {
				t.Errorf("persisted %d messages from a rejected turn", len(msgs))
			}
		})
	}
}

func TestSubmitTurnStripsEchoedMarkers(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "Resposta limpa [MODERACAO: SEGURA]"}
	eng := newTestEngine(t, store, gen, nil)

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")

	res, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if res.Content != "Resposta limpa" {
		t.Errorf("Content = %q, want markers stripped", res.Content)
	}
}

func TestSubmitTurnEmptyAfterStrip(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "  [MODERAÇÃO: SEGURA]  "}
	eng := newTestEngine(t, store, gen, nil)

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")

	_, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta")
	if !faults.IsUpstream(err) {
		t.Fatalf("err = %v, want upstream failure", err)
	}
}

func TestSubmitTurnPrecheckRejects(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "nunca gerado", verdict: "[MODERACAO: PERIGOSO]"}
	eng := newTestEngine(t, store, gen, func(cfg *Config) {
		cfg.PrecheckEnabled = true
	})

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")

	_, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "entrada suspeita")
	if !faults.IsValidation(err) {
		t.Fatalf("err = %v, want validation failure", err)
	}
	if gen.chatCalls != 1 {
		t.Errorf("classification calls = %d, want 1", gen.chatCalls)
	}
	if gen.genCalls != 0 {
		t.Errorf("generation ran despite admission rejection")
	}
}

func TestSubmitTurnPrecheckSkippedForAnchored(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "resposta", verdict: "[MODERACAO: PERIGOSO]"}
	eng := newTestEngine(t, store, gen, func(cfg *Config) {
		cfg.PrecheckEnabled = true
		cfg.Anchors = AnchorSourceFunc(func(context.Context, string) (string, string, error) {
			return "Ideia", "Contexto", nil
		})
	})

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindAnchored, "idea-1")

	if _, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta"); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if gen.chatCalls != 0 {
		t.Errorf("classification ran for an anchored conversation")
	}
}

// ====== BACKEND FAILURES ======

func TestSubmitTurnBackendFailure(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{err: errors.New("connect: connection refused")}
	eng := newTestEngine(t, store, gen, nil)

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")

	_, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta")
	if !faults.IsUpstream(err) {
		t.Fatalf("err = %v, want upstream failure", err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		t.Errorf("raw diagnostic leaked to user copy: %q", err.Error())
	}
	msgs, _ := store.ListMessages(context.Background(), conv.ID)
	if len(msgs) != 0 {
		t.Errorf("persisted %d messages from a failed turn", len(msgs))
	}
}

func TestBackendFailureEscalation(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{err: errors.New("boom")}

	var mu sync.Mutex
	var alerts []int
	eng := newTestEngine(t, store, gen, func(cfg *Config) {
		cfg.Notifier = alert.NotifyFunc(func(_ context.Context, _ model.Actor, failures int) error {
			mu.Lock()
			defer mu.Unlock()
			alerts = append(alerts, failures)
			return nil
		})
	})

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")

	for i := 0; i < 4; i++ {
		if _, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta"); err == nil {
			t.Fatal("expected failure")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 1 || alerts[0] != 4 {
		t.Fatalf("alerts = %v, want one alert at 4 failures", alerts)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{err: errors.New("boom")}

	var mu sync.Mutex
	alerts := 0
	eng := newTestEngine(t, store, gen, func(cfg *Config) {
		cfg.Notifier = alert.NotifyFunc(func(context.Context, model.Actor, int) error {
			mu.Lock()
			defer mu.Unlock()
			alerts++
			return nil
		})
	})

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")

	for i := 0; i < 3; i++ {
		eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta")
	}
	gen.mu.Lock()
	gen.err = nil
	gen.response = "recuperado"
	gen.mu.Unlock()
	if _, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta"); err != nil {
		t.Fatalf("SubmitTurn after recovery: %v", err)
	}
	gen.mu.Lock()
	gen.err = errors.New("boom")
	gen.mu.Unlock()
	for i := 0; i < 3; i++ {
		eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta")
	}

	mu.Lock()
	defer mu.Unlock()
	if alerts != 0 {
		t.Errorf("alerts = %d, want none when streaks never reach the threshold", alerts)
	}
}

// ====== ANCHORED CONTEXT ======

func TestAnchorSnapshotFetchedOnce(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "resposta"}

	calls := 0
	eng := newTestEngine(t, store, gen, func(cfg *Config) {
		cfg.Anchors = AnchorSourceFunc(func(_ context.Context, ref string) (string, string, error) {
			calls++
			if ref != "idea-1" {
				t.Errorf("ref = %q", ref)
			}
			return "App de caronas", "Transporte universitário", nil
		})
	})

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindAnchored, "idea-1")

	for i := 0; i < 3; i++ {
		if _, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta"); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}

	if calls != 1 {
		t.Errorf("anchor source consulted %d times, want 1", calls)
	}
	if !strings.Contains(gen.lastSystem, "App de caronas") {
		t.Errorf("system prompt missing anchor content: %q", gen.lastSystem)
	}

	stored, _ := store.GetConversation(context.Background(), conv.ID)
	if stored.AnchorContent != "App de caronas" {
		t.Errorf("snapshot not persisted: %q", stored.AnchorContent)
	}
}

func TestAnchorMissing(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "resposta"}
	eng := newTestEngine(t, store, gen, func(cfg *Config) {
		cfg.Anchors = AnchorSourceFunc(func(context.Context, string) (string, string, error) {
			return "", "", &faults.NotFoundError{Resource: "anchor", ID: "idea-1"}
		})
	})

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindAnchored, "idea-1")

	_, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta")
	if !faults.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found failure", err)
	}
}

func TestHistoryPassedToBackend(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "resposta"}
	eng := newTestEngine(t, store, gen, nil)

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")

	if _, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "primeira"); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "segunda"); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	if len(gen.lastHist) != 2 {
		t.Fatalf("history length = %d, want 2", len(gen.lastHist))
	}
	if gen.lastHist[0].Role != "user" || gen.lastHist[0].Content != "primeira" {
		t.Errorf("history[0] = %+v", gen.lastHist[0])
	}
	if gen.lastHist[1].Role != "assistant" {
		t.Errorf("history[1].Role = %q", gen.lastHist[1].Role)
	}
	if gen.lastPrompt != "segunda" {
		t.Errorf("prompt = %q", gen.lastPrompt)
	}
}

// ====== START / RESUME ======

func TestStartOrResumeCreates(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(t, store, &fakeGenerator{}, nil)

	view, err := eng.StartOrResume(context.Background(), model.Actor{ID: "actor-1"}, model.KindFree, "")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	if view.ID == "" {
		t.Fatal("empty conversation id")
	}
	if len(view.Messages) != 0 {
		t.Errorf("new conversation has %d messages", len(view.Messages))
	}
}

func TestStartOrResumeReuses(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "resposta"}
	eng := newTestEngine(t, store, gen, nil)

	actor := model.Actor{ID: "actor-1"}
	first, err := eng.StartOrResume(context.Background(), actor, model.KindFree, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.SubmitTurn(context.Background(), actor, first.ID, "olá"); err != nil {
		t.Fatalf("turn: %v", err)
	}

	second, err := eng.StartOrResume(context.Background(), actor, model.KindFree, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("resumed id = %q, want %q", second.ID, first.ID)
	}
	if len(second.Messages) != 2 {
		t.Errorf("resumed with %d messages, want 2", len(second.Messages))
	}
	if second.TokensUsed <= 0 {
		t.Errorf("resumed TokensUsed = %d, want > 0", second.TokensUsed)
	}
}

func TestStartOrResumeReplacesStaleExhausted(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(t, store, &fakeGenerator{}, nil)

	actor := model.Actor{ID: "actor-1"}
	old := seedConversation(store, actor.ID, model.KindFree, "")
	old.TokensUsed = 10000
	old.WindowStart = testNow.Add(-25 * time.Hour)

	view, err := eng.StartOrResume(context.Background(), actor, model.KindFree, "")
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	if view.ID == old.ID {
		t.Error("stale exhausted conversation was resumed")
	}
}

func TestStartOrResumeValidation(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(t, store, &fakeGenerator{}, nil)
	ctx := context.Background()
	actor := model.Actor{ID: "actor-1"}

	if _, err := eng.StartOrResume(ctx, actor, model.Kind("WEIRD"), ""); !faults.IsValidation(err) {
		t.Errorf("unknown kind: err = %v, want validation failure", err)
	}
	if _, err := eng.StartOrResume(ctx, actor, model.KindAnchored, "  "); !faults.IsValidation(err) {
		t.Errorf("anchored without ref: err = %v, want validation failure", err)
	}
}

// ====== METRICS ======

func TestTurnMetrics(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{response: "resposta"}
	rec := telemetry.NewRecorder()
	eng := newTestEngine(t, store, gen, func(cfg *Config) {
		cfg.Metrics = rec
	})

	actor := model.Actor{ID: "actor-1"}
	conv := seedConversation(store, actor.ID, model.KindFree, "")
	store.conflicts = 1

	res, err := eng.SubmitTurn(context.Background(), actor, conv.ID, "pergunta")
	if err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	if got := rec.Counter(telemetry.MetricTurnConflicts); got != 1 {
		t.Errorf("conflict counter = %d, want 1", got)
	}
	if got := rec.Counter(telemetry.MetricTokensConsumed); got != int64(res.TokensConsumed) {
		t.Errorf("tokens counter = %d, want %d", got, res.TokensConsumed)
	}

	if _, err := eng.SubmitTurn(context.Background(), actor, conv.ID, ""); !faults.IsValidation(err) {
		t.Fatalf("blank message: %v", err)
	}
	if got := rec.Counter(telemetry.MetricValidationRejected); got != 1 {
		t.Errorf("rejection counter = %d, want 1", got)
	}
}
