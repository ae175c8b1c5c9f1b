package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a map-backed Store. It is safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	nextID    int64
	decks     map[int64]Deck
	questions map[int64]Question
	subs      map[string]*memSub
	priv      map[int64]map[int64]time.Time

	now func() time.Time
}

type memSub struct {
	Subscription
	decks []SubscriptionDeck
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		decks:     map[int64]Deck{},
		questions: map[int64]Question{},
		subs:      map[string]*memSub{},
		priv:      map[int64]map[int64]time.Time{},
		now:       time.Now,
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// ---- catalog ----

func (m *Memory) deckNameTaken(chatID int64, name string, except int64) bool {
	for _, d := range m.decks {
		if d.ChatID == chatID && d.ID != except && strings.EqualFold(d.Name, name) {
			return true
		}
	}
	return false
}

func (m *Memory) CreateDeck(_ context.Context, chatID int64, name, description string) (Deck, error) {
	name = normName(name)
	if name == "" {
		return Deck{}, errors.New("deck name is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deckNameTaken(chatID, name, 0) {
		return Deck{}, fmt.Errorf("deck %q: %w", name, ErrDuplicate)
	}
	d := Deck{ID: m.id(), ChatID: chatID, Name: name, Description: description, CreatedAt: m.now()}
	m.decks[d.ID] = d
	return d, nil
}

func (m *Memory) UpdateDeck(_ context.Context, deckID int64, name, description *string) (Deck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decks[deckID]
	if !ok {
		return Deck{}, fmt.Errorf("deck %d: %w", deckID, ErrNotFound)
	}
	if name != nil {
		n := normName(*name)
		if n == "" {
			return Deck{}, errors.New("deck name is empty")
		}
		if m.deckNameTaken(d.ChatID, n, d.ID) {
			return Deck{}, fmt.Errorf("deck %q: %w", n, ErrDuplicate)
		}
		d.Name = n
	}
	if description != nil {
		d.Description = *description
	}
	m.decks[deckID] = d
	for _, s := range m.subs {
		for i := range s.decks {
			if s.decks[i].DeckID == deckID {
				s.decks[i].DeckName = d.Name
			}
		}
	}
	return d, nil
}

func (m *Memory) DeleteDeck(_ context.Context, deckID int64) (DeckDeletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out DeckDeletion
	if _, ok := m.decks[deckID]; !ok {
		return out, fmt.Errorf("deck %d: %w", deckID, ErrNotFound)
	}
	delete(m.decks, deckID)
	for id, q := range m.questions {
		if q.DeckID == deckID {
			delete(m.questions, id)
		}
	}
	for _, s := range m.sortedSubs() {
		idx := slices.IndexFunc(s.decks, func(sd SubscriptionDeck) bool { return sd.DeckID == deckID })
		if idx < 0 {
			continue
		}
		s.decks = slices.Delete(s.decks, idx, idx+1)
		for i := range s.decks {
			s.decks[i].CurrentQuestionIndex = 0
		}
		s.CurrentDeckIndex = 0
		s.IsActive = len(s.decks) > 0
		out.Affected = append(out.Affected, s.ChannelID)
		if !s.IsActive {
			out.Emptied = append(out.Emptied, s.ChannelID)
		}
	}
	return out, nil
}

func (m *Memory) Deck(_ context.Context, deckID int64) (Deck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decks[deckID]
	if !ok {
		return Deck{}, fmt.Errorf("deck: %w", ErrNotFound)
	}
	return d, nil
}

func (m *Memory) DeckByName(_ context.Context, chatID int64, name string) (Deck, error) {
	name = normName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.decks {
		if d.ChatID == chatID && strings.EqualFold(d.Name, name) {
			return d, nil
		}
	}
	return Deck{}, fmt.Errorf("deck: %w", ErrNotFound)
}

func (m *Memory) ListDecks(_ context.Context, chatID int64) ([]DeckSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[int64]int{}
	for _, q := range m.questions {
		counts[q.DeckID]++
	}
	var out []DeckSummary
	for _, d := range m.decks {
		if d.ChatID == chatID {
			out = append(out, DeckSummary{Deck: d, QuestionCount: counts[d.ID]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out, nil
}

func (m *Memory) questionTaken(deckID int64, text string, except int64) bool {
	for _, q := range m.questions {
		if q.DeckID == deckID && q.ID != except && q.Text == text {
			return true
		}
	}
	return false
}

func (m *Memory) AddQuestion(_ context.Context, deckID int64, text string) (Question, error) {
	if text == "" {
		return Question{}, errors.New("question text is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decks[deckID]; !ok {
		return Question{}, fmt.Errorf("deck %d: %w", deckID, ErrNotFound)
	}
	if m.questionTaken(deckID, text, 0) {
		return Question{}, fmt.Errorf("question: %w", ErrDuplicate)
	}
	next := 1
	for _, q := range m.questions {
		if q.DeckID == deckID && q.Order >= next {
			next = q.Order + 1
		}
	}
	q := Question{ID: m.id(), DeckID: deckID, Text: text, Order: next, CreatedAt: m.now()}
	m.questions[q.ID] = q
	return q, nil
}

func (m *Memory) UpdateQuestion(_ context.Context, questionID int64, text string) (Question, error) {
	if text == "" {
		return Question{}, errors.New("question text is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok {
		return Question{}, fmt.Errorf("question %d: %w", questionID, ErrNotFound)
	}
	if m.questionTaken(q.DeckID, text, q.ID) {
		return Question{}, fmt.Errorf("question: %w", ErrDuplicate)
	}
	q.Text = text
	m.questions[questionID] = q
	return q, nil
}

func (m *Memory) DeleteQuestion(_ context.Context, questionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.questions[questionID]; !ok {
		return fmt.Errorf("question %d: %w", questionID, ErrNotFound)
	}
	delete(m.questions, questionID)
	return nil
}

func (m *Memory) ClearQuestions(_ context.Context, deckID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, q := range m.questions {
		if q.DeckID == deckID {
			delete(m.questions, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Question(_ context.Context, questionID int64) (Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok {
		return Question{}, fmt.Errorf("question: %w", ErrNotFound)
	}
	return q, nil
}

func (m *Memory) QuestionsByDeck(_ context.Context, deckID int64) ([]Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Question
	for _, q := range m.questions {
		if q.DeckID == deckID {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ---- subscriptions ----

func (m *Memory) sortedSubs() []*memSub {
	out := make([]*memSub, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memSub) view() SubscriptionWithDecks {
	return SubscriptionWithDecks{Subscription: s.Subscription, Decks: slices.Clone(s.decks)}
}

func (m *Memory) GetSubscription(_ context.Context, channelID string) (SubscriptionWithDecks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[channelID]
	if !ok {
		return SubscriptionWithDecks{}, fmt.Errorf("subscription: %w", ErrNotFound)
	}
	return s.view(), nil
}

func (m *Memory) ActiveSubscriptions(_ context.Context) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.sortedSubs() {
		if s.IsActive {
			out = append(out, s.Subscription)
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(_ context.Context, chatID int64) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.sortedSubs() {
		if s.ChatID == chatID {
			out = append(out, s.Subscription)
		}
	}
	return out, nil
}

func (m *Memory) buildDecks(subID int64, deckIDs []int64) ([]SubscriptionDeck, error) {
	now := m.now()
	ids := dedupeIDs(deckIDs)
	out := make([]SubscriptionDeck, 0, len(ids))
	for i, id := range ids {
		d, ok := m.decks[id]
		if !ok {
			return nil, fmt.Errorf("deck %d: %w", id, ErrNotFound)
		}
		out = append(out, SubscriptionDeck{SubscriptionID: subID, DeckID: id, DeckName: d.Name, Position: i, CreatedAt: now})
	}
	return out, nil
}

func (m *Memory) ReplaceSubscription(_ context.Context, in SubscriptionInput) (SubscriptionWithDecks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[in.ChannelID]
	var subID int64
	if ok {
		subID = s.ID
	} else {
		subID = m.id()
	}
	decks, err := m.buildDecks(subID, in.DeckIDs)
	if err != nil {
		if !ok {
			m.nextID--
		}
		return SubscriptionWithDecks{}, err
	}
	if !ok {
		s = &memSub{Subscription: Subscription{ID: subID, ChannelID: in.ChannelID, CreatedAt: m.now()}}
		m.subs[in.ChannelID] = s
	}
	s.ChatID = in.ChatID
	s.Schedule = in.Schedule
	s.CurrentDeckIndex = 0
	s.decks = decks
	s.IsActive = len(decks) > 0
	return s.view(), nil
}

func (m *Memory) UpdateSubscription(_ context.Context, channelID string, p SubscriptionPatch) (SubscriptionWithDecks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[channelID]
	if !ok {
		return SubscriptionWithDecks{}, fmt.Errorf("subscription %s: %w", channelID, ErrNotFound)
	}
	var decks []SubscriptionDeck
	if p.ReplaceDecks {
		var err error
		if decks, err = m.buildDecks(s.ID, p.DeckIDs); err != nil {
			return SubscriptionWithDecks{}, err
		}
	}
	if p.Schedule != nil {
		s.Schedule = *p.Schedule
	}
	if p.ReplaceDecks {
		s.decks = decks
		s.CurrentDeckIndex = 0
	}
	s.IsActive = len(s.decks) > 0
	return s.view(), nil
}

func (m *Memory) DeleteSubscription(_ context.Context, channelID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[channelID]; !ok {
		return false, nil
	}
	delete(m.subs, channelID)
	return true, nil
}

func (m *Memory) subByID(id int64) *memSub {
	for _, s := range m.subs {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (m *Memory) deckCursor(subID, deckID int64) *SubscriptionDeck {
	s := m.subByID(subID)
	if s == nil {
		return nil
	}
	for i := range s.decks {
		if s.decks[i].DeckID == deckID {
			return &s.decks[i]
		}
	}
	return nil
}

func (m *Memory) UpdateQuestionIndex(_ context.Context, subscriptionID, deckID int64, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd := m.deckCursor(subscriptionID, deckID)
	if sd == nil {
		return fmt.Errorf("subscription deck %d/%d: %w", subscriptionID, deckID, ErrNotFound)
	}
	sd.CurrentQuestionIndex = index
	return nil
}

func (m *Memory) UpdateCurrentDeckIndex(_ context.Context, subscriptionID int64, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.subByID(subscriptionID)
	if s == nil {
		return fmt.Errorf("subscription %d: %w", subscriptionID, ErrNotFound)
	}
	s.CurrentDeckIndex = index
	return nil
}

func (m *Memory) AdvanceCursor(_ context.Context, a Advance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sd := m.deckCursor(a.SubscriptionID, a.DeckID)
	if sd == nil || sd.CurrentQuestionIndex != a.ExpectQuestionIndex {
		return ErrCursorConflict
	}
	sd.CurrentQuestionIndex = a.NewQuestionIndex
	if a.NewDeckIndex != nil {
		m.subByID(a.SubscriptionID).CurrentDeckIndex = *a.NewDeckIndex
	}
	return nil
}

// ---- privileged ----

func (m *Memory) AddPrivileged(_ context.Context, chatID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.priv[chatID]
	if users == nil {
		users = map[int64]time.Time{}
		m.priv[chatID] = users
	}
	if _, ok := users[userID]; ok {
		return false, nil
	}
	users[userID] = m.now()
	return true, nil
}

func (m *Memory) RemovePrivileged(_ context.Context, chatID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.priv[chatID][userID]; !ok {
		return false, nil
	}
	delete(m.priv[chatID], userID)
	return true, nil
}

func (m *Memory) ListPrivileged(_ context.Context, chatID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.priv[chatID]
	out := make([]int64, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := users[out[i]], users[out[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i] < out[j]
	})
	return out, nil
}

func (m *Memory) ClearPrivileged(_ context.Context, chatID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.priv[chatID])
	delete(m.priv, chatID)
	return n, nil
}

func (m *Memory) IsPrivileged(_ context.Context, chatID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.priv[chatID][userID]
	return ok, nil
}
