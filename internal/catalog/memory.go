package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and development.
type MemoryStore struct {
	now func() time.Time

	mu        sync.Mutex
	nextID    int64
	files     map[int64]IngestFile
	assets    map[int64]MediaAsset
	decks     map[int64]Deck
	cards     map[int64]Card
	cardMedia map[int64][]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		files:     make(map[int64]IngestFile),
		assets:    make(map[int64]MediaAsset),
		decks:     make(map[int64]Deck),
		cards:     make(map[int64]Card),
		cardMedia: make(map[int64][]int64),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) CreateIngestFile(_ context.Context, f *IngestFile) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := *f
	item.ID = s.id()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now().UTC()
	}
	s.files[item.ID] = item
	return item.ID, nil
}

func (s *MemoryStore) CreateMediaAsset(_ context.Context, a *MediaAsset) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := *a
	item.ID = s.id()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now().UTC()
	}
	s.assets[item.ID] = item
	return item.ID, nil
}

func (s *MemoryStore) GetMediaAssets(_ context.Context, ids []int64) ([]MediaAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]MediaAsset, 0, len(ids))
	for _, id := range ids {
		item, ok := s.assets[id]
		if !ok {
			return nil, fmt.Errorf("media asset %d: %w", id, ErrNotFound)
		}
		ret = append(ret, item)
	}
	return ret, nil
}

func (s *MemoryStore) EnsureDeck(_ context.Context, owner, title, description string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.decks {
		if d.Owner == owner && d.Title == title {
			return d.ID, nil
		}
	}
	d := Deck{
		ID:          s.id(),
		Owner:       owner,
		Title:       title,
		Description: description,
		Visibility:  "private",
		CreatedAt:   s.now().UTC(),
	}
	s.decks[d.ID] = d
	return d.ID, nil
}

func (s *MemoryStore) CreateCard(_ context.Context, c *Card, mediaAssetIDs ...int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.decks[c.DeckID]; !ok {
		return 0, fmt.Errorf("deck %d: %w", c.DeckID, ErrNotFound)
	}
	for _, id := range mediaAssetIDs {
		if _, ok := s.assets[id]; !ok {
			return 0, fmt.Errorf("media asset %d: %w", id, ErrNotFound)
		}
	}
	item := *c
	item.ID = s.id()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now().UTC()
	}
	s.cards[item.ID] = item
	s.cardMedia[item.ID] = append([]int64(nil), mediaAssetIDs...)
	return item.ID, nil
}

func (s *MemoryStore) Summarize(_ context.Context, since time.Time, recent int) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := Summary{MediaByType: make(map[MediaType]int)}
	for _, a := range s.assets {
		if !a.CreatedAt.Before(since) {
			ret.MediaByType[a.Type]++
			ret.RecentMedia = append(ret.RecentMedia, a)
		}
	}
	for _, c := range s.cards {
		if c.CreatedAt.Before(since) {
			continue
		}
		if c.IsActive {
			ret.ActiveCards++
		} else {
			ret.DraftCards++
		}
		ret.RecentCards = append(ret.RecentCards, c)
	}
	for _, d := range s.decks {
		if !d.CreatedAt.Before(since) {
			ret.DecksCreated++
		}
	}
	for _, f := range s.files {
		if !f.CreatedAt.Before(since) {
			ret.IngestedFiles++
		}
	}

	sort.Slice(ret.RecentMedia, func(i, j int) bool { return ret.RecentMedia[i].ID > ret.RecentMedia[j].ID })
	sort.Slice(ret.RecentCards, func(i, j int) bool { return ret.RecentCards[i].ID > ret.RecentCards[j].ID })
	if recent >= 0 && len(ret.RecentMedia) > recent {
		ret.RecentMedia = ret.RecentMedia[:recent]
	}
	if recent >= 0 && len(ret.RecentCards) > recent {
		ret.RecentCards = ret.RecentCards[:recent]
	}
	return ret, nil
}

// CardMedia returns the media assets linked to a card.
func (s *MemoryStore) CardMedia(cardID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.cardMedia[cardID]...)
}

// Cards returns every stored card ordered by ID.
func (s *MemoryStore) Cards() []Card {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := make([]Card, 0, len(s.cards))
	for _, c := range s.cards {
		ret = append(ret, c)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}
