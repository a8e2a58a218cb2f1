package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/infra/storage"
)

type kvEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStorage backs every storage interface in process memory. It is used
// when no database or redis URL is configured, and by tests.
type MemoryStorage struct {
	raw      map[string]domain.RawRecord
	rawOrder []string

	places     map[string]domain.NormalizedPlace
	placeOrder []string
	bySource   map[string]string
	meta       map[string]domain.PublishMeta
	slugs      map[string]string

	kv     map[string]kvEntry
	queues map[string][]*domain.FailQueueMessage
	runs   map[domain.Stage][]domain.StageRun

	invalidated []string
	mu          sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		raw:      make(map[string]domain.RawRecord),
		places:   make(map[string]domain.NormalizedPlace),
		bySource: make(map[string]string),
		meta:     make(map[string]domain.PublishMeta),
		slugs:    make(map[string]string),
		kv:       make(map[string]kvEntry),
		queues:   make(map[string][]*domain.FailQueueMessage),
		runs:     make(map[domain.Stage][]domain.StageRun),
	}
}

// -----------------------------------------------------------------------------
// Raw Record Repository
// -----------------------------------------------------------------------------

type RawRepo struct {
	store *MemoryStorage
}

func NewRawRepo(store *MemoryStorage) *RawRepo {
	return &RawRepo{store: store}
}

func (r *RawRepo) InsertIgnore(ctx context.Context, rows []domain.RawRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, row := range rows {
		r.store.insertRaw(row)
	}
	return nil
}

func (r *RawRepo) Upsert(ctx context.Context, row domain.RawRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.insertRaw(row)
	return nil
}

func (s *MemoryStorage) insertRaw(row domain.RawRecord) {
	if _, ok := s.raw[row.SourceID]; ok {
		return
	}
	s.raw[row.SourceID] = row
	s.rawOrder = append(s.rawOrder, row.SourceID)
}

func (r *RawRepo) Count(ctx context.Context) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return int64(len(r.store.raw)), nil
}

func (r *RawRepo) PendingNormalization(ctx context.Context, limit int) ([]domain.RawRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []domain.RawRecord
	for _, id := range r.store.rawOrder {
		if len(out) >= limit {
			break
		}
		if _, done := r.store.bySource[id]; done {
			continue
		}
		out = append(out, r.store.raw[id])
	}
	return out, nil
}

// Get returns a raw record by source id.
func (r *RawRepo) Get(sourceID string) (domain.RawRecord, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	row, ok := r.store.raw[sourceID]
	return row, ok
}

// -----------------------------------------------------------------------------
// Place Repository
// -----------------------------------------------------------------------------

type PlaceRepo struct {
	store *MemoryStorage
}

func NewPlaceRepo(store *MemoryStorage) *PlaceRepo {
	return &PlaceRepo{store: store}
}

func (r *PlaceRepo) InsertIgnore(ctx context.Context, rows []domain.NormalizedPlace) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, row := range rows {
		r.store.insertPlace(row)
	}
	return nil
}

func (r *PlaceRepo) Upsert(ctx context.Context, row domain.NormalizedPlace) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.insertPlace(row)
	return nil
}

func (s *MemoryStorage) insertPlace(row domain.NormalizedPlace) {
	if _, ok := s.bySource[row.SourceID]; ok {
		return
	}
	s.places[row.ID] = row
	s.placeOrder = append(s.placeOrder, row.ID)
	s.bySource[row.SourceID] = row.ID
	s.meta[row.ID] = domain.PublishMeta{PlaceID: row.ID}
}

func (r *PlaceRepo) Count(ctx context.Context) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return int64(len(r.store.places)), nil
}

func (r *PlaceRepo) pending(limit int, match func(domain.PublishMeta) bool) []domain.Place {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []domain.Place
	for _, id := range r.store.placeOrder {
		if len(out) >= limit {
			break
		}
		m := r.store.meta[id]
		if match(m) {
			out = append(out, domain.Place{NormalizedPlace: r.store.places[id], Meta: m})
		}
	}
	return out
}

func (r *PlaceRepo) PendingEnrichment(ctx context.Context, limit int) ([]domain.Place, error) {
	return r.pending(limit, func(m domain.PublishMeta) bool {
		return !m.IsPublishable && m.AISummary == nil
	}), nil
}

func (r *PlaceRepo) PendingPublish(ctx context.Context, limit int) ([]domain.Place, error) {
	return r.pending(limit, func(m domain.PublishMeta) bool {
		return m.IsPublishable && m.LastPublishedAt == nil
	}), nil
}

func (r *PlaceRepo) SlugOwner(ctx context.Context, slug string) (string, bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	id, ok := r.store.slugs[slug]
	return id, ok, nil
}

func (r *PlaceRepo) ApplyEnrichment(
	ctx context.Context,
	placeID string,
	upd domain.PublishMetaUpdate,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.meta[placeID]
	if !ok || m.IsPublishable {
		return false, nil
	}
	return r.store.applyMeta(m, upd)
}

func (r *PlaceRepo) MarkPublished(
	ctx context.Context,
	placeID string,
	upd domain.PublishMetaUpdate,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.meta[placeID]
	if !ok || m.LastPublishedAt != nil {
		return false, nil
	}
	return r.store.applyMeta(m, upd)
}

func (s *MemoryStorage) applyMeta(m domain.PublishMeta, upd domain.PublishMetaUpdate) (bool, error) {
	// A slug, once set, never changes.
	if upd.Slug != nil && m.Slug == nil {
		if owner, taken := s.slugs[*upd.Slug]; taken && owner != m.PlaceID {
			return false, storage.ErrSlugTaken
		}
		slug := *upd.Slug
		m.Slug = &slug
		s.slugs[slug] = m.PlaceID
	}
	if upd.AISummary != nil {
		m.AISummary = upd.AISummary
	}
	if upd.AIFAQ != nil {
		m.AIFAQ = upd.AIFAQ
	}
	if upd.IsPublishable != nil {
		m.IsPublishable = *upd.IsPublishable
	}
	if upd.LastPublishedAt != nil {
		m.LastPublishedAt = upd.LastPublishedAt
	}
	s.meta[m.PlaceID] = m
	return true, nil
}

func (r *PlaceRepo) PublishedSlugs(ctx context.Context) ([]domain.SitemapEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []domain.SitemapEntry
	for _, m := range r.store.meta {
		if m.Slug != nil && m.LastPublishedAt != nil {
			out = append(out, domain.SitemapEntry{Slug: *m.Slug, PublishedAt: *m.LastPublishedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].Slug < out[j].Slug
		}
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	return out, nil
}

// Place returns a joined place by id.
func (r *PlaceRepo) Place(id string) (domain.Place, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.places[id]
	if !ok {
		return domain.Place{}, false
	}
	return domain.Place{NormalizedPlace: p, Meta: r.store.meta[id]}, true
}

// PlaceBySource returns a joined place by source id.
func (r *PlaceRepo) PlaceBySource(sourceID string) (domain.Place, bool) {
	r.store.mu.RLock()
	id, ok := r.store.bySource[sourceID]
	r.store.mu.RUnlock()
	if !ok {
		return domain.Place{}, false
	}
	return r.Place(id)
}

// -----------------------------------------------------------------------------
// Key-Value Store
// -----------------------------------------------------------------------------

type KV struct {
	store *MemoryStorage
	now   func() time.Time
}

func NewKV(store *MemoryStorage) *KV {
	return &KV{store: store, now: time.Now}
}

func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	k.store.mu.RLock()
	defer k.store.mu.RUnlock()
	e, ok := k.store.kv[key]
	if !ok || (!e.expiresAt.IsZero() && k.now().After(e.expiresAt)) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (k *KV) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v, ok, _ := k.Get(ctx, key)
		if ok {
			out[key] = v
		}
	}
	return out, nil
}

func (k *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	k.store.mu.Lock()
	defer k.store.mu.Unlock()
	e := kvEntry{value: value}
	if ttl > 0 {
		e.expiresAt = k.now().Add(ttl)
	}
	k.store.kv[key] = e
	return nil
}

func (k *KV) MSet(ctx context.Context, values map[string]string) error {
	k.store.mu.Lock()
	defer k.store.mu.Unlock()
	for key, v := range values {
		k.store.kv[key] = kvEntry{value: v}
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, keys ...string) error {
	k.store.mu.Lock()
	defer k.store.mu.Unlock()
	for _, key := range keys {
		delete(k.store.kv, key)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Fail Queue
// -----------------------------------------------------------------------------

type FailQueue struct {
	store     *MemoryStorage
	namespace string
	seq       int
}

func NewFailQueue(store *MemoryStorage, namespace string) *FailQueue {
	return &FailQueue{store: store, namespace: namespace}
}

func (q *FailQueue) Enqueue(ctx context.Context, msg *domain.FailQueueMessage) error {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	if msg.ID == "" {
		q.seq++
		msg.ID = strings.Join([]string{q.namespace, time.Now().UTC().Format("20060102150405.000000"), strconv.Itoa(q.seq)}, "-")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	cp := *msg
	q.store.queues[q.namespace] = append(q.store.queues[q.namespace], &cp)
	return nil
}

func (q *FailQueue) Claim(ctx context.Context, limit int) ([]*domain.FailQueueMessage, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	msgs := q.store.queues[q.namespace]
	if limit > len(msgs) {
		limit = len(msgs)
	}
	claimed := msgs[:limit]
	q.store.queues[q.namespace] = append([]*domain.FailQueueMessage(nil), msgs[limit:]...)
	return claimed, nil
}

func (q *FailQueue) List(ctx context.Context, limit int) ([]*domain.FailQueueMessage, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	msgs := q.store.queues[q.namespace]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]*domain.FailQueueMessage, 0, limit)
	for _, m := range msgs[:limit] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (q *FailQueue) Count(ctx context.Context) (int, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	return len(q.store.queues[q.namespace]), nil
}

// -----------------------------------------------------------------------------
// Read Cache and Stage Runs
// -----------------------------------------------------------------------------

type ReadCache struct {
	store *MemoryStorage
}

func NewReadCache(store *MemoryStorage) *ReadCache {
	return &ReadCache{store: store}
}

func (c *ReadCache) Invalidate(ctx context.Context, slug string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.invalidated = append(c.store.invalidated, slug)
	return nil
}

// Invalidated returns every slug invalidated so far.
func (c *ReadCache) Invalidated() []string {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	return append([]string(nil), c.store.invalidated...)
}

type StageRuns struct {
	store *MemoryStorage
}

func NewStageRuns(store *MemoryStorage) *StageRuns {
	return &StageRuns{store: store}
}

func (s *StageRuns) Record(ctx context.Context, run domain.StageRun) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.runs[run.Stage] = append(s.store.runs[run.Stage], run)
	return nil
}

func (s *StageRuns) Latest(ctx context.Context, stage domain.Stage) (*domain.StageRun, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	runs := s.store.runs[stage]
	if len(runs) == 0 {
		return nil, nil
	}
	run := runs[len(runs)-1]
	return &run, nil
}
