package search

import (
	"bytes"
	"context"
	"math"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/util"
)

var log = logger.GetLogger("search")

var (
	indexedTotal  = metrics.NewCounter("ctxhub_search_indexed_total")
	removedTotal  = metrics.NewCounter("ctxhub_search_removed_total")
	retriesTotal  = metrics.NewCounter("ctxhub_search_retries_total")
	droppedTotal  = metrics.NewCounter("ctxhub_search_dropped_total")
	queryDuration = metrics.NewHistogram("ctxhub_search_query_duration_seconds")
)

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Document is the indexable form of a document.
type Document struct {
	ID      uuid.UUID
	Owner   string
	Name    string
	Content string
}

// Source provides the current content of documents. Fetch returns false if
// the document should not be searchable (deleted, purged or a folder).
// Errors with code IOFailure are retried.
type Source interface {
	Fetch(ctx context.Context, id uuid.UUID) (Document, bool, error)
}

// AccessChecker decides at query time whether a principal may see a hit.
type AccessChecker interface {
	CanRead(ctx context.Context, principal, agent string, id uuid.UUID) bool
}

// Result is a search hit.
type Result struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Owner   string    `json:"owner"`
	Snippet string    `json:"snippet"`
	Score   float64   `json:"score"`
}

// Options configures an Index.
type Options struct {
	// MaxTries bounds the attempts to fetch a document.
	MaxTries uint
	// InitialInterval and MaxInterval shape the exponential backoff
	// between attempts.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// SnippetWidth is the length of result snippets in runes.
	SnippetWidth int
}

// DefaultOptions returns the options used by the hub.
func DefaultOptions() Options {
	return Options{
		MaxTries:        5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		SnippetWidth:    160,
	}
}

// --------------------------------------------------------------------------
// Index
// --------------------------------------------------------------------------

// name terms count more than content terms
const nameWeight = 3

type job struct {
	id     uuid.UUID
	remove bool
}

type entry struct {
	doc    Document
	terms  map[string]float64
	length int
}

// Index is an in-memory inverted index over document names and content.
//
// Updates are asynchronous: Index and Remove push onto a lock-free queue
// that a single consumer (Run) drains, fetching the current content from
// the Source. Queries see the index as of the last processed update; Flush
// waits until everything queued so far is processed.
//
// Hits are filtered through the AccessChecker for every query, so entries
// never need to be touched when permissions change.
type Index struct {
	opts   Options
	source Source
	access AccessChecker
	queue  *util.Queue[job]

	mu       sync.RWMutex
	docs     map[uuid.UUID]*entry
	postings map[string]map[uuid.UUID]float64
}

// New creates an index. Run must be started to process updates.
func New(source Source, access AccessChecker, opts Options) *Index {
	def := DefaultOptions()
	if opts.MaxTries == 0 {
		opts.MaxTries = def.MaxTries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}
	if opts.SnippetWidth <= 0 {
		opts.SnippetWidth = def.SnippetWidth
	}
	return &Index{
		opts:     opts,
		source:   source,
		access:   access,
		queue:    util.NewQueue[job](),
		docs:     make(map[uuid.UUID]*entry),
		postings: make(map[string]map[uuid.UUID]float64),
	}
}

// Index schedules id to be (re)indexed from the Source.
func (ix *Index) Index(id uuid.UUID) {
	if !ix.queue.Push(job{id: id}) {
		log.Debugf("index closed, dropping update of %s", id)
	}
}

// Remove schedules id to be removed from the index.
func (ix *Index) Remove(id uuid.UUID) {
	ix.queue.Push(job{id: id, remove: true})
}

// Flush waits until every update queued before the call is processed.
func (ix *Index) Flush(ctx context.Context) error {
	return ix.queue.WaitIdle(ctx)
}

// Pending returns the number of queued updates.
func (ix *Index) Pending() int64 {
	return ix.queue.Pending()
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Close stops accepting updates and drops those not yet processed. Run
// returns after the update in progress.
func (ix *Index) Close() {
	ix.queue.Abort()
}

// Run consumes the update queue until ctx is done or the index is closed.
func (ix *Index) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j, ok := <-ix.queue.Recv():
			if !ok {
				return nil
			}
			ix.process(ctx, j)
			ix.queue.Done()
		}
	}
}

func (ix *Index) process(ctx context.Context, j job) {
	if j.remove {
		ix.drop(j.id)
		removedTotal.Inc()
		return
	}

	attempt := 0
	fetch := func() (Document, error) {
		attempt++
		doc, ok, err := ix.source.Fetch(ctx, j.id)
		if err != nil {
			if errs.CodeOf(err) != errs.CodeIOFailure {
				return Document{}, backoff.Permanent(err)
			}
			if attempt > 1 {
				retriesTotal.Inc()
			}
			return Document{}, err
		}
		if !ok {
			return Document{}, backoff.Permanent(errs.NotFound)
		}
		return doc, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = ix.opts.InitialInterval
	eb.MaxInterval = ix.opts.MaxInterval
	doc, err := backoff.Retry(ctx, fetch, backoff.WithBackOff(eb), backoff.WithMaxTries(ix.opts.MaxTries))
	switch {
	case err == nil:
		ix.put(doc)
		indexedTotal.Inc()
	case errs.CodeOf(err) == errs.CodeNotFound:
		ix.drop(j.id)
		removedTotal.Inc()
	default:
		droppedTotal.Inc()
		log.Warningf("dropping index update of %s after %d attempts: %v", j.id, attempt, err)
	}
}

func (ix *Index) put(doc Document) {
	e := &entry{doc: doc, terms: make(map[string]float64)}
	e.length += termFrequencies(e.terms, doc.Name, nameWeight)
	e.length += termFrequencies(e.terms, doc.Content, 1)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.unlinkLocked(doc.ID)
	ix.docs[doc.ID] = e
	for t, tf := range e.terms {
		p, ok := ix.postings[t]
		if !ok {
			p = make(map[uuid.UUID]float64)
			ix.postings[t] = p
		}
		p[doc.ID] = tf
	}
}

func (ix *Index) drop(id uuid.UUID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.unlinkLocked(id)
}

func (ix *Index) unlinkLocked(id uuid.UUID) {
	old, ok := ix.docs[id]
	if !ok {
		return
	}
	for t := range old.terms {
		if p := ix.postings[t]; p != nil {
			delete(p, id)
			if len(p) == 0 {
				delete(ix.postings, t)
			}
		}
	}
	delete(ix.docs, id)
}

// --------------------------------------------------------------------------
// Query
// --------------------------------------------------------------------------

type candidate struct {
	doc   Document
	score float64
}

// Query returns the best limit hits for term that principal (acting through
// agent, if set) may read. Scores are length normalized term frequencies
// weighted by inverse document frequency.
func (ix *Index) Query(ctx context.Context, term, principal, agent string, limit int) ([]Result, error) {
	defer queryDuration.UpdateDuration(time.Now())

	terms := Tokenize(term)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	n := float64(len(ix.docs))
	scores := make(map[uuid.UUID]float64)
	for _, t := range terms {
		p := ix.postings[t]
		if len(p) == 0 {
			continue
		}
		idf := math.Log(1 + n/float64(len(p)))
		for id, tf := range p {
			scores[id] += tf / float64(ix.docs[id].length) * idf
		}
	}
	cands := make([]candidate, 0, len(scores))
	for id, score := range scores {
		cands = append(cands, candidate{doc: ix.docs[id].doc, score: score})
	}
	ix.mu.RUnlock()

	top := util.NewTopK(limit, func(a, b uuid.UUID) bool {
		return bytes.Compare(a[:], b[:]) < 0
	})
	byID := make(map[uuid.UUID]Document, len(cands))
	for i, c := range cands {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !ix.access.CanRead(ctx, principal, agent, c.doc.ID) {
			continue
		}
		if top.Offer(c.doc.ID, c.score) {
			byID[c.doc.ID] = c.doc
		}
	}

	hits := top.Sorted()
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		d := byID[h.Key]
		out = append(out, Result{
			ID:      d.ID,
			Name:    d.Name,
			Owner:   d.Owner,
			Snippet: snippet(d.Content, terms, ix.opts.SnippetWidth),
			Score:   h.Score,
		})
	}
	return out, nil
}
