package listsync

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SuggestionState tracks the categorization phase of a created item.
type SuggestionState int

const (
	SuggestionNone SuggestionState = iota
	// SuggestionPending means the suggester request is in flight.
	SuggestionPending
	// SuggestionAwaiting means a suggestion is shown to the user and the
	// auto-accept timer is running.
	SuggestionAwaiting
	// SuggestionApplying means an accepted suggestion's update is in
	// flight.
	SuggestionApplying
	// SuggestionFailed means the request failed or the apply was rejected;
	// the item stays uncategorized and the phase can be retried.
	SuggestionFailed
)

const (
	defaultMinSuggestionConfidence = 0.6
	defaultAutoAcceptDelay         = 5 * time.Second
)

type suggestionTask struct {
	itemID     string
	listID     string
	name       string
	state      SuggestionState
	suggestion CategorySuggestion
	timer      *time.Timer
}

// suggestionRunner drives the second phase of item creation: asking the
// categorization service for a category and applying it after user accept
// or a timeout. The phase is strictly best-effort. The created item is
// already committed when a task starts, and nothing here can fail it.
type suggestionRunner struct {
	engine        *Engine
	suggester     CategorySuggester
	minConfidence float64
	delay         time.Duration

	mu     sync.Mutex
	tasks  map[string]*suggestionTask
	ctx    context.Context
	cancel context.CancelFunc
}

func newSuggestionRunner(engine *Engine, suggester CategorySuggester, minConfidence float64, delay time.Duration) *suggestionRunner {
	if minConfidence <= 0 {
		minConfidence = defaultMinSuggestionConfidence
	}
	if delay <= 0 {
		delay = defaultAutoAcceptDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &suggestionRunner{
		engine:        engine,
		suggester:     suggester,
		minConfidence: minConfidence,
		delay:         delay,
		tasks:         map[string]*suggestionTask{},
		ctx:           ctx,
		cancel:        cancel,
	}
}

// maybeBegin starts a categorization task for a freshly created item. Items
// that already carry a category are left alone.
func (r *suggestionRunner) maybeBegin(item Item) {
	if r.suggester == nil || item.CategoryID != "" || item.ID == "" {
		return
	}
	listType := ListTypeGrocery
	if summary, ok := r.engine.cache.Summary(item.ListID); ok {
		listType = summary.Type
	}
	task := &suggestionTask{
		itemID: item.ID,
		listID: item.ListID,
		name:   item.Name,
		state:  SuggestionPending,
	}
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.tasks[item.ID] = task
	r.mu.Unlock()
	go r.request(task, listType)
}

func (r *suggestionRunner) request(task *suggestionTask, listType string) {
	suggestion, err := r.suggester.SuggestCategory(r.ctx, task.name, listType)
	r.mu.Lock()
	current, ok := r.tasks[task.itemID]
	if !ok || current != task || task.state != SuggestionPending {
		r.mu.Unlock()
		return
	}
	if err != nil {
		task.state = SuggestionFailed
		r.mu.Unlock()
		r.engine.logger.Printf("category suggestion for %q failed: %v", task.name, err)
		return
	}
	if suggestion.Confidence < r.minConfidence || suggestion.Category == "" {
		delete(r.tasks, task.itemID)
		r.mu.Unlock()
		return
	}
	task.suggestion = suggestion
	task.state = SuggestionAwaiting
	task.timer = time.AfterFunc(r.delay, func() { r.accept(task.itemID) })
	r.mu.Unlock()
}

// accept applies the suggested category. It is invoked by the auto-accept
// timer or an explicit user accept; once a task has left the awaiting
// state both paths are no-ops, so a late timer can never reapply.
func (r *suggestionRunner) accept(itemID string) {
	r.mu.Lock()
	task, ok := r.tasks[itemID]
	if !ok || task.state != SuggestionAwaiting {
		r.mu.Unlock()
		return
	}
	if task.timer != nil {
		task.timer.Stop()
	}
	task.state = SuggestionApplying
	suggestion := task.suggestion
	listID := task.listID
	r.mu.Unlock()

	categoryID, ok := r.findCategory(listID, suggestion.Category)
	if !ok {
		r.remove(itemID)
		return
	}
	err := r.engine.UpdateItem(r.ctx, listID, itemID, ItemPatch{CategoryID: &categoryID})
	if err != nil {
		r.mu.Lock()
		if current, still := r.tasks[itemID]; still && current == task {
			task.state = SuggestionFailed
		}
		r.mu.Unlock()
		r.engine.logger.Printf("applying category %q to item %s failed: %v", suggestion.Category, itemID, err)
		return
	}
	r.remove(itemID)
}

// findCategory matches the suggested category name against the cached
// detail record, case-insensitively. An unknown name drops the suggestion
// rather than inventing a category the server never defined.
func (r *suggestionRunner) findCategory(listID, name string) (string, bool) {
	detail, ok := r.engine.cache.Detail(listID)
	if !ok {
		return "", false
	}
	for _, category := range detail.Categories {
		if strings.EqualFold(category.Name, name) {
			return category.ID, true
		}
	}
	return "", false
}

func (r *suggestionRunner) dismiss(itemID string) {
	r.mu.Lock()
	task, ok := r.tasks[itemID]
	if ok && task.timer != nil {
		task.timer.Stop()
	}
	delete(r.tasks, itemID)
	r.mu.Unlock()
}

func (r *suggestionRunner) remove(itemID string) {
	r.mu.Lock()
	delete(r.tasks, itemID)
	r.mu.Unlock()
}

// retry re-runs a failed request phase.
func (r *suggestionRunner) retry(itemID string) {
	r.mu.Lock()
	task, ok := r.tasks[itemID]
	if !ok || task.state != SuggestionFailed {
		r.mu.Unlock()
		return
	}
	task.state = SuggestionPending
	listID := task.listID
	r.mu.Unlock()

	listType := ListTypeGrocery
	if summary, ok := r.engine.cache.Summary(listID); ok {
		listType = summary.Type
	}
	go r.request(task, listType)
}

func (r *suggestionRunner) pending(itemID string) (CategorySuggestion, SuggestionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[itemID]
	if !ok {
		return CategorySuggestion{}, SuggestionNone, false
	}
	return task.suggestion, task.state, true
}

func (r *suggestionRunner) stop() {
	r.cancel()
	r.mu.Lock()
	for _, task := range r.tasks {
		if task.timer != nil {
			task.timer.Stop()
		}
	}
	r.tasks = map[string]*suggestionTask{}
	r.mu.Unlock()
}

// Suggestion returns the current categorization state for an item, for
// rendering the suggestion affordance.
func (e *Engine) Suggestion(itemID string) (CategorySuggestion, SuggestionState, bool) {
	return e.suggest.pending(itemID)
}

// AcceptSuggestion applies the pending category suggestion immediately
// instead of waiting for the auto-accept timer.
func (e *Engine) AcceptSuggestion(itemID string) {
	e.suggest.accept(itemID)
}

// DismissSuggestion discards the pending suggestion; the item stays
// uncategorized.
func (e *Engine) DismissSuggestion(itemID string) {
	e.suggest.dismiss(itemID)
}

// RetrySuggestion re-runs a failed categorization phase for an item.
func (e *Engine) RetrySuggestion(itemID string) {
	e.suggest.retry(itemID)
}
