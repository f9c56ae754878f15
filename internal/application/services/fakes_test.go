package services_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
	"github.com/zatekoja/notepipeline/internal/domain/repositories"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
	"github.com/zatekoja/notepipeline/pkg/retry"
)

// fastRetry keeps retry semantics with millisecond delays.
func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
		Retryable:     apperrors.IsRetryable,
	}
}

// denyingLimiter refuses the first deny admissions, then admits everything.
type denyingLimiter struct {
	mu       sync.Mutex
	deny     int
	attempts int
}

func (l *denyingLimiter) TryAcquire(context.Context, string, int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	return l.attempts > l.deny
}

// fakeNoteRepo is an in-memory NoteRepository whose lock acquisition is atomic
// under a mutex, like the conditional UPDATE it stands in for.
type fakeNoteRepo struct {
	mu          sync.Mutex
	notes       map[string]*entities.Note
	now         func() time.Time
	transcripts []string
	acquireErr  error
	context     *entities.UserContext
}

func newFakeNoteRepo(notes ...*entities.Note) *fakeNoteRepo {
	r := &fakeNoteRepo{notes: make(map[string]*entities.Note), now: time.Now}
	for _, n := range notes {
		r.notes[n.ID] = n
	}
	return r
}

func (r *fakeNoteRepo) get(id string) *entities.Note {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := *r.notes[id]
	return &n
}

func (r *fakeNoteRepo) GetByID(_ context.Context, id string) (*entities.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("note %s not found", id))
	}
	cp := *n
	return &cp, nil
}

func (r *fakeNoteRepo) ListEligible(_ context.Context, filter repositories.EligibleFilter) ([]*entities.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Note
	for _, n := range r.notes {
		switch n.State(filter.LockTimeout, filter.MaxAttempts, r.now()) {
		case entities.NoteStatePending, entities.NoteStateFailedRetryable:
			cp := *n
			out = append(out, &cp)
		}
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *fakeNoteRepo) AcquireLock(_ context.Context, id string, timeout time.Duration) (*entities.Lease, error) {
	if r.acquireErr != nil {
		return nil, r.acquireErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok {
		return nil, nil
	}
	now := r.now()
	if n.ProcessingLock != nil && now.Sub(*n.ProcessingLock) < timeout {
		return nil, nil
	}
	n.ProcessingLock = &now
	return &entities.Lease{NoteID: id, Token: now}, nil
}

// held returns the note if lease still owns its lock. Callers hold r.mu.
func (r *fakeNoteRepo) held(lease *entities.Lease) (*entities.Note, error) {
	n, ok := r.notes[lease.NoteID]
	if !ok || n.ProcessingLock == nil || !n.ProcessingLock.Equal(lease.Token) {
		return nil, apperrors.NewLeaseLostError(lease.NoteID)
	}
	return n, nil
}

// steal replaces the lock on id as another worker would after a takeover.
func (r *fakeNoteRepo) steal(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	other := r.now().Add(time.Second)
	r.notes[id].ProcessingLock = &other
}

func (r *fakeNoteRepo) ReleaseLock(_ context.Context, lease *entities.Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.held(lease)
	if err != nil {
		return err
	}
	n.ProcessingLock = nil
	return nil
}

func (r *fakeNoteRepo) ReleaseLockWithError(_ context.Context, lease *entities.Lease, message string, permanent bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.held(lease)
	if err != nil {
		return err
	}
	now := r.now()
	n.ProcessingLock = nil
	n.ErrorMessage = &message
	n.ErrorPermanent = permanent
	n.AttemptCount++
	n.LastErrorAt = &now
	return nil
}

func (r *fakeNoteRepo) ReclaimAbandonedLocks(_ context.Context, timeout time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, n := range r.notes {
		if n.ProcessingLock != nil && r.now().Sub(*n.ProcessingLock) >= timeout {
			n.ProcessingLock = nil
			count++
		}
	}
	return count, nil
}

func (r *fakeNoteRepo) ReleaseAllLocks(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, n := range r.notes {
		if n.ProcessingLock != nil {
			n.ProcessingLock = nil
			count++
		}
	}
	return count, nil
}

func (r *fakeNoteRepo) SaveTranscript(_ context.Context, lease *entities.Lease, transcript string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.held(lease)
	if err != nil {
		return err
	}
	n.Transcript = &transcript
	r.transcripts = append(r.transcripts, lease.NoteID)
	return nil
}

func (r *fakeNoteRepo) SaveResult(_ context.Context, lease *entities.Lease, transcript string, analysis *entities.NoteAnalysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.held(lease)
	if err != nil {
		return err
	}
	now := r.now()
	n.Transcript = &transcript
	n.Analysis = analysis
	n.ProcessedAt = &now
	n.ProcessingLock = nil
	n.ErrorMessage = nil
	return nil
}

func (r *fakeNoteRepo) CountLocked(_ context.Context, timeout time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, n := range r.notes {
		if n.IsLocked(timeout, r.now()) {
			count++
		}
	}
	return count, nil
}

func (r *fakeNoteRepo) RecentContext(_ context.Context, _, _ string, _ int) (*entities.UserContext, error) {
	if r.context == nil {
		return &entities.UserContext{}, nil
	}
	return r.context, nil
}

type fakeErrorLog struct {
	mu      sync.Mutex
	records []*entities.ProcessingErrorRecord
}

func (l *fakeErrorLog) Record(_ context.Context, rec *entities.ProcessingErrorRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *fakeErrorLog) CountByCategory(_ context.Context, _ time.Time) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64)
	for _, r := range l.records {
		out[r.Category]++
	}
	return out, nil
}

// ListByNote returns the newest records first, like the SQL adapter.
func (l *fakeErrorLog) ListByNote(_ context.Context, noteID string, limit int) ([]*entities.ProcessingErrorRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*entities.ProcessingErrorRecord
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].NoteID == noteID {
			out = append(out, l.records[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeStore map[string][]byte

func (s fakeStore) FetchBytes(_ context.Context, ref string) ([]byte, error) {
	data, ok := s[ref]
	if !ok {
		return nil, apperrors.NewNotFoundError("audio " + ref + " not found")
	}
	return data, nil
}

// fakeTranscriber answers with fn and records every request.
type fakeTranscriber struct {
	mu       sync.Mutex
	requests []*entities.TranscriptionRequest
	fn       func(req *entities.TranscriptionRequest, call int) (*entities.TranscriptionResult, error)
}

func (f *fakeTranscriber) Transcribe(_ context.Context, req *entities.TranscriptionRequest) (*entities.TranscriptionResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	return f.fn(req, call)
}

func (f *fakeTranscriber) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type mockLanguageModel struct {
	mock.Mock
}

func (m *mockLanguageModel) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*providers.CompletionResponse)
	return resp, args.Error(1)
}

// fakeEventBus keeps events published on the global channel and counts the rest per channel.
type fakeEventBus struct {
	mu       sync.Mutex
	events   []*entities.NoteEvent
	channels map[string]int
}

func (b *fakeEventBus) Publish(_ context.Context, channel string, event *entities.NoteEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channels == nil {
		b.channels = make(map[string]int)
	}
	b.channels[channel]++
	if channel == providers.EventChannelNotes {
		b.events = append(b.events, event)
	}
	return nil
}

func (b *fakeEventBus) Subscribe(ctx context.Context, _ string) (<-chan *entities.NoteEvent, error) {
	ch := make(chan *entities.NoteEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *fakeEventBus) Unsubscribe(context.Context, string) error { return nil }

func (b *fakeEventBus) Close() error { return nil }

func (b *fakeEventBus) types() []entities.NoteEventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]entities.NoteEventType, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.EventType)
	}
	return out
}
