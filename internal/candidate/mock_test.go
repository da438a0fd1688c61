package candidate

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/assignment-service/internal/model"
)

// --- Directory Mock ---

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) ActiveMembers(ctx context.Context, firmID string) ([]model.Member, error) {
	args := m.Called(ctx, firmID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Member), args.Error(1)
}

func (m *mockDirectory) FirmConfig(ctx context.Context, firmID string) (*model.FirmConfig, error) {
	args := m.Called(ctx, firmID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.FirmConfig), args.Error(1)
}

// --- Oracle fakes ---

// fakeOracles answers from maps keyed by CA id. A non-nil err map entry
// fails that read; a delay blocks until the context expires.
type fakeOracles struct {
	slots   map[string]model.SlotCount
	active  map[string]int
	ratings map[string][]float64
	prior   map[string]bool
	fail    map[string]error
	delay   map[string]time.Duration

	mu      sync.Mutex
	gotFrom time.Time
	gotTo   time.Time
}

func (f *fakeOracles) wait(ctx context.Context, read string) error {
	if d, ok := f.delay[read]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.fail[read]
}

func (f *fakeOracles) CountSlots(ctx context.Context, caID string, from, to time.Time) (model.SlotCount, error) {
	f.mu.Lock()
	f.gotFrom, f.gotTo = from, to
	f.mu.Unlock()
	if err := f.wait(ctx, ReadSlots); err != nil {
		return model.SlotCount{}, err
	}
	return f.slots[caID], nil
}

func (f *fakeOracles) CountActiveAssignments(ctx context.Context, caID string) (int, error) {
	if err := f.wait(ctx, ReadWorkload); err != nil {
		return 0, err
	}
	return f.active[caID], nil
}

func (f *fakeOracles) CompletedWithRating(ctx context.Context, caID, _ string) ([]float64, error) {
	if err := f.wait(ctx, ReadRatings); err != nil {
		return nil, err
	}
	return f.ratings[caID], nil
}

func (f *fakeOracles) HasPriorWork(ctx context.Context, caID, _ string) (bool, error) {
	if err := f.wait(ctx, ReadPriorWork); err != nil {
		return false, err
	}
	return f.prior[caID], nil
}
