package outbox

import (
	"context"
	"testing"
	"time"
)

func TestCleaner_Sweeps(t *testing.T) {
	tests := []struct {
		name string
		cfg  CleanerConfig
		want []string
	}{
		{"disabled", CleanerConfig{}, nil},
		{"delivered without interval", CleanerConfig{DeliveredMaxAge: time.Hour}, nil},
		{"delivered", CleanerConfig{DeliveredMaxAge: time.Hour, DeliveredInterval: time.Minute}, []string{"delivered"}},
		{"dead letter by count", CleanerConfig{DLQMaxCount: 10, DLQInterval: time.Minute}, []string{"dead_letter"}},
		{"both", CleanerConfig{
			DeliveredMaxAge: time.Hour, DeliveredInterval: time.Minute,
			DLQMaxAge: time.Hour, DLQInterval: time.Minute,
		}, []string{"delivered", "dead_letter"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCleaner(nil, tt.cfg, discardLogger())
			var got []string
			for _, s := range c.sweeps() {
				got = append(got, s.name)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("sweeps() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sweeps()[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCleaner_Start(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	storage.now = func() time.Time { return now }

	storage.Enqueue(ctx, testEntry("delivered"))
	e, _ := storage.Get(ctx, "delivered")
	e.Status = StatusDelivered
	storage.Update(ctx, e)

	storage.Enqueue(ctx, testEntry("pending"))

	for i, id := range []string{"dead1", "dead2", "dead3"} {
		now = base.Add(time.Duration(i) * time.Minute)
		dead := testEntry(id)
		storage.Enqueue(ctx, dead)
		storage.MoveToDLQ(ctx, dead)
	}
	now = base.Add(48 * time.Hour)

	c := NewCleaner(storage, CleanerConfig{
		DeliveredMaxAge:   24 * time.Hour,
		DeliveredInterval: time.Hour,
		DLQMaxCount:       1,
		DLQInterval:       time.Hour,
	}, discardLogger())
	c.Start(ctx)
	defer c.Stop()

	// The first sweep runs as soon as the cleaner starts
	deadline := time.Now().Add(2 * time.Second)
	for {
		dlq, _ := storage.ListDLQ(ctx, 0, 0)
		gone, _ := storage.Get(ctx, "delivered")
		if len(dlq) == 1 && gone == nil {
			if dlq[0].ID != "dead3" {
				t.Errorf("kept dead-lettered entry = %s, want dead3", dlq[0].ID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retention not applied: dlq=%d delivered present=%v", len(dlq), gone != nil)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if p, _ := storage.Get(ctx, "pending"); p == nil {
		t.Error("pending entry removed by retention")
	}
	if err := storage.Retry(ctx, "dead3"); err != nil {
		t.Errorf("Retry() of a retained dead-lettered entry error = %v", err)
	}
}

func TestCleaner_StopIdempotent(t *testing.T) {
	c := NewCleaner(newTestStorage(t), CleanerConfig{
		DeliveredMaxAge:   time.Hour,
		DeliveredInterval: time.Hour,
	}, discardLogger())
	c.Start(context.Background())
	c.Stop()
	c.Stop()
}
