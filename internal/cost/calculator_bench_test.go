package cost

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/felipepmaragno/storyforge/internal/domain"
)

func BenchmarkInMemoryTracker_Store(b *testing.B) {
	tracker := NewInMemoryTracker()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.Store(ctx, domain.UsageLogEntry{
			UserID:           "user-1",
			BookID:           fmt.Sprintf("book-%d", i%50),
			Provider:         "openai",
			Model:            "gpt-4o-mini",
			ItemType:         domain.ItemChapter,
			PromptTokens:     100,
			CompletionTokens: 50,
			TotalCost:        0.0003,
		})
	}
}

func BenchmarkInMemoryTracker_Store_Parallel(b *testing.B) {
	tracker := NewInMemoryTracker()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			tracker.Store(ctx, domain.UsageLogEntry{
				UserID:    fmt.Sprintf("user-%d", i%10),
				Provider:  "replicate",
				Model:     "black-forest-labs/flux-2-pro",
				ItemType:  domain.ItemCover,
				TotalCost: 0.015,
			})
			i++
		}
	})
}

func BenchmarkInMemoryTracker_TotalCost(b *testing.B) {
	tracker := NewInMemoryTracker()
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		tracker.Store(ctx, domain.UsageLogEntry{UserID: "user-1", TotalCost: 0.01})
	}
	since := time.Now().Add(-time.Hour)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.TotalCost(ctx, "user-1", since)
	}
}

func BenchmarkImagePricing_Cost(b *testing.B) {
	pricing := DefaultImagePricing()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pricing.Cost("unknown-model-x", 3, 1)
	}
}
