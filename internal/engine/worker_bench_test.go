package engine

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func BenchmarkWorkerPool_Submit(b *testing.B) {
	for _, size := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			pool := NewWorkerPool(size, nil)
			defer pool.Shutdown()
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = pool.Submit(ctx, func(ctx context.Context) error { return nil })
			}
			pool.Wait()
		})
	}
}

func BenchmarkWorkerPool_Do(b *testing.B) {
	pool := NewWorkerPool(50, nil)
	defer pool.Shutdown()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = pool.Do(ctx, func(ctx context.Context) error {
				time.Sleep(time.Microsecond)
				return nil
			})
		}
	})
}
