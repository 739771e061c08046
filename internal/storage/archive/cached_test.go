package archive

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingArchive — Archive с подсчётом вызовов Stat.
type countingArchive struct {
	*LocalArchive
	stats atomic.Int32
	delay time.Duration
}

func (c *countingArchive) Stat(ctx context.Context, filename string) (Info, error) {
	c.stats.Add(1)
	time.Sleep(c.delay)
	return c.LocalArchive.Stat(ctx, filename)
}

func TestCached_HitAfterMiss(t *testing.T) {
	ctx := context.Background()
	inner := &countingArchive{LocalArchive: newTestLocal(t)}
	c := NewCached(inner, 16, time.Minute)

	_ = c.Publish(ctx, writeStaged(t, "abc"), "a.bin")

	for i := 0; i < 3; i++ {
		info, err := c.Stat(ctx, "a.bin")
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if info.Size != 3 {
			t.Errorf("Size: хотели 3, получили %d", info.Size)
		}
	}
	if n := inner.stats.Load(); n != 1 {
		t.Errorf("внутренний Stat вызван %d раз, ожидался 1", n)
	}
}

func TestCached_NotFoundNotCached(t *testing.T) {
	ctx := context.Background()
	inner := &countingArchive{LocalArchive: newTestLocal(t)}
	c := NewCached(inner, 16, time.Minute)

	if _, err := c.Stat(ctx, "later.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получили %v", err)
	}

	_ = c.Publish(ctx, writeStaged(t, "now exists"), "later.bin")

	info, err := c.Stat(ctx, "later.bin")
	if err != nil {
		t.Fatalf("Stat после публикации: %v", err)
	}
	if info.Size != 10 {
		t.Errorf("Size: хотели 10, получили %d", info.Size)
	}
}

func TestCached_PublishInvalidates(t *testing.T) {
	ctx := context.Background()
	c := NewCached(newTestLocal(t), 16, time.Minute)

	_ = c.Publish(ctx, writeStaged(t, "v1"), "doc.txt")
	if info, _ := c.Stat(ctx, "doc.txt"); info.Size != 2 {
		t.Fatalf("Size v1: %d", info.Size)
	}

	_ = c.Publish(ctx, writeStaged(t, "version-2"), "doc.txt")
	info, err := c.Stat(ctx, "doc.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != 9 {
		t.Errorf("после повторной публикации Size: хотели 9, получили %d", info.Size)
	}
}

func TestCached_ConcurrentMissesCollapse(t *testing.T) {
	ctx := context.Background()
	inner := &countingArchive{LocalArchive: newTestLocal(t), delay: 50 * time.Millisecond}
	_ = inner.Publish(ctx, writeStaged(t, "abc"), "hot.bin")
	c := NewCached(inner, 16, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Stat(ctx, "hot.bin"); err != nil {
				t.Errorf("Stat: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := inner.stats.Load(); n > 2 {
		t.Errorf("одновременные промахи должны схлопываться, внутренний Stat вызван %d раз", n)
	}
}

// gatedArchive — Archive, первый Stat которого останавливается после
// чтения метаданных и ждёт release. Отменённый ctx возвращается ошибкой,
// как у сетевого backend.
type gatedArchive struct {
	*LocalArchive
	gated   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func newGatedArchive(t *testing.T) *gatedArchive {
	g := &gatedArchive{
		LocalArchive: newTestLocal(t),
		read:         make(chan struct{}),
		release:      make(chan struct{}),
	}
	g.gated.Store(true)
	return g
}

func (g *gatedArchive) Stat(ctx context.Context, filename string) (Info, error) {
	info, err := g.LocalArchive.Stat(ctx, filename)
	if g.gated.CompareAndSwap(true, false) {
		close(g.read)
		<-g.release
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Info{}, ctxErr
	}
	return info, err
}

// Stat, прочитавший старый файл до Publish, не должен оставлять
// в кэше старый размер после публикации.
func TestCached_StatRacingPublishNotCached(t *testing.T) {
	ctx := context.Background()
	inner := newGatedArchive(t)
	if err := inner.LocalArchive.Publish(ctx, writeStaged(t, "abc"), "race.bin"); err != nil {
		t.Fatalf("Publish v1: %v", err)
	}
	c := NewCached(inner, 16, time.Minute)

	done := make(chan Info)
	go func() {
		info, err := c.Stat(ctx, "race.bin")
		if err != nil {
			t.Errorf("Stat: %v", err)
		}
		done <- info
	}()

	<-inner.read
	if err := c.Publish(ctx, writeStaged(t, "0123456789"), "race.bin"); err != nil {
		t.Fatalf("Publish v2: %v", err)
	}
	close(inner.release)

	if info := <-done; info.Size != 3 {
		t.Errorf("запущенный до публикации Stat: хотели 3, получили %d", info.Size)
	}

	info, err := c.Stat(ctx, "race.bin")
	if err != nil {
		t.Fatalf("Stat после публикации: %v", err)
	}
	if info.Size != 10 {
		t.Errorf("Size после повторной публикации: хотели 10, получили %d", info.Size)
	}
}

// Отмена ctx одного вызывающего не должна ломать общий запрос
// для остальных ожидающих.
func TestCached_CallerCancelDoesNotFailOthers(t *testing.T) {
	inner := newGatedArchive(t)
	if err := inner.LocalArchive.Publish(context.Background(), writeStaged(t, "abc"), "shared.bin"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c := NewCached(inner, 16, time.Minute)

	cancelCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Stat(cancelCtx, "shared.bin")
		first <- err
	}()
	<-inner.read

	second := make(chan error, 1)
	go func() {
		info, err := c.Stat(context.Background(), "shared.bin")
		if err == nil && info.Size != 3 {
			err = errors.New("неверный размер")
		}
		second <- err
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("отменённый вызов: ожидалась context.Canceled, получили %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	close(inner.release)

	if err := <-second; err != nil {
		t.Errorf("второй вызов не должен зависеть от отмены первого: %v", err)
	}
}
