package archive

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

// Prometheus-метрики кэша метаданных архива.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_archive_cache_hits_total",
		Help: "Общее количество попаданий в кэш метаданных архива.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tm_archive_cache_misses_total",
		Help: "Общее количество промахов кэша метаданных архива.",
	})
)

// Cached — обёртка над Archive с LRU-кэшем результатов Stat.
// Кэшируются только найденные файлы. Publish инвалидирует запись.
// Одновременные промахи по одному имени схлопываются в один запрос.
type Cached struct {
	Archive

	cache *expirable.LRU[string, Info]
	group singleflight.Group

	// mu защищает generation и связку "проверка поколения + Add".
	mu sync.Mutex
	// generation увеличивается после каждой публикации. Результат Stat
	// попадает в кэш, только если за время чтения публикаций не было.
	generation uint64
}

// NewCached создаёт кэширующую обёртку.
// maxSize — максимальное количество записей, ttl — время жизни записи.
func NewCached(inner Archive, maxSize int, ttl time.Duration) *Cached {
	return &Cached{
		Archive: inner,
		cache:   expirable.NewLRU[string, Info](maxSize, nil, ttl),
	}
}

// Publish публикует файл и сбрасывает закэшированные метаданные.
func (c *Cached) Publish(ctx context.Context, srcPath, filename string) error {
	c.cache.Remove(filename)
	defer func() {
		c.mu.Lock()
		c.generation++
		c.cache.Remove(filename)
		c.mu.Unlock()
		// Новые Stat не должны присоединяться к чтению, начатому до публикации
		c.group.Forget(filename)
	}()
	return c.Archive.Publish(ctx, srcPath, filename)
}

// Stat возвращает метаданные из кэша или из архива.
// Общий запрос к архиву не зависит от отмены ctx отдельного вызывающего.
func (c *Cached) Stat(ctx context.Context, filename string) (Info, error) {
	if info, ok := c.cache.Get(filename); ok {
		cacheHitsTotal.Inc()
		return info, nil
	}
	cacheMissesTotal.Inc()

	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	ch := c.group.DoChan(filename, func() (any, error) {
		info, err := c.Archive.Stat(context.WithoutCancel(ctx), filename)
		if err != nil {
			return Info{}, err
		}
		c.mu.Lock()
		if c.generation == gen {
			c.cache.Add(filename, info)
		}
		c.mu.Unlock()
		return info, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Info{}, res.Err
		}
		return res.Val.(Info), nil
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}
}
