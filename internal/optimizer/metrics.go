package optimizer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepline_pattern_cache_hits_total",
		Help: "Detection cache lookups that found a stored result",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepline_pattern_cache_misses_total",
		Help: "Detection cache lookups that found nothing",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepline_pattern_cache_evictions_total",
		Help: "Detection cache entries evicted under LRU pressure",
	})
)
