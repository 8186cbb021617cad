package httpproxy

import "github.com/pascaldekloe/metrics"

var (
	metricConnections  = metrics.MustCounter("httpproxy_connections", "Number of client connections accepted")
	metricHits         = metrics.MustCounter("httpproxy_cache_hits", "Number of GET requests served from disk")
	metricMisses       = metrics.MustCounter("httpproxy_cache_misses", "Number of GET requests not found on disk")
	metricFills        = metrics.MustCounter("httpproxy_cache_fills", "Number of origin responses written to disk")
	metricFillErrors   = metrics.MustCounter("httpproxy_cache_fill_errors", "Number of origin responses that could not be written to disk")
	metricUploads      = metrics.MustCounter("httpproxy_uploads", "Number of PUT bodies saved")
	metricBadRequests  = metrics.MustCounter("httpproxy_bad_requests", "Number of requests answered with 400")
	metricOriginErrors = metrics.MustCounter("httpproxy_origin_errors", "Number of failed origin fetches")
)
