package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics endpoint.
type Summary struct {
	Mode      string        `json:"mode"`
	API       httpSummary   `json:"api"`
	Admin     httpSummary   `json:"admin"`
	Billing   billingInfo   `json:"billing"`
	Reconcile reconcileInfo `json:"reconciler"`
	RateLimit rateLimitInfo `json:"rateLimit"`
	Auth      authInfo      `json:"auth"`
	DB        dbInfo        `json:"db"`
	Server    serverInfo    `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type billingInfo struct {
	TotalRequests       float64 `json:"totalRequests"`
	Completed           float64 `json:"completed"`
	Failed              float64 `json:"failed"`
	InsufficientBalance float64 `json:"insufficientBalance"`
	ProviderFailures    float64 `json:"providerFailures"`
	PartialDeliveries   float64 `json:"partialDeliveries"`
	UsageFallbacks      float64 `json:"usageFallbacks"`
}

type reconcileInfo struct {
	Resolved     float64 `json:"resolved"`
	Completed    float64 `json:"completed"`
	Failed       float64 `json:"failed"`
	StalePending float64 `json:"stalePending"`
	P50Sweep     float64 `json:"p50Sweep"`
	P95Sweep     float64 `json:"p95Sweep"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	summary := Summary{
		Mode: "live",
		API: httpSummary{
			TotalRequests: sumCounterWithLabel(fam["obol_http_requests_total"], "kind", "api"),
			ErrorRate:     computeErrorRateWithLabel(fam["obol_http_requests_total"], "kind", "api"),
			P50Latency:    histogramPercentileWithLabel(fam["obol_http_request_duration_seconds"], 0.50, "kind", "api"),
			P95Latency:    histogramPercentileWithLabel(fam["obol_http_request_duration_seconds"], 0.95, "kind", "api"),
			P99Latency:    histogramPercentileWithLabel(fam["obol_http_request_duration_seconds"], 0.99, "kind", "api"),
		},
		Admin: httpSummary{
			TotalRequests: sumCounterWithLabel(fam["obol_http_requests_total"], "kind", "admin"),
			ErrorRate:     computeErrorRateWithLabel(fam["obol_http_requests_total"], "kind", "admin"),
			P50Latency:    histogramPercentileWithLabel(fam["obol_http_request_duration_seconds"], 0.50, "kind", "admin"),
			P95Latency:    histogramPercentileWithLabel(fam["obol_http_request_duration_seconds"], 0.95, "kind", "admin"),
			P99Latency:    histogramPercentileWithLabel(fam["obol_http_request_duration_seconds"], 0.99, "kind", "admin"),
		},
		Billing: billingInfo{
			TotalRequests:       sumCounter(fam["obol_billing_requests_total"]),
			Completed:           sumCounterWithLabel(fam["obol_billing_requests_total"], "outcome", "completed"),
			Failed:              sumCounterWithLabel(fam["obol_billing_requests_total"], "outcome", "failed"),
			InsufficientBalance: counterValue(fam["obol_insufficient_balance_rejections_total"]),
			ProviderFailures:    sumCounter(fam["obol_provider_failures_total"]),
			PartialDeliveries:   sumCounter(fam["obol_partial_delivery_billed_total"]),
			UsageFallbacks:      sumCounter(fam["obol_usage_fallbacks_total"]),
		},
		Reconcile: reconcileInfo{
			Resolved:     sumCounter(fam["obol_reconciliations_total"]),
			Completed:    sumCounterWithLabel(fam["obol_reconciliations_total"], "outcome", "completed"),
			Failed:       sumCounterWithLabel(fam["obol_reconciliations_total"], "outcome", "failed"),
			StalePending: gaugeValue(fam["obol_stale_pending_transactions"]),
			P50Sweep:     histogramPercentile(fam["obol_reconciler_sweep_duration_seconds"], 0.50),
			P95Sweep:     histogramPercentile(fam["obol_reconciler_sweep_duration_seconds"], 0.95),
		},
		RateLimit: rateLimitInfo{
			Rejections: counterValue(fam["obol_ratelimit_rejections_total"]),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["obol_auth_failures_total"]),
			Successes: sumCounter(fam["obol_auth_successes_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["obol_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["obol_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["obol_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     gaugeValue(fam["obol_server_start_time_seconds"]),
			UptimeSeconds: float64(time.Now().Unix()) - gaugeValue(fam["obol_server_start_time_seconds"]),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func computeErrorRateWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

func histogramPercentileWithLabel(f *dto.MetricFamily, q float64, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	if len(buckets) > 0 {
		for i := len(buckets) - 1; i >= 0; i-- {
			if !math.IsInf(buckets[i].upperBound, 1) {
				return buckets[i].upperBound
			}
		}
	}
	return 0
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	// Aggregate all histogram metrics in the family.
	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			// Linear interpolation within this bucket.
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// If we didn't find it, return the last finite bucket upper bound.
	if len(buckets) > 0 {
		for i := len(buckets) - 1; i >= 0; i-- {
			if !math.IsInf(buckets[i].upperBound, 1) {
				return buckets[i].upperBound
			}
		}
	}
	return 0
}
