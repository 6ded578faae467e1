package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gptoss_tokens_generated_total",
		Help: "The total number of tokens generated",
	})

	PromptTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gptoss_tokens_processed_total",
		Help: "The total number of tokens run through the forward pass",
	})

	InferenceDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "gptoss_generation_duration_seconds",
		Help: "Duration of generation calls",
	})

	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gptoss_device_memory_allocated_bytes",
		Help: "Current bytes allocated for device buffers",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gptoss_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"kernel"})

	CommandBufferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gptoss_command_buffer_duration_seconds",
		Help:    "Submit-to-completion time of command buffers",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	}, []string{"stage"})

	ModelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gptoss_model_load_duration_seconds",
		Help:    "Time to parse and map a model file",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	WeightSampleZero = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gptoss_weight_sample_zero_total",
		Help: "Loads whose sampled weight window summed to exactly zero",
	}, []string{"region"})

	TokensOutOfRange = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gptoss_tokens_out_of_range_total",
		Help: "Tokens appended with an id outside the vocabulary",
	})

	SamplerPath = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gptoss_sampler_path_total",
		Help: "Sampling decisions by path taken",
	}, []string{"path"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gptoss_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gptoss_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gptoss_context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000, 32000, 131072},
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gptoss_kv_cache_capacity_bytes",
		Help: "Total capacity of KV cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gptoss_kv_cache_used_bytes",
		Help: "Current bytes used in KV cache",
	})

	MOEExpertSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gptoss_moe_expert_selections_total",
		Help: "Times each expert was routed to, by block",
	}, []string{"block", "expert"})
)

// Sampler paths.
const (
	PathArgmax      = "argmax"
	PathRescan      = "rescan"
	PathEndOfText   = "end_of_text"
	PathStochastic  = "stochastic"
	PathNaNFallback = "nan_fallback"
)

func RecordInference(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	InferenceDuration.Observe(duration.Seconds())
}

// TotalTokens returns the tokens generated since process start.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordProcessed(tokens int) {
	PromptTokensTotal.Add(float64(tokens))
}

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordCommandBuffer(stage string, duration time.Duration) {
	CommandBufferDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordModelLoad(duration time.Duration) {
	ModelLoadDuration.Observe(duration.Seconds())
}

func RecordWeightSampleZero(region string) {
	WeightSampleZero.WithLabelValues(region).Inc()
}

func RecordTokenOutOfRange() {
	TokensOutOfRange.Inc()
}

func RecordSamplerPath(path string) {
	SamplerPath.WithLabelValues(path).Inc()
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordContextLength(tokens int) {
	if tokens > 0 {
		ContextLengthHistogram.Observe(float64(tokens))
	}
}

func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}

func RecordMOEExpertSelection(block string, expert string) {
	MOEExpertSelections.WithLabelValues(block, expert).Inc()
}
