package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/23skdu/longbow-gptoss/internal/engine"
	"github.com/23skdu/longbow-gptoss/internal/logger"
	"github.com/23skdu/longbow-gptoss/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxPerfHistory = 1000
	maxAlerts      = 100
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      EngineInfo      `json:"engine"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// EngineInfo describes the loaded model.
type EngineInfo struct {
	ModelLoaded   bool   `json:"model_loaded"`
	ModelPath     string `json:"model_path,omitempty"`
	Device        string `json:"device,omitempty"`
	WeightBytes   int64  `json:"weight_bytes"`
	NumBlocks     int    `json:"num_blocks"`
	NumExperts    int    `json:"num_experts"`
	NumHeads      int    `json:"num_heads"`
	ContextLength int    `json:"context_length"`
	Vocabulary    int    `json:"vocabulary"`
}

type PerformanceInfo struct {
	Generations     int       `json:"generations"`
	TokensGenerated int       `json:"tokens_generated"`
	ProcessTokens   int64     `json:"process_tokens_total"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	LastTokensPerS  float64   `json:"last_tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	LastInference   time.Time `json:"last_inference"`
}

// Alert represents a recorded condition worth surfacing in /status.
type Alert struct {
	Level     string    `json:"level"` // info, warning, error, critical
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PerfPoint is one completed generation.
type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
}

// HealthMonitor tracks the loaded model and generation throughput and
// serves them over HTTP next to the Prometheus registry.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server

	mu            sync.RWMutex
	engine        EngineInfo
	alerts        []Alert
	lastInference time.Time
	perfHistory   []PerfPoint
	generations   int
	tokens        int
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{startTime: time.Now()}
}

// SetModel records the model being served. The monitor reports
// "starting" until a model is set.
func (hm *HealthMonitor) SetModel(d engine.Description) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.engine = EngineInfo{
		ModelLoaded:   true,
		ModelPath:     d.Path,
		Device:        d.Device,
		WeightBytes:   d.WeightBytes,
		NumBlocks:     d.Config.NumBlocks,
		NumExperts:    d.Config.NumExperts,
		NumHeads:      d.Config.NumHeads,
		ContextLength: d.Config.ContextLength,
		Vocabulary:    d.Config.VocabularySize,
	}
}

// ClearModel marks the model unloaded.
func (hm *HealthMonitor) ClearModel() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.engine = EngineInfo{}
}

// RecordGeneration records one completed GenerateTokens call.
func (hm *HealthMonitor) RecordGeneration(tokens int, duration time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := time.Now()
	hm.lastInference = now
	hm.generations++
	hm.tokens += tokens

	point := PerfPoint{Timestamp: now, Tokens: tokens, Duration: duration}
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.checkPerformanceAlerts(point)
}

// RecordFailure raises an error alert for a failed generation.
func (hm *HealthMonitor) RecordFailure(err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	level := "error"
	if errors.Is(err, engine.ErrContextOverflow) {
		level = "warning"
	}
	hm.addAlert(level, "engine", err.Error())
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlert(level, component, message)
}

func (hm *HealthMonitor) addAlert(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("Health alert", "level", level, "component", component, "message", message)
}

// Handler returns the monitor's HTTP routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves Handler on addr until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	hm.mu.Lock()
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := hm.server
	hm.mu.Unlock()

	logger.Log.Info("Health monitor starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health monitor: %w", err)
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health snapshot.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	if !hm.engine.ModelLoaded {
		status = "starting"
	}
	for _, alert := range hm.alerts {
		if alert.Level == "critical" {
			status = "critical"
			break
		} else if alert.Level == "error" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Engine:      hm.engine,
		Performance: hm.performanceInfo(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	info := PerformanceInfo{
		Generations:     hm.generations,
		TokensGenerated: hm.tokens,
		ProcessTokens:   metrics.TotalTokens(),
		LastInference:   hm.lastInference,
	}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var totalTokens int
	var totalDuration time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		totalTokens += p.Tokens
		totalDuration += p.Duration
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}
	slices.Sort(latencies)

	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}
	info.AvgLatencyMs = float64(totalDuration.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	info.P95LatencyMs = latencies[p95]
	if totalDuration > 0 {
		info.TokensPerSecond = float64(totalTokens) / totalDuration.Seconds()
	}
	if last := hm.perfHistory[len(hm.perfHistory)-1]; last.Duration > 0 {
		info.LastTokensPerS = float64(last.Tokens) / last.Duration.Seconds()
	}
	return info
}

func (hm *HealthMonitor) checkPerformanceAlerts(p PerfPoint) {
	if p.Duration <= 0 || p.Tokens == 0 {
		return
	}
	if tps := float64(p.Tokens) / p.Duration.Seconds(); tps < 1.0 {
		hm.addAlert("warning", "performance", fmt.Sprintf("low throughput: %.2f tokens/sec", tps))
	}
}
