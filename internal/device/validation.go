package device

import (
	"math"

	"github.com/23skdu/longbow-gptoss/internal/metrics"
)

type NaNInfo struct {
	Count     int
	Positions []int
	InfCount  int
}

func (n *NaNInfo) HasNaN() bool {
	return n.Count > 0
}

// DetectNaN scans data, remembering up to maxPositions NaN indices.
func DetectNaN(data []float32, maxPositions int) *NaNInfo {
	info := &NaNInfo{}
	for i, v := range data {
		if v != v {
			info.Count++
			if len(info.Positions) < maxPositions {
				info.Positions = append(info.Positions, i)
			}
		}
		if math.IsInf(float64(v), 0) {
			info.InfCount++
		}
	}
	return info
}

// CheckNumericalStability scans a host view of a device buffer and records
// any NaN or Inf values under name.
func CheckNumericalStability(data []float32, name string) (nanCount, infCount int) {
	info := DetectNaN(data, 0)
	metrics.RecordNumericalInstability(name, info.Count, info.InfCount)
	return info.Count, info.InfCount
}
