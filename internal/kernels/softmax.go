package kernels

import (
	"math"

	"github.com/23skdu/longbow-gptoss/internal/device"
)

const softmaxTGSize = 256

type SoftmaxArgs struct {
	NumChannels     int
	NumThreadgroups int
	Temperature     float32
}

// SoftmaxChunk is how many vocabulary entries each softmax threadgroup owns.
func SoftmaxChunk(vocab, threadgroups int) int {
	return ceilDiv(vocab, max(threadgroups, 1))
}

// EncodeSoftmax writes exp((score-max)/T) into prob, taking max from the
// packed argmax, and one partial sum per threadgroup into sums.
func EncodeSoftmax(cb *device.CommandBuffer, p Pipelines, args SoftmaxArgs, scores, argmax, prob, sums device.Ref) error {
	return encode(cb, p, Softmax, device.Grid1(args.NumThreadgroups), softmaxTGSize, args, scores, argmax, prob, sums)
}

func softmaxKernel(inv *device.Invocation) {
	args := inv.Args.(SoftmaxArgs)
	tg := inv.Threadgroup.X
	chunk := SoftmaxChunk(args.NumChannels, args.NumThreadgroups)
	first := min(tg*chunk, args.NumChannels)
	last := min(first+chunk, args.NumChannels)
	sum := inv.MutableFloat32s(3, 4*tg, 1)
	if first >= last {
		sum[0] = 0
		return
	}

	maxScore, _ := UnpackArgmax(inv.LoadUint64(1, 0))
	scores := inv.Float32s(0, 4*first, last-first)
	prob := inv.MutableFloat32s(2, 4*first, last-first)
	invT := 1 / float64(args.Temperature)
	for i, s := range scores {
		prob[i] = float32(math.Exp(float64(s-maxScore) * invT))
	}
	sum[0] = laneSum(len(prob), inv.ThreadgroupSize, func(i int) float32 { return prob[i] })
}
