package resourcebroker

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

// TestReservedNeverExceedsTotal is invariant I3: Reserved+InUse<=Total at
// every observable instant, for any sequence of reserve/release calls
// against a fixed-capacity pool.
func TestReservedNeverExceedsTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("reserved+in_use never exceeds total", prop.ForAll(
		func(amounts []float64) bool {
			b := New(DefaultConfig(), nil, nil, nil, zerolog.Nop())
			b.RegisterPool(orchtypes.ResourcePool{Type: orchtypes.PoolCPU, Total: 100, Unit: "cores"})

			var reservationIDs []string
			for i, amt := range amounts {
				res, err := b.Reserve(context.Background(), "orch", []Request{{Pool: orchtypes.PoolCPU, Amount: amt}}, nil, orchtypes.PriorityMedium)
				if err == nil {
					reservationIDs = append(reservationIDs, res.ID)
				}
				if i%3 == 0 && len(reservationIDs) > 0 {
					_ = b.Release(reservationIDs[0])
					reservationIDs = reservationIDs[1:]
				}

				util := b.Utilization()[orchtypes.PoolCPU]
				if util.Reserved+util.InUse > util.Total+0.0001 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.Float64Range(0, 40)),
	))

	properties.TestingRun(t)
}

// TestReleaseIsIdempotentProperty is R2: releasing the same reservation id
// any number of times has the same effect as releasing it once.
func TestReleaseIsIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated release leaves reserved amount unchanged after the first", prop.ForAll(
		func(releaseCount int) bool {
			b := New(DefaultConfig(), nil, nil, nil, zerolog.Nop())
			b.RegisterPool(orchtypes.ResourcePool{Type: orchtypes.PoolCPU, Total: 100, Unit: "cores"})

			res, err := b.Reserve(context.Background(), "orch", []Request{{Pool: orchtypes.PoolCPU, Amount: 10}}, nil, orchtypes.PriorityMedium)
			if err != nil {
				return false
			}

			for i := 0; i < releaseCount; i++ {
				if err := b.Release(res.ID); err != nil {
					return false
				}
			}

			return b.Utilization()[orchtypes.PoolCPU].Reserved == 0
		},
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
