//go:build property
// +build property

package replay

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

func TestReplayDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("replaying the same log yields the same fingerprint", prop.ForAll(
		replaysIdentically,
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.Property("cursor serves every recorded imported call exactly once", prop.ForAll(
		func(ops []int) bool {
			entries := genLog(ops)
			state, cursor, err := Activate(context.Background(), testWorker, entries)
			if err != nil {
				return false
			}
			served := 0
			for !cursor.IsLive() {
				e, _ := cursor.Peek()
				if call, ok := e.Payload.(*oplog.ImportedFunctionInvoked); ok {
					if _, _, err := cursor.NextImported(call.FunctionName, call.Request); err != nil {
						return false
					}
					served++
					continue
				}
				if _, err := cursor.Expect(e.Kind()); err != nil {
					return false
				}
			}
			return served == len(state.Tape)
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
