package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

var testWorker = oplog.WorkerID{ComponentID: "calc", WorkerName: "w1"}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// build numbers payloads from index 0 with one-second timestamps.
func build(payloads ...oplog.Payload) []oplog.Entry {
	out := make([]oplog.Entry, len(payloads))
	for i, p := range payloads {
		out[i] = oplog.Entry{
			Index:     oplog.Index(i),
			Timestamp: baseTime.Add(time.Duration(i) * time.Second),
			Payload:   p,
		}
	}
	return out
}

// genLog turns a list of small opcodes into a well-formed log: invocations
// are opened before they are completed and regions are balanced.
func genLog(ops []int) []oplog.Entry {
	payloads := []oplog.Payload{&oplog.Create{ComponentVersion: 1}}
	open := false
	var regions []oplog.Index
	for i, op := range ops {
		next := oplog.Index(len(payloads))
		switch op % 7 {
		case 0:
			if !open {
				payloads = append(payloads, &oplog.ExportedFunctionInvoked{
					FunctionName:   "add",
					IdempotencyKey: oplog.IdempotencyKey(fmt.Sprintf("k%d", i)),
				})
				open = true
			}
		case 1:
			if open && len(regions) == 0 {
				payloads = append(payloads, &oplog.ExportedFunctionCompleted{Response: json.RawMessage(fmt.Sprint(i))})
				open = false
			}
		case 2:
			payloads = append(payloads, &oplog.ImportedFunctionInvoked{
				FunctionName: "rand",
				Response:     json.RawMessage(fmt.Sprint(op)),
				FunctionType: oplog.WrappedFunctionType{Class: oplog.ReadRemote},
			})
		case 3:
			payloads = append(payloads, &oplog.BeginAtomicRegion{})
			regions = append(regions, next)
		case 4:
			if len(regions) > 0 {
				payloads = append(payloads, &oplog.EndAtomicRegion{BeginIndex: regions[len(regions)-1]})
				regions = regions[:len(regions)-1]
			}
		case 5:
			payloads = append(payloads, &oplog.Error{Error: "boom"})
		case 6:
			payloads = append(payloads, &oplog.Log{Level: oplog.LogInfo, Message: fmt.Sprint(op)})
		}
	}
	return build(payloads...)
}

// replaysIdentically folds the generated log twice and compares fingerprints.
func replaysIdentically(ops []int) bool {
	entries := genLog(ops)
	a, err1 := Replay(context.Background(), testWorker, entries)
	b, err2 := Replay(context.Background(), testWorker, entries)
	if err1 != nil || err2 != nil {
		return false
	}
	fa, err1 := a.Fingerprint()
	fb, err2 := b.Fingerprint()
	return err1 == nil && err2 == nil && fa == fb
}
