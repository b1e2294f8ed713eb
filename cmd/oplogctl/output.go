package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
	"github.com/Mindburn-Labs/helm-durable/pkg/worker"
)

type entryView struct {
	Index     oplog.Index   `json:"index"`
	Timestamp time.Time     `json:"timestamp"`
	Kind      oplog.Kind    `json:"kind"`
	Hint      bool          `json:"hint,omitempty"`
	Payload   oplog.Payload `json:"payload"`
}

type pageView struct {
	Entries []entryView `json:"entries"`
	Next    string      `json:"next,omitempty"`
}

func viewPage(p worker.Page) pageView {
	v := pageView{Entries: make([]entryView, 0, len(p.Entries)), Next: p.Next}
	for _, e := range p.Entries {
		v.Entries = append(v.Entries, entryView{
			Index:     e.Index,
			Timestamp: e.Timestamp,
			Kind:      e.Kind(),
			Hint:      e.IsHint(),
			Payload:   e.Payload,
		})
	}
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writePage(w io.Writer, format string, p worker.Page) error {
	v := viewPage(p)
	if format == "json" {
		return writeJSON(w, v)
	}
	for _, e := range v.Entries {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("entry %d: %w", e.Index, err)
		}
		marker := " "
		if e.Hint {
			marker = "~"
		}
		_, _ = fmt.Fprintf(w, "%8d %s %s %-28s %s\n",
			e.Index, marker, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Kind, payload)
	}
	if v.Next != "" {
		_, _ = fmt.Fprintf(w, "next: %s\n", v.Next)
	}
	return nil
}

func writeFields(w io.Writer, format string, fields map[string]any) error {
	if format == "json" {
		return writeJSON(w, fields)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s: %v\n", k, fields[k])
	}
	return nil
}
