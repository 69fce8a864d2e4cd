package kv

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/dustin/go-humanize"
)

// Item is one stored entry in a usage report.
type Item struct {
	Key   string `json:"key"`
	Bytes int64  `json:"bytes"`
	Human string `json:"human"`
}

// Usage summarises how much durable storage the process holds.
type Usage struct {
	Items      []Item `json:"items"`
	TotalBytes int64  `json:"totalBytes"`
	TotalHuman string `json:"totalHuman"`
}

// Measure walks every key in the backend. Sizes count two bytes per UTF-16
// code unit of key and value, matching how browsers account storage quota.
func Measure(ctx context.Context, backend Backend) (Usage, error) {
	keys, err := backend.Keys(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("kv: usage keys: %w", err)
	}
	usage := Usage{Items: make([]Item, 0, len(keys))}
	for _, key := range keys {
		value, ok, err := backend.Get(ctx, key)
		if err != nil {
			return Usage{}, fmt.Errorf("kv: usage get %s: %w", key, err)
		}
		if !ok {
			continue
		}
		size := int64(utf16Len(key)+utf16Len(string(value))) * 2
		usage.Items = append(usage.Items, Item{Key: key, Bytes: size, Human: humanize.IBytes(uint64(size))})
		usage.TotalBytes += size
	}
	sort.SliceStable(usage.Items, func(i, j int) bool {
		if usage.Items[i].Bytes == usage.Items[j].Bytes {
			return usage.Items[i].Key < usage.Items[j].Key
		}
		return usage.Items[i].Bytes > usage.Items[j].Bytes
	})
	usage.TotalHuman = humanize.IBytes(uint64(usage.TotalBytes))
	return usage, nil
}

func utf16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}
