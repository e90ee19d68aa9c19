package utils

import (
	"time"

	"github.com/google/uuid"
)

// GenerateUniqueFilename is a sortable export suffix: UTC timestamp plus a short random tail.
func GenerateUniqueFilename() string {
	return time.Now().UTC().Format("20060102T150405") + "_" + uuid.NewString()[:8]
}

// UniqueSlice drops repeated elements, keeping first-seen order.
func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]struct{}, len(slice))
	result := make([]T, 0, len(slice))
	for _, elm := range slice {
		if _, ok := seen[elm]; ok {
			continue
		}
		seen[elm] = struct{}{}
		result = append(result, elm)
	}
	return result
}

// DereferencePtr returns *ptr, or the optional default (zero value otherwise) for nil.
func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	var def T
	if len(defaults) > 0 {
		def = defaults[0]
	}
	return def
}
