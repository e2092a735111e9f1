package util

import (
	"crypto/rand"
	"encoding/hex"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// presenceColors is the palette assigned to guests and users without a
// stored color. Indexed by a random byte so assignment is stable-ish per call.
var presenceColors = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#800000", "#808000",
}

func RandomColor() string {
	b := make([]byte, 1)
	_, _ = rand.Read(b)
	return presenceColors[int(b[0])%len(presenceColors)]
}
