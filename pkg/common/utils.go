package common

import (
	"strings"
	"sync"

	nanoid "github.com/jaevor/go-nanoid"
)

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	refOnce sync.Once
	refGen  func() string
)

// GenerateTrxNo returns a 7 character upper-case alphanumeric reference.
func GenerateTrxNo() string {
	refOnce.Do(func() {
		gen, err := nanoid.CustomASCII(referenceAlphabet, 7)
		if err != nil {
			panic(err)
		}
		refGen = gen
	})
	return refGen()
}

// AccountReference builds the gateway account reference for a tab, capped at max characters.
func AccountReference(prefix, tabID string, max int) string {
	id := strings.ToUpper(strings.ReplaceAll(tabID, "-", ""))
	ref := prefix + id
	if len(ref) > max {
		ref = ref[:max]
	}
	if ref == prefix {
		ref = prefix + GenerateTrxNo()
		if len(ref) > max {
			ref = ref[:max]
		}
	}
	return ref
}
