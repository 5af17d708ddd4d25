package dataset

import (
	"math/rand"
	"sort"
)

type SplitName string

const (
	SplitTrain      SplitName = "train"
	SplitValidation SplitName = "validation"
	SplitTest       SplitName = "test"
)

var Splits = []SplitName{SplitTrain, SplitValidation, SplitTest}

// Split assigns whole tiles to train, validation and test so no tile
// contributes chips to two splits. The shuffle is seeded, so the same
// tiles and seed always give the same assignment. Whatever is left after
// the train and validation shares goes to test.
func Split(tileIDs []string, trainRatio, validationRatio int, seed int64) map[string]SplitName {
	keys := make([]string, 0, len(tileIDs))
	seen := make(map[string]struct{}, len(tileIDs))
	for _, id := range tileIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, id)
	}
	sort.Strings(keys)

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})

	trainCount := (len(keys) * trainRatio) / 100
	validationCount := (len(keys) * validationRatio) / 100
	if trainCount == 0 && len(keys) > 0 && trainRatio > 0 {
		trainCount = 1
	}

	assignment := make(map[string]SplitName, len(keys))
	for i, k := range keys {
		switch {
		case i < trainCount:
			assignment[k] = SplitTrain
		case i < trainCount+validationCount:
			assignment[k] = SplitValidation
		default:
			assignment[k] = SplitTest
		}
	}
	return assignment
}
