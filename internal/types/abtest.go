package types

import (
	"fmt"
	"hash/fnv"
	"math"
	"time"
)

// ABVariant is one arm of a message experiment. Title and Body, when set,
// replace the template for this variant; Instruction is appended to the
// generation prompt instead when the LLM path renders.
type ABVariant struct {
	ID          string  `json:"id"`
	Weight      float64 `json:"weight"`
	Title       string  `json:"title,omitempty"`
	Body        string  `json:"body,omitempty"`
	Instruction string  `json:"instruction,omitempty"`
}

// ABTest is a message experiment over one notification type. Variant weights
// sum to 1.0; each user is pinned to one variant for the test's lifetime.
type ABTest struct {
	ID          string      `json:"id"`
	NotifType   string      `json:"notif_type"`
	Description string      `json:"description,omitempty"`
	Active      bool        `json:"active"`
	Variants    []ABVariant `json:"variants"`
}

// ABResult is one logged outcome of an experiment delivery for a user.
type ABResult struct {
	TestID    string    `json:"test_id"`
	VariantID string    `json:"variant_id"`
	UserID    string    `json:"user_id"`
	Outcome   string    `json:"outcome"` // sent, open, click, dismiss, negative
	At        time.Time `json:"at"`
}

// Validate checks the experiment is well-formed: id, type and at least one
// variant, non-negative weights summing to 1.0.
func (t *ABTest) Validate() error {
	if t.ID == "" || t.NotifType == "" {
		return fmt.Errorf("experiment id and notification type are required")
	}
	if len(t.Variants) == 0 {
		return fmt.Errorf("experiment %s has no variants", t.ID)
	}
	sum := 0.0
	for _, v := range t.Variants {
		if v.ID == "" {
			return fmt.Errorf("experiment %s has a variant without an id", t.ID)
		}
		if v.Weight < 0 {
			return fmt.Errorf("experiment %s variant %s has negative weight", t.ID, v.ID)
		}
		sum += v.Weight
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("experiment %s variant weights sum to %.4f, want 1.0", t.ID, sum)
	}
	return nil
}

// AssignVariant pins a user to a variant by a stable hash of (test, user), so
// the same user always lands in the same arm and the split follows the
// variant weights across the population.
func (t *ABTest) AssignVariant(userID string) *ABVariant {
	if len(t.Variants) == 0 {
		return nil
	}
	h := fnv.New64a()
	h.Write([]byte(t.ID))
	h.Write([]byte{'|'})
	h.Write([]byte(userID))
	frac := float64(h.Sum64()) / float64(math.MaxUint64)

	cumulative := 0.0
	for i := range t.Variants {
		cumulative += t.Variants[i].Weight
		if frac < cumulative {
			return &t.Variants[i]
		}
	}
	// Rounding can leave the last sliver uncovered.
	return &t.Variants[len(t.Variants)-1]
}
