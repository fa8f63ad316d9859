// Package shuffle provides the deterministic per-student question ordering.
//
// The same (seed, input) pair must produce the same permutation on every
// platform and on every run: a student who reloads the exam page, or resumes
// on another device, has to see the identical question order. That rules out
// math/rand (its sequence is not stable across Go releases), so the generator
// here is fixed arithmetic that will never change.
package shuffle

import (
	"strconv"

	"github.com/opencbt/examhall-backend/internal/model"
)

// hashSeed derives a 32-bit state from the seed's textual form using a
// polynomial rolling hash. The result is never zero: a zero state would make
// the xorshift generator emit zeros forever.
func hashSeed(seed string) uint32 {
	var h int32
	for _, b := range []byte(seed) {
		h = h*31 + int32(b)
	}
	if h < 0 {
		h = -h
	}
	if h == 0 {
		h = 0x1505 // arbitrary nonzero fallback for empty/degenerate seeds
	}
	return uint32(h)
}

// rng is a xorshift32 generator.
type rng struct {
	state uint32
}

func (r *rng) next() uint32 {
	x := r.state
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	r.state = x
	return x
}

// intn returns a value in [0, n).
func (r *rng) intn(n int) int {
	return int(r.next() % uint32(n))
}

// Order returns the permutation of indices [0, n) for the given seed.
func Order(n int, seed string) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	r := &rng{state: hashSeed(seed)}
	// Fisher-Yates, back to front, consuming the generator sequentially.
	for i := n - 1; i > 0; i-- {
		j := r.intn(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}

// Questions returns a new slice with the objective questions permuted by the
// seed and every theory question appended after them in authored order.
// Essay-style sections stay in a predictable place for human graders; only
// the machine-graded section is scrambled. The input slice is not mutated.
func Questions(questions []model.Question, seed string) []model.Question {
	objective := make([]model.Question, 0, len(questions))
	theory := make([]model.Question, 0)
	for _, q := range questions {
		if q.Kind.Objective() {
			objective = append(objective, q)
		} else {
			theory = append(theory, q)
		}
	}

	out := make([]model.Question, 0, len(questions))
	for _, idx := range Order(len(objective), seed) {
		out = append(out, objective[idx])
	}
	return append(out, theory...)
}

// StudentSeed builds the shuffle seed for one (exam, student) pair.
func StudentSeed(examID string, studentID int) string {
	// The textual form feeds the rolling hash; format changes would change
	// every student's order, so this stays fixed.
	return examID + ":" + strconv.Itoa(studentID)
}
