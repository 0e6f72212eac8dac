package regen

import "github.com/chrofis/magicalstory/internal/types"

// Candidate is one scored regeneration attempt.
type Candidate struct {
	Attempt    int
	Image      []byte
	Evaluation types.EvaluationResult
}

// Score is the combined evaluation score of the candidate.
func (c Candidate) Score() float64 {
	return c.Evaluation.Score
}

// Outcome is the result of folding over a page's attempts.
type Outcome struct {
	Best     *Candidate
	Attempts int
	Errors   []error
}

// keepBest returns whichever of best and c scores higher. Ties keep the
// earlier candidate.
func keepBest(best *Candidate, c Candidate) *Candidate {
	if best == nil || c.Score() > best.Score() {
		return &c
	}
	return best
}

// BestOf runs up to maxAttempts attempts and keeps the highest-scoring
// candidate seen so far after each one. It stops early once the best score
// reaches acceptScore. Failed attempts count against the budget.
func BestOf(maxAttempts int, acceptScore float64, try func(attempt int) (Candidate, error)) Outcome {
	var out Outcome
	for n := 1; n <= maxAttempts; n++ {
		out.Attempts = n
		c, err := try(n)
		if err != nil {
			out.Errors = append(out.Errors, err)
			continue
		}
		c.Attempt = n
		out.Best = keepBest(out.Best, c)
		if acceptScore > 0 && out.Best.Score() >= acceptScore {
			break
		}
	}
	return out
}
