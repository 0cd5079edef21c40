// Package batch implements the adaptive batch optimizer:
// it turns a sequence of code blocks plus rolling performance history into
// a batch size that respects the provider's token ceiling, the per-item
// token ceiling, a latency target, and a success-rate floor.
package batch

import (
	"strings"
)

// Stats is the rolling performance history fed into Next. Callers update
// it after each batch completes (see Recorder).
type Stats struct {
	AvgLatencyMS float64
	SuccessRate  float64 // 0..1
}

// Limits bounds the optimizer's output.
type Limits struct {
	MaxBatchTokens int     // provider token ceiling per batch
	MaxItemTokens  int     // per-item token ceiling
	TargetLatency  float64 // ms
	MinBatchSize   int
	MaxBatchSize   int
}

// DefaultLimits suits a mid-sized embedding provider tier.
func DefaultLimits() Limits {
	return Limits{
		MaxBatchTokens: 8000,
		MaxItemTokens:  4000,
		TargetLatency:  1500,
		MinBatchSize:   1,
		MaxBatchSize:   100,
	}
}

// Item is the minimal shape the optimizer needs from a code block: enough
// text to estimate tokens. Larger payloads (symbol metadata, imports) do
// not affect sizing.
type Item struct {
	ID      string
	Content string
}

// Decision is the optimizer's recommended batch size plus an explanation.
type Decision struct {
	Size       int
	Reason     string
	Confidence float64 // 0..1
	Rejected   []string // item IDs that exceed MaxItemTokens on their own
}

// EstimateTokens combines a length-based estimator (chars/4) and a
// complexity-based estimator (keywords, brackets, comments) with a 60/40
// weight.
func EstimateTokens(content string) (tokens int, confidence float64) {
	lengthEstimate := float64(len(content)) / 4.0
	complexityEstimate := complexityTokenEstimate(content)

	combined := 0.6*lengthEstimate + 0.4*complexityEstimate

	// Confidence is higher when the two estimators agree; lower spread
	// between them means the content is more "regular" code, which the
	// length heuristic models well.
	spread := lengthEstimate - complexityEstimate
	if spread < 0 {
		spread = -spread
	}
	rel := 0.0
	if combined > 0 {
		rel = spread / combined
	}
	confidence = 1.0 - rel
	if confidence < 0.1 {
		confidence = 0.1
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	return int(combined + 0.5), confidence
}

var complexityKeywords = []string{
	"func", "function", "class", "interface", "struct", "if", "else", "for",
	"while", "switch", "case", "return", "import", "package", "def", "async",
	"await", "try", "catch", "throw",
}

func complexityTokenEstimate(content string) float64 {
	lower := strings.ToLower(content)
	keywordHits := 0
	for _, kw := range complexityKeywords {
		keywordHits += strings.Count(lower, kw)
	}
	brackets := strings.Count(content, "{") + strings.Count(content, "}") +
		strings.Count(content, "(") + strings.Count(content, ")") +
		strings.Count(content, "[") + strings.Count(content, "]")
	comments := strings.Count(content, "//") + strings.Count(content, "#") + strings.Count(content, "/*")

	// Each keyword/bracket/comment roughly corresponds to a handful of
	// sub-tokens once a real tokenizer splits the surrounding identifiers.
	return float64(keywordHits)*3 + float64(brackets)*1.5 + float64(comments)*2
}

// safetyMargin returns the fractional padding applied to a batch's token
// estimate: 10% at full confidence, up to 30% at the floor
// "confidence-weighted safety margin".
func safetyMargin(confidence float64) float64 {
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return 0.30 - 0.20*confidence
}

// Next computes the next batch size for items, given rolling Stats and
// Limits. It never includes an item whose own token estimate exceeds
// MaxItemTokens — those are reported in Decision.Rejected for the caller
// to handle upstream (e.g. split or skip).
func Next(items []Item, stats Stats, limits Limits) Decision {
	if limits.MaxBatchSize <= 0 {
		limits.MaxBatchSize = DefaultLimits().MaxBatchSize
	}
	if limits.MinBatchSize <= 0 {
		limits.MinBatchSize = 1
	}

	base := limits.MaxBatchSize
	reasons := make([]string, 0, 4)

	// Latency feedback.
	if limits.TargetLatency > 0 && stats.AvgLatencyMS > 0 {
		if stats.AvgLatencyMS > limits.TargetLatency {
			ratio := stats.AvgLatencyMS / limits.TargetLatency
			base = int(float64(base) / ratio)
			reasons = append(reasons, "shrinking: latency above target")
		} else if stats.AvgLatencyMS < limits.TargetLatency*0.5 {
			base = int(float64(base) * 1.5)
			reasons = append(reasons, "growing: latency well below target")
		}
	}

	// Success-rate feedback.
	if stats.SuccessRate > 0 && stats.SuccessRate < 0.9 {
		base = int(float64(base) * 0.8)
		reasons = append(reasons, "shrinking: success rate below 90%")
	}

	if base < limits.MinBatchSize {
		base = limits.MinBatchSize
	}
	if base > limits.MaxBatchSize {
		base = limits.MaxBatchSize
	}

	// Token-budget walk: accumulate items (with safety margin) until the
	// per-batch token ceiling or item-count cap is hit.
	rejected := make([]string, 0)
	var confSum float64
	var confCount int
	total := 0
	size := 0
	for _, item := range items {
		if size >= base {
			break
		}
		est, conf := EstimateTokens(item.Content)
		if limits.MaxItemTokens > 0 && est > limits.MaxItemTokens {
			rejected = append(rejected, item.ID)
			continue
		}
		margin := safetyMargin(conf)
		padded := int(float64(est) * (1 + margin))
		if limits.MaxBatchTokens > 0 && total+padded > limits.MaxBatchTokens && size > 0 {
			reasons = append(reasons, "stopped: provider token ceiling reached")
			break
		}
		total += padded
		size++
		confSum += conf
		confCount++
	}

	if size == 0 && len(items) > 0 && len(rejected) < len(items) {
		size = 1
	}

	avgConfidence := 0.5
	if confCount > 0 {
		avgConfidence = confSum / float64(confCount)
	}

	reason := "batch size selected within limits"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	return Decision{
		Size:       size,
		Reason:     reason,
		Confidence: avgConfidence,
		Rejected:   rejected,
	}
}
