package queryanalyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeCallersScenario(t *testing.T) {
	a := Analyze("who calls UserService")
	assert.Equal(t, FindCallers, a.Intent)
	assert.Equal(t, "UserService", a.Symbol)
	assert.Contains(t, a.Backends, Backend("graph"))
	assert.Contains(t, a.Backends, Backend("bm25"))
	assert.NotContains(t, a.Backends, Backend("vector"))
}

func TestAnalyzeImplementationScenario(t *testing.T) {
	a := Analyze("how is UserService implemented")
	assert.Equal(t, FindImplementation, a.Intent)
	assert.Equal(t, "UserService", a.Symbol)
	assert.True(t, a.BoostExported)
}

func TestAnalyzeTestsScenario(t *testing.T) {
	a := Analyze("tests for X")
	assert.Equal(t, FindTests, a.Intent)
	assert.Equal(t, "X", a.Symbol)
	assert.True(t, a.TestFilesOnly)
}

func TestAnalyzeDependentsBeforeDependencies(t *testing.T) {
	a := Analyze("what depends on PaymentGateway")
	assert.Equal(t, FindDependents, a.Intent)
	assert.Equal(t, "PaymentGateway", a.Symbol)
}

func TestAnalyzeDependenciesPhrasing(t *testing.T) {
	a := Analyze("what does PaymentGateway depend on")
	assert.Equal(t, FindDependencies, a.Intent)
}

func TestAnalyzeBlastRadius(t *testing.T) {
	a := Analyze("blast radius of changing Config")
	assert.Equal(t, BlastRadius, a.Intent)
	assert.Equal(t, Weights{Vector: 0, BM25: 0, Graph: 1.0, LSP: 0}, a.Weights)
}

func TestAnalyzeSemanticSearchDefault(t *testing.T) {
	a := Analyze("something about rate limiting behavior across retries")
	assert.Equal(t, SemanticSearch, a.Intent)
}

func TestAnalyzeQuotedSymbolTakesPriority(t *testing.T) {
	a := Analyze(`find usages of "my weird symbol"`)
	assert.Equal(t, "my weird symbol", a.Symbol)
}

func TestEveryIntentHasNonEmptyBackendsAndPositiveWeightSum(t *testing.T) {
	queries := map[Intent]string{
		FindCallers:        "who calls Foo",
		FindCallees:        "what does Foo call",
		FindDependencies:   "dependencies of Foo",
		FindDependents:     "what depends on Foo",
		ImpactAnalysis:     "impact analysis of Foo",
		DependencyAnalysis: "dependency analysis for Foo",
		BlastRadius:        "blast radius of Foo",
		ChangeSafety:       "is it safe to change Foo",
		FindUsages:         "usages of Foo",
		FindByType:         "instances of type Foo",
		FindImplementation: "implementation of Foo",
		FindExamples:       "examples of Foo",
		FindPattern:        "pattern similar to Foo",
		FindTests:          "tests for Foo",
		SemanticSearch:     "tell me about the rate limiter design",
	}
	for intent, q := range queries {
		a := Analyze(q)
		assert.Equal(t, intent, a.Intent, "query %q", q)
		assert.NotEmpty(t, a.Backends, "intent %s", intent)
		sum := a.Weights.Vector + a.Weights.BM25 + a.Weights.Graph + a.Weights.LSP
		assert.Greater(t, sum, 0.0, "intent %s", intent)
	}
}

func TestExtractSymbolPascalAndCamelCase(t *testing.T) {
	assert.Equal(t, "UserService", ExtractSymbol("semantic search about UserService internals"))
	assert.Equal(t, "getUserById", ExtractSymbol("semantic search about getUserById internals"))
}
