package router

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-router/pkg/config"
	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
)

func srv(id string, priority int) config.ServerDescriptor {
	return config.ServerDescriptor{ID: id, Priority: priority, Enabled: true, Category: "general"}
}

// healthSet marks the listed ids unhealthy
type healthSet map[string]bool

func (h healthSet) IsHealthy(id string) bool { return !h[id] }

func intPtr(v int) *int { return &v }

func TestRouteScenario(t *testing.T) {
	r := New([]config.ServerDescriptor{srv("git", 5), srv("fallback", 1)}, nil,
		WithRules(
			Rule{Pattern: MustRegex(`^git\.`), ServerID: "git", Priority: 10},
			Rule{Pattern: MustRegex(`.*`), ServerID: "fallback", Priority: 1},
		))

	id, err := r.Route(RouteRequest{Method: "git.status"})
	require.NoError(t, err)
	assert.Equal(t, "git", id)

	id, err = r.Route(RouteRequest{Method: "unknown.op"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", id)
}

func TestRoutePriorityIsDeterministic(t *testing.T) {
	r := New([]config.ServerDescriptor{srv("a", 1), srv("b", 9), srv("c", 9)}, nil,
		WithRules(
			Rule{Pattern: Exact("files."), ServerID: "a", Priority: 3},
			Rule{Pattern: Exact("files."), ServerID: "b", Priority: 2},
			Rule{Pattern: Exact("files."), ServerID: "c", Priority: 1},
		))

	for i := 0; i < 5; i++ {
		id, err := r.Route(RouteRequest{Method: "files.read", Strategy: StrategyPriority})
		require.NoError(t, err)
		assert.Equal(t, "b", id, "highest descriptor priority, first on ties")
	}
}

func TestExactPatternIsSubstring(t *testing.T) {
	p := Exact("status")
	assert.True(t, p.Match("git.status"))
	assert.True(t, p.Match("status"))
	assert.False(t, p.Match("git.log"))
	assert.False(t, p.IsRegex())

	re := MustRegex(`^git\.`)
	assert.True(t, re.Match("git.log"))
	assert.False(t, re.Match("mygit.log"))
	assert.Equal(t, `^git\.`, re.String())

	_, err := Regex("(")
	assert.Error(t, err)
}

func TestRoundRobinVisitsEachCandidateOnce(t *testing.T) {
	servers := []config.ServerDescriptor{srv("s1", 1), srv("s2", 1), srv("s3", 1)}
	r := New(servers, nil, WithRules(
		Rule{Pattern: Exact("search"), ServerID: "s1"},
		Rule{Pattern: Exact("search"), ServerID: "s2"},
		Rule{Pattern: Exact("search"), ServerID: "s3"},
	))

	var first []string
	for i := 0; i < 3; i++ {
		id, err := r.Route(RouteRequest{Method: "search.query", Strategy: StrategyRoundRobin})
		require.NoError(t, err)
		first = append(first, id)
	}
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, first)

	for i := 0; i < 3; i++ {
		id, err := r.Route(RouteRequest{Method: "search.query", Strategy: StrategyRoundRobin})
		require.NoError(t, err)
		assert.Equal(t, first[i], id, "same cyclic order")
	}
}

func TestRoundRobinCounterSharedBySameCandidateSet(t *testing.T) {
	r := New([]config.ServerDescriptor{srv("x", 1), srv("y", 1)}, nil, WithRules(
		Rule{Pattern: Exact("fetch"), ServerID: "x"},
		Rule{Pattern: Exact("fetch"), ServerID: "y"},
	))

	a, _ := r.Route(RouteRequest{Method: "fetch.url", Strategy: StrategyRoundRobin})
	b, _ := r.Route(RouteRequest{Method: "web.fetch", Strategy: StrategyRoundRobin})
	assert.NotEqual(t, a, b)
}

func TestLeastConnections(t *testing.T) {
	r := New([]config.ServerDescriptor{srv("m1", 1), srv("m2", 1)}, nil, WithRules(
		Rule{Pattern: Exact("memory."), ServerID: "m1"},
		Rule{Pattern: Exact("memory."), ServerID: "m2"},
	))

	_, err := r.Route(RouteRequest{Method: "x", ServerID: "m1"})
	require.NoError(t, err)

	id, err := r.Route(RouteRequest{Method: "memory.get", Strategy: StrategyLeastConnections})
	require.NoError(t, err)
	assert.Equal(t, "m2", id)

	id, err = r.Route(RouteRequest{Method: "memory.get", Strategy: StrategyLeastConnections})
	require.NoError(t, err)
	assert.Equal(t, "m1", id, "ties go to candidate order")

	assert.Equal(t, map[string]int{"m1": 2, "m2": 1}, r.Loads())
}

func TestRandomStrategyUsesSource(t *testing.T) {
	r := New([]config.ServerDescriptor{srv("a", 1), srv("b", 1)}, nil,
		WithRules(
			Rule{Pattern: Exact("op"), ServerID: "a"},
			Rule{Pattern: Exact("op"), ServerID: "b"},
		),
		WithRandom(func(n int) int { return n - 1 }))

	id, err := r.Route(RouteRequest{Method: "op", Strategy: StrategyRandom})
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestNoRouteVersusNoAvailableServer(t *testing.T) {
	r := New([]config.ServerDescriptor{srv("git", 1)}, healthSet{"git": true},
		WithRules(Rule{Pattern: MustRegex(`^git\.`), ServerID: "git"}))

	_, err := r.Route(RouteRequest{Method: "memory.get"})
	assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindNoRouteFound))

	_, err = r.Route(RouteRequest{Method: "git.status"})
	assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindNoAvailableServer))
}

func TestFilteringRules(t *testing.T) {
	disabled := srv("off", 50)
	disabled.Enabled = false
	secure := srv("secure", 5)
	secure.Auth = config.AuthConfig{Kind: config.AuthAPIKey, CredentialRef: "TOKEN"}
	lowly := srv("lowly", 1)
	lowly.Category = "storage"

	servers := []config.ServerDescriptor{disabled, secure, lowly, srv("plain", 3), srv("sick", 9)}

	tests := []struct {
		name string
		rule Rule
		want string
	}{
		{"disabled server skipped", Rule{Pattern: Exact("op"), ServerID: "off", Priority: 100}, "plain"},
		{"unknown server skipped", Rule{Pattern: Exact("op"), ServerID: "ghost", Priority: 100}, "plain"},
		{"unhealthy server skipped", Rule{Pattern: Exact("op"), ServerID: "sick", Priority: 100}, "plain"},
		{"auth required and present", Rule{Pattern: Exact("op"), ServerID: "secure", Priority: 100,
			Conditions: Conditions{RequiresAuth: true}}, "secure"},
		{"auth required and missing", Rule{Pattern: Exact("op"), ServerID: "lowly", Priority: 100,
			Conditions: Conditions{RequiresAuth: true}}, "plain"},
		{"category matches", Rule{Pattern: Exact("op"), ServerID: "lowly", Priority: 100,
			Conditions: Conditions{RequiredCategory: "storage"}}, "lowly"},
		{"category differs", Rule{Pattern: Exact("op"), ServerID: "secure", Priority: 100,
			Conditions: Conditions{RequiredCategory: "storage"}}, "plain"},
		{"min priority met", Rule{Pattern: Exact("op"), ServerID: "secure", Priority: 100,
			Conditions: Conditions{MinPriority: intPtr(5)}}, "secure"},
		{"min priority not met", Rule{Pattern: Exact("op"), ServerID: "lowly", Priority: 100,
			Conditions: Conditions{MinPriority: intPtr(2)}}, "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(servers, healthSet{"sick": true}, WithRules(
				tt.rule,
				Rule{Pattern: Exact("op"), ServerID: "plain", Priority: 0},
			))
			// priority strategy would prefer the higher descriptor priority,
			// so pin a strategy that follows rule order
			id, err := r.Route(RouteRequest{Method: "op", Strategy: StrategyLeastConnections})
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestExplicitOverride(t *testing.T) {
	disabled := srv("off", 1)
	disabled.Enabled = false
	r := New([]config.ServerDescriptor{srv("up", 1), srv("down-server", 1), disabled}, healthSet{"down-server": true})

	id, err := r.Route(RouteRequest{Method: "x.y", ServerID: "up"})
	require.NoError(t, err)
	assert.Equal(t, "up", id)
	assert.Equal(t, 1, r.Load("up"))

	for _, target := range []string{"down-server", "off", "missing"} {
		_, err := r.Route(RouteRequest{Method: "x.y", ServerID: target})
		assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindServerUnavailable), target)
	}
}

// connSet marks the listed ids as having an unusable connection
type connSet map[string]bool

func (c connSet) Usable(id string) bool { return !c[id] }

func TestUnusableConnectionsAreFiltered(t *testing.T) {
	r := New([]config.ServerDescriptor{srv("a", 10), srv("b", 5)}, nil,
		WithConnections(connSet{"a": true}),
		WithRules(
			Rule{Pattern: Exact("op."), ServerID: "a", Priority: 10},
			Rule{Pattern: Exact("op."), ServerID: "b", Priority: 5},
			Rule{Pattern: Exact("only."), ServerID: "a", Priority: 1},
		))

	id, err := r.Route(RouteRequest{Method: "op.x"})
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	_, err = r.Route(RouteRequest{Method: "only.x"})
	assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindNoAvailableServer))

	_, err = r.Route(RouteRequest{Method: "op.x", ServerID: "a"})
	assert.True(t, rpcerrors.IsKind(err, rpcerrors.KindServerUnavailable))
	assert.Equal(t, 0, r.Load("a"))
}

func TestAddRuleTakesEffectImmediately(t *testing.T) {
	r := New([]config.ServerDescriptor{srv("git", 1), srv("fast-git", 1)}, nil,
		WithRules(Rule{Pattern: MustRegex(`^git\.`), ServerID: "git", Priority: 10}))

	id, _ := r.Route(RouteRequest{Method: "git.log"})
	assert.Equal(t, "git", id)

	r.AddRule(Rule{Pattern: Exact("git.log"), ServerID: "fast-git", Priority: 20})
	id, _ = r.Route(RouteRequest{Method: "git.log", Strategy: StrategyLeastConnections})
	assert.Equal(t, "fast-git", id)
}

func TestAddRuleOrdering(t *testing.T) {
	r := New(nil, nil, WithRules(
		Rule{Pattern: Exact("a"), Priority: 5},
		Rule{Pattern: Exact("b"), Priority: 5},
		Rule{Pattern: Exact("c"), Priority: 1},
	))

	r.AddRule(Rule{Pattern: Exact("new"), Priority: 5})
	r.AddRule(Rule{Pattern: Exact("top"), Priority: 7})

	var order []string
	for _, rule := range r.Rules() {
		order = append(order, rule.Pattern.String())
	}
	assert.Equal(t, []string{"top", "new", "a", "b", "c"}, order)
}

func TestRemoveRule(t *testing.T) {
	r := New(nil, nil, WithRules(
		Rule{Pattern: Exact("git."), ServerID: "a"},
		Rule{Pattern: MustRegex(`git\.`), ServerID: "b"},
		Rule{Pattern: Exact("git."), ServerID: "c"},
	))

	assert.Equal(t, 2, r.RemoveRule("git."))
	assert.Equal(t, 1, r.RemoveRule(`git\.`))
	assert.Equal(t, 0, r.RemoveRule("nothing"))
	assert.Empty(t, r.Rules())
}

func TestDefaultRulesCatchEverything(t *testing.T) {
	rules, err := RulesFromConfig(config.RoutingConfig{
		FallbackServer: "fallback",
		Rules: []config.RuleConfig{
			{Pattern: "git.", ServerID: "git", Priority: CatchAllPriority},
		},
	})
	require.NoError(t, err)
	require.Len(t, rules, 2)

	r := New([]config.ServerDescriptor{srv("git", 1), srv("fallback", 1)}, nil, WithRules(rules...))
	r.AddRule(Rule{Pattern: Exact("zzz"), ServerID: "git", Priority: -1000})

	id, err := r.Route(RouteRequest{Method: "anything.at.all", Strategy: StrategyLeastConnections})
	require.NoError(t, err)
	assert.Equal(t, "fallback", id)

	last := r.Rules()[len(r.Rules())-1]
	assert.Equal(t, CatchAllPriority, last.Priority)
}

func TestRuleFromConfig(t *testing.T) {
	rule, err := RuleFromConfig(config.RuleConfig{
		Pattern: `^search\.`, Regex: true, ServerID: "search", Priority: 4,
		RequiredCategory: "search", MinPriority: intPtr(2), RequiresAuth: true,
	})
	require.NoError(t, err)
	assert.True(t, rule.Pattern.IsRegex())
	assert.Equal(t, "search", rule.Conditions.RequiredCategory)
	assert.Equal(t, 2, *rule.Conditions.MinPriority)
	assert.True(t, rule.Conditions.RequiresAuth)

	_, err = RuleFromConfig(config.RuleConfig{Pattern: "(", Regex: true})
	assert.Error(t, err)
}

func TestLoadDecay(t *testing.T) {
	r := New([]config.ServerDescriptor{srv("a", 1), srv("b", 1)}, nil, WithDecay(10, 0.5))

	for i := 0; i < 4; i++ {
		_, err := r.Route(RouteRequest{ServerID: "b"})
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		_, err := r.Route(RouteRequest{ServerID: "a"})
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]int{"a": 10, "b": 4}, r.Loads())

	_, err := r.Route(RouteRequest{ServerID: "a"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 5, "b": 2}, r.Loads(), "11*0.5 and 4*0.5, floored")
}

func TestDefaultStrategySelector(t *testing.T) {
	tests := map[string]Strategy{
		"memory.store":   StrategyLeastConnections,
		"data.batchLoad": StrategyLeastConnections,
		"git.status":     StrategyPriority,
		"system.ping":    StrategyPriority,
		"search.query":   StrategyRoundRobin,
		"web.fetch":      StrategyRoundRobin,
		"tools.list":     "",
	}
	for method, want := range tests {
		assert.Equal(t, want, DefaultStrategySelector(method), method)
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy(" Round-Robin ")
	require.NoError(t, err)
	assert.Equal(t, StrategyRoundRobin, s)

	_, err = ParseStrategy("fastest")
	assert.Error(t, err)
}

func TestConcurrentRoutingAndMutation(t *testing.T) {
	servers := make([]config.ServerDescriptor, 0, 4)
	for i := 0; i < 4; i++ {
		servers = append(servers, srv(fmt.Sprintf("s%d", i), i))
	}
	r := New(servers, nil, WithRules(DefaultRules("s0")...))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := r.Route(RouteRequest{Method: "search.q", Strategy: StrategyRoundRobin})
				assert.NoError(t, err)
				if j%10 == 0 {
					r.AddRule(Rule{Pattern: Exact("search"), ServerID: fmt.Sprintf("s%d", i%4), Priority: j})
					r.RemoveRule("search")
				}
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, v := range r.Loads() {
		total += v
	}
	assert.Equal(t, 800, total)
}
