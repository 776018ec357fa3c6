// Package graph resolves governance citations from a Neo4j policy
// graph. Resolution is strictly best-effort: the gateway behaves
// identically when the graph is absent, unreachable, or missing its
// schema, and no failure here ever reaches the decision pipeline.
package graph

import (
	"context"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/decision"
	"github.com/Sentinel-Gate/Toolgate/internal/port/outbound"
)

// resolveTimeout bounds one citation lookup. The pipeline never waits
// longer than this on the graph.
const resolveTimeout = 200 * time.Millisecond

// Labels and relationship types the citation queries depend on.
var (
	requiredLabels        = []string{"Policy", "ToolContract", "Control", "Incident"}
	requiredRelationships = []string{"REFERS_TO", "ENFORCES", "VIOLATED_BY"}
)

// Resolver queries the policy graph for citations.
type Resolver struct {
	driver neo4j.DriverWithContext
	logger *slog.Logger
}

// NewResolver creates a Resolver against the given bolt URI. The
// connection is verified eagerly; on failure the error is returned so
// the caller can decide to run without citations.
func NewResolver(ctx context.Context, uri, username, password string, logger *slog.Logger) (*Resolver, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, err
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return &Resolver{driver: driver, logger: logger}, nil
}

// Close releases the driver.
func (r *Resolver) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// SchemaReady reports whether the graph carries the labels and
// relationship types the citation queries need.
func (r *Resolver) SchemaReady(ctx context.Context) bool {
	labels := r.names(ctx, "CALL db.labels() YIELD label RETURN label AS name", nil)
	if !containsAll(labels, requiredLabels) {
		return false
	}
	rels := r.names(ctx, "CALL db.relationshipTypes() YIELD relationshipType RETURN relationshipType AS name", nil)
	return containsAll(rels, requiredRelationships)
}

// Resolve returns citations for a tool. Empty lists on any failure.
func (r *Resolver) Resolve(ctx context.Context, tool string) decision.Citations {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	params := map[string]any{"tool": tool}
	citations := decision.Citations{
		Policies: r.names(ctx,
			`MATCH (p:Policy)-[:REFERS_TO]->(t:ToolContract {name: $tool})
			 RETURN DISTINCT p.name AS name`, params),
		Controls: r.names(ctx,
			`MATCH (p:Policy)-[:REFERS_TO]->(t:ToolContract {name: $tool}),
			       (p)-[:ENFORCES]->(c:Control)
			 RETURN DISTINCT c.name AS name`, params),
		Incidents: r.names(ctx,
			`MATCH (i:Incident)-[:VIOLATED_BY]->(t:ToolContract {name: $tool})
			 RETURN DISTINCT i.title AS name`, params),
	}
	return citations.Normalize()
}

// names runs a single-column query and collects string values. Any
// error degrades to an empty slice, logged at debug.
func (r *Resolver) names(ctx context.Context, cypher string, params map[string]any) []string {
	result, err := neo4j.ExecuteQuery(ctx, r.driver, cypher, params, neo4j.EagerResultTransformer)
	if err != nil {
		r.logger.Debug("citation query failed", "error", err)
		return nil
	}
	return RecordNames(result.Records, "name")
}

// RecordNames extracts non-empty string values under key from records.
func RecordNames(records []*neo4j.Record, key string) []string {
	var out []string
	for _, rec := range records {
		v, ok := rec.Get(key)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// NoopResolver is used when no graph is configured. Always returns
// empty citations.
type NoopResolver struct{}

// Resolve implements the citation port with empty results.
func (NoopResolver) Resolve(ctx context.Context, tool string) decision.Citations {
	return decision.Citations{}.Normalize()
}

// Compile-time checks against the citation port.
var (
	_ outbound.CitationResolver = (*Resolver)(nil)
	_ outbound.CitationResolver = NoopResolver{}
)
