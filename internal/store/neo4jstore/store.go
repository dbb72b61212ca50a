// Package neo4jstore backs the relation graph with Neo4j. Entities are
// :Entity nodes keyed by (name, scope_key); relations are :RELATES edges
// carrying the relation name and a mentions counter. All queries run inside
// managed sessions against the configured database.
package neo4jstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/store"
	"github.com/powermem/powermem/internal/types"
)

type Config struct {
	URI      string
	Username string
	Password string
	Database string
	// Timeout bounds connection setup. Zero means 10 seconds.
	Timeout time.Duration
	// MaxPoolSize caps driver connections. Zero means 50.
	MaxPoolSize int
}

type Store struct {
	driver   neo4j.DriverWithContext
	database string
	log      *logger.Logger
}

var _ store.GraphStore = (*Store)(nil)

func New(ctx context.Context, log *logger.Logger, cfg Config) (*Store, error) {
	const op = "neo4jstore.New"
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, types.E(types.KindValidation, op, "uri is required", nil)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxPool := cfg.MaxPoolSize
	if maxPool <= 0 {
		maxPool = 50
	}
	user := cfg.Username
	if user == "" {
		user = "neo4j"
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(user, cfg.Password, ""), func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = maxPool
		c.SocketConnectTimeout = timeout
	})
	if err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "init driver", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, types.E(types.KindBackendUnavailable, op, "verify connectivity", err)
	}

	s := &Store{driver: driver, database: cfg.Database, log: log.With("store", "Neo4jStore")}
	s.initSchema(ctx)
	return s, nil
}

// initSchema creates the uniqueness constraint and scope index. Best effort;
// restricted users may lack schema privileges.
func (s *Store) initSchema(ctx context.Context) {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT entity_name_scope_unique IF NOT EXISTS FOR (e:Entity) REQUIRE (e.name, e.scope_key) IS UNIQUE`,
		`CREATE INDEX entity_scope_idx IF NOT EXISTS FOR (e:Entity) ON (e.scope_key)`,
	}
	for _, stmt := range stmts {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			s.log.Warn("neo4j schema init failed (continuing)", "error", err)
			continue
		}
		_, _ = res.Consume(ctx)
	}
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.driver.Close(ctx)
}

func (s *Store) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
}

func (s *Store) readSession(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.database,
	})
}

// scopeKey flattens a scope into the single property nodes and edges are
// partitioned by.
func scopeKey(sc types.Scope) string {
	c := sc.Canonical()
	return strings.Join([]string{c.UserID, c.AgentID, c.RunID, c.ActorID}, "\x1f")
}

func scopeProps(sc types.Scope) map[string]any {
	c := sc.Canonical()
	return map[string]any{
		"scope_key": scopeKey(sc),
		"user_id":   c.UserID,
		"agent_id":  c.AgentID,
		"run_id":    c.RunID,
		"actor_id":  c.ActorID,
	}
}

func scopeFromRecord(get func(string) string) types.Scope {
	return types.Scope{
		UserID:  get("user_id"),
		AgentID: get("agent_id"),
		RunID:   get("run_id"),
		ActorID: get("actor_id"),
	}
}

func (s *Store) UpsertEntity(ctx context.Context, entity *types.GraphEntity) (*types.GraphEntity, error) {
	const op = "neo4jstore.UpsertEntity"
	name := types.NormalizeEntityName(entity.Name)
	if name == "" {
		return nil, types.E(types.KindValidation, op, "entity name is empty", nil)
	}
	now := time.Now().UTC()
	params := scopeProps(entity.Scope)
	params["name"] = name
	params["type"] = entity.Type
	params["now"] = now.Format(time.RFC3339Nano)

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (e:Entity {name: $name, scope_key: $scope_key})
ON CREATE SET e.created_at = $now,
              e.user_id = $user_id, e.agent_id = $agent_id,
              e.run_id = $run_id, e.actor_id = $actor_id
SET e.updated_at = $now
SET e.type = CASE WHEN $type <> '' THEN $type ELSE coalesce(e.type, '') END
`, params)
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "merge entity", err)
	}

	out := *entity
	out.Name = name
	out.Scope = entity.Scope.Canonical()
	out.UpdatedAt = now
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	return &out, nil
}

func (s *Store) UpsertEdge(ctx context.Context, edge *types.GraphEdge) (*types.GraphEdge, error) {
	const op = "neo4jstore.UpsertEdge"
	source := types.NormalizeEntityName(edge.Source)
	target := types.NormalizeEntityName(edge.Target)
	relation := strings.TrimSpace(edge.Relation)
	if source == "" || target == "" || relation == "" {
		return nil, types.E(types.KindValidation, op, "source, relation, and target are required", nil)
	}
	now := time.Now().UTC()
	params := scopeProps(edge.Scope)
	params["source"] = source
	params["target"] = target
	params["relation"] = relation
	params["now"] = now.Format(time.RFC3339Nano)

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	var mentions int64
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (a:Entity {name: $source, scope_key: $scope_key})
ON CREATE SET a.created_at = $now,
              a.user_id = $user_id, a.agent_id = $agent_id,
              a.run_id = $run_id, a.actor_id = $actor_id
MERGE (b:Entity {name: $target, scope_key: $scope_key})
ON CREATE SET b.created_at = $now,
              b.user_id = $user_id, b.agent_id = $agent_id,
              b.run_id = $run_id, b.actor_id = $actor_id
MERGE (a)-[r:RELATES {relation: $relation, scope_key: $scope_key}]->(b)
ON CREATE SET r.mentions = 1, r.created_at = $now,
              r.user_id = $user_id, r.agent_id = $agent_id,
              r.run_id = $run_id, r.actor_id = $actor_id
ON MATCH SET r.mentions = r.mentions + 1
SET r.updated_at = $now,
    a.updated_at = $now,
    b.updated_at = $now
RETURN r.mentions AS mentions
`, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if v, ok := rec.Get("mentions"); ok {
			mentions, _ = v.(int64)
		}
		return nil, nil
	})
	if err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "merge edge", err)
	}

	out := *edge
	out.Source = source
	out.Target = target
	out.Relation = relation
	out.Scope = edge.Scope.Canonical()
	out.Mentions = int(mentions)
	out.UpdatedAt = now
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	return &out, nil
}

func (s *Store) DeleteEdge(ctx context.Context, source, relation, target string, sc types.Scope) error {
	const op = "neo4jstore.DeleteEdge"
	params := map[string]any{
		"source":    types.NormalizeEntityName(source),
		"target":    types.NormalizeEntityName(target),
		"relation":  strings.TrimSpace(relation),
		"scope_key": scopeKey(sc),
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	var deleted int64
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Entity {name: $source, scope_key: $scope_key})
      -[r:RELATES {relation: $relation, scope_key: $scope_key}]->
      (b:Entity {name: $target, scope_key: $scope_key})
DELETE r
RETURN count(r) AS deleted
`, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if v, ok := rec.Get("deleted"); ok {
			deleted, _ = v.(int64)
		}
		return nil, nil
	})
	if err != nil {
		return types.E(types.KindBackendUnavailable, op, "delete edge", err)
	}
	if deleted == 0 {
		return types.E(types.KindNotFound, op,
			fmt.Sprintf("edge %s-[%s]->%s not found", params["source"], params["relation"], params["target"]), nil)
	}
	return nil
}

func (s *Store) EdgesBetween(ctx context.Context, source, target string, sc types.Scope) ([]*types.GraphEdge, error) {
	const op = "neo4jstore.EdgesBetween"
	params := map[string]any{
		"source":    types.NormalizeEntityName(source),
		"target":    types.NormalizeEntityName(target),
		"scope_key": scopeKey(sc),
	}

	session := s.readSession(ctx)
	defer session.Close(ctx)

	edges, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Entity {name: $source, scope_key: $scope_key})
      -[r:RELATES {scope_key: $scope_key}]->
      (b:Entity {name: $target, scope_key: $scope_key})
RETURN a.name AS source, r.relation AS relation, b.name AS target,
       r.mentions AS mentions, r.created_at AS created_at, r.updated_at AS updated_at,
       r.user_id AS user_id, r.agent_id AS agent_id, r.run_id AS run_id, r.actor_id AS actor_id
ORDER BY r.mentions DESC, r.updated_at DESC
`, params)
		if err != nil {
			return nil, err
		}
		return collectEdges(ctx, res)
	})
	if err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "match edges", err)
	}
	return edges.([]*types.GraphEdge), nil
}

func (s *Store) Neighbors(ctx context.Context, entity string, sc types.Scope, hops, maxEdgesPerHop int) ([]*types.GraphEdge, error) {
	const op = "neo4jstore.Neighbors"
	if hops <= 0 {
		hops = 1
	}
	if maxEdgesPerHop <= 0 {
		maxEdgesPerHop = 50
	}
	params := map[string]any{
		"seed":      types.NormalizeEntityName(entity),
		"scope_key": scopeKey(sc),
		"limit":     hops * maxEdgesPerHop,
	}

	session := s.readSession(ctx)
	defer session.Close(ctx)

	// Variable-length expansion with the hop bound baked into the pattern;
	// Cypher does not parameterize path lengths.
	query := fmt.Sprintf(`
MATCH (seed:Entity {name: $seed, scope_key: $scope_key})
MATCH (seed)-[:RELATES*0..%d {scope_key: $scope_key}]-(n:Entity)
MATCH (n)-[r:RELATES {scope_key: $scope_key}]-(m:Entity)
WITH DISTINCT r, startNode(r) AS a, endNode(r) AS b
RETURN a.name AS source, r.relation AS relation, b.name AS target,
       r.mentions AS mentions, r.created_at AS created_at, r.updated_at AS updated_at,
       r.user_id AS user_id, r.agent_id AS agent_id, r.run_id AS run_id, r.actor_id AS actor_id
ORDER BY r.mentions DESC, r.updated_at DESC
LIMIT $limit
`, hops-1)

	edges, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return collectEdges(ctx, res)
	})
	if err != nil {
		return nil, types.E(types.KindBackendUnavailable, op, "traverse neighbors", err)
	}
	return edges.([]*types.GraphEdge), nil
}

func (s *Store) DeleteAll(ctx context.Context, sc types.Scope) error {
	const op = "neo4jstore.DeleteAll"
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (e:Entity {scope_key: $scope_key})
DETACH DELETE e
`, map[string]any{"scope_key": scopeKey(sc)})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return types.E(types.KindBackendUnavailable, op, "delete scope graph", err)
	}
	return nil
}

func collectEdges(ctx context.Context, res neo4j.ResultWithContext) ([]*types.GraphEdge, error) {
	records, err := res.Collect(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.GraphEdge, 0, len(records))
	for _, rec := range records {
		getString := func(key string) string {
			v, ok := rec.Get(key)
			if !ok || v == nil {
				return ""
			}
			s, _ := v.(string)
			return s
		}
		var mentions int64
		if v, ok := rec.Get("mentions"); ok {
			mentions, _ = v.(int64)
		}
		edge := &types.GraphEdge{
			Source:   getString("source"),
			Relation: getString("relation"),
			Target:   getString("target"),
			Scope:    scopeFromRecord(getString),
			Mentions: int(mentions),
		}
		if t, err := time.Parse(time.RFC3339Nano, getString("created_at")); err == nil {
			edge.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, getString("updated_at")); err == nil {
			edge.UpdatedAt = t
		}
		out = append(out, edge)
	}
	return out, nil
}
