package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/logger"
	"github.com/menome/thelink/backend/pkg/store"

	neo4jv5 "github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// GraphStorage implements store.GraphStorage on Neo4j 5.
type GraphStorage struct {
	driver   neo4jv5.DriverWithContext
	database string
	timeout  time.Duration
	// batchSize bounds the rows sent in one UNWIND.
	batchSize int
}

var _ store.GraphStorage = (*GraphStorage)(nil)

type NewGraphStorageParams struct {
	URI      string
	User     string
	Password string
	Database string

	Timeout     time.Duration
	MaxPoolSize int
	BatchSize   int
}

// NewGraphStorage connects to Neo4j and verifies connectivity. Failing to
// reach the server is returned as an error so the caller can treat it as a
// startup failure.
func NewGraphStorage(ctx context.Context, params NewGraphStorageParams) (*GraphStorage, error) {
	if strings.TrimSpace(params.URI) == "" {
		return nil, fmt.Errorf("neo4j: uri required")
	}
	if params.User == "" {
		params.User = "neo4j"
	}
	if params.Timeout <= 0 {
		params.Timeout = 10 * time.Second
	}
	if params.MaxPoolSize <= 0 {
		params.MaxPoolSize = 50
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 500
	}

	auth := neo4jv5.BasicAuth(params.User, params.Password, "")
	driver, err := neo4jv5.NewDriverWithContext(params.URI, auth, func(cfg *neo4jv5.Config) {
		cfg.MaxConnectionPoolSize = params.MaxPoolSize
		cfg.SocketConnectTimeout = params.Timeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: init driver: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}

	return &GraphStorage{
		driver:    driver,
		database:  params.Database,
		timeout:   params.Timeout,
		batchSize: params.BatchSize,
	}, nil
}

func (s *GraphStorage) Close(ctx context.Context) error {
	if s == nil || s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

// statement is one parameterised Cypher query. A statement with expect set
// returns a matched count and aborts the transaction when it is short.
type statement struct {
	cypher string
	params map[string]any
	expect int
}

func (s *GraphStorage) session(ctx context.Context, mode neo4jv5.AccessMode) neo4jv5.SessionWithContext {
	return s.driver.NewSession(ctx, neo4jv5.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.database,
	})
}

// deleted counts what a write removed.
type deleted struct {
	nodes int
	rels  int
}

// write runs statements in one transaction.
func (s *GraphStorage) write(ctx context.Context, op string, stmts ...statement) (deleted, error) {
	session := s.session(ctx, neo4jv5.AccessModeWrite)
	defer session.Close(ctx)

	res, err := session.ExecuteWrite(ctx, func(tx neo4jv5.ManagedTransaction) (any, error) {
		var d deleted
		for _, st := range stmts {
			result, err := tx.Run(ctx, st.cypher, st.params)
			if err != nil {
				return nil, err
			}
			if st.expect > 0 {
				if err := checkMatched(ctx, op, result, st.expect); err != nil {
					return nil, err
				}
				continue
			}
			summary, err := result.Consume(ctx)
			if err != nil {
				return nil, err
			}
			counters := summary.Counters()
			d.nodes += counters.NodesDeleted()
			d.rels += counters.RelationshipsDeleted()
		}
		return d, nil
	})
	if err != nil {
		return deleted{}, classify(op, err)
	}
	return res.(deleted), nil
}

func checkMatched(ctx context.Context, op string, result neo4jv5.ResultWithContext, expect int) error {
	record, err := result.Single(ctx)
	if err != nil {
		return err
	}
	v, _ := record.Get("matched")
	matched, _ := v.(int64)
	if int(matched) < expect {
		return apperr.NotFound(op, fmt.Errorf("%d of %d required nodes are missing", expect-int(matched), expect))
	}
	return nil
}

// read runs a single read-only statement and collects its records.
func (s *GraphStorage) read(ctx context.Context, op string, st statement) ([]*neo4jv5.Record, error) {
	session := s.session(ctx, neo4jv5.AccessModeRead)
	defer session.Close(ctx)

	res, err := session.ExecuteRead(ctx, func(tx neo4jv5.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, st.cypher, st.params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return res.([]*neo4jv5.Record), nil
}

// classify maps driver errors onto the error taxonomy. Retryable server
// errors (deadlocks, leader switches) become write conflicts and statement
// errors become query generation errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var neoErr *neo4jv5.Neo4jError
	if errors.As(err, &neoErr) {
		switch {
		case strings.HasPrefix(neoErr.Code, "Neo.ClientError.Statement."):
			return apperr.QueryGeneration(op, err)
		case neoErr.Code == "Neo.ClientError.Schema.ConstraintValidationFailed":
			return apperr.Conflict(op, err)
		}
	}
	if neo4jv5.IsRetryable(err) {
		return apperr.Conflict(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// EnsureSchema creates uniqueness constraints and vector indexes. Failures
// are logged and skipped so an older server can still serve writes.
func (s *GraphStorage) EnsureSchema(ctx context.Context, dimension int) error {
	session := s.session(ctx, neo4jv5.AccessModeWrite)
	defer session.Close(ctx)

	for _, q := range schemaStatements(dimension) {
		res, err := session.Run(ctx, q, nil)
		if err != nil {
			logger.Warn("[Graph] Schema statement failed (continuing)", "query", q, "err", err)
			continue
		}
		if _, err := res.Consume(ctx); err != nil {
			logger.Warn("[Graph] Schema statement failed (continuing)", "query", q, "err", err)
		}
	}
	return nil
}

func schemaStatements(dimension int) []string {
	stmts := []string{
		`CREATE CONSTRAINT community_id_unique IF NOT EXISTS FOR (c:Community) REQUIRE c.id IS UNIQUE`,
	}
	for _, label := range []string{
		store.LabelDocument, store.LabelPage, store.LabelChild,
		store.LabelSummary, store.LabelQuestion, store.LabelCategory,
	} {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE CONSTRAINT %s_uuid_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.uuid IS UNIQUE",
			strings.ToLower(label), label,
		))
	}
	indexes := []struct {
		name  store.VectorIndex
		label string
	}{
		{store.IndexPage, store.LabelPage},
		{store.IndexChild, store.LabelChild},
		{store.IndexSummary, store.LabelSummary},
		{store.IndexQuestion, store.LabelQuestion},
	}
	for _, idx := range indexes {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON n.embedding "+
				"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
			idx.name, idx.label, dimension,
		))
	}
	return stmts
}
