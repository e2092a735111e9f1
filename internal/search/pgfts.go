package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// The tsvectors are computed on the fly: graphs are small enough per project
// that an expression index is not worth a migration.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across nodes and comments using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.ProjectID == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.ProjectID}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultNode {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'node'::text AS type, n.node_id AS id,
				coalesce(n.data->>'label', '') AS title,
				''::text AS snippet,
				n.project_id, n.node_id,
				ts_rank(to_tsvector('english', coalesce(n.data->>'label', '')), %s) AS rank
			FROM nodes n
			WHERE n.project_id = $2 AND n.deleted = FALSE
				AND to_tsvector('english', coalesce(n.data->>'label', '')) @@ %s`, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.comment_id AS id,
				c.author_name AS title,
				ts_headline('english', coalesce(c.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.project_id, coalesce(c.node_id, '') AS node_id,
				ts_rank(to_tsvector('english', coalesce(c.body, '')), %s) AS rank
			FROM comments c
			WHERE c.project_id = $2 AND c.deleted = FALSE
				AND to_tsvector('english', coalesce(c.body, '')) @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id, node_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.NodeID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		if r.Type == ResultNode {
			r.NodeID = r.ID
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadProjectRecords returns all live searchable records for one project,
// used to reindex into Meilisearch.
func (p *PgFTS) LoadProjectRecords(ctx context.Context, projectID string) ([]NodeRecord, []CommentRecord, error) {
	nodeRows, err := p.db.QueryContext(ctx, `
		SELECT node_id, coalesce(data->>'label', ''), project_id
		FROM nodes
		WHERE project_id = $1 AND deleted = FALSE
	`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("load nodes: %w", err)
	}
	defer nodeRows.Close()

	nodes := make([]NodeRecord, 0)
	for nodeRows.Next() {
		var n NodeRecord
		if err := nodeRows.Scan(&n.NodeID, &n.Label, &n.ProjectID); err != nil {
			return nil, nil, fmt.Errorf("scan node: %w", err)
		}
		n.ID = n.ProjectID + ":" + n.NodeID
		nodes = append(nodes, n)
	}
	if err := nodeRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate nodes: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT comment_id, coalesce(body, ''), author_name, project_id, coalesce(node_id, '')
		FROM comments
		WHERE project_id = $1 AND deleted = FALSE
	`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.CommentID, &c.Body, &c.AuthorName, &c.ProjectID, &c.NodeID); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		c.ID = c.ProjectID + ":" + c.CommentID
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return nodes, comments, nil
}
