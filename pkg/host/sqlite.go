package host

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/sandbridge/pkg/protocol"
)

var (
	// ErrDatabase is the only database failure a plugin ever sees
	ErrDatabase = errors.New("database operation failed")

	// ErrInvalidQuery is returned for queries rejected before reaching the database
	ErrInvalidQuery = errors.New("invalid query")

	identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// DBService executes dbRequest queries for a plugin
type DBService interface {
	Execute(ctx context.Context, plugin string, q protocol.DBQuery) (any, error)
}

// SQLiteStore serves plugin queries from a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database at path
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewSQLiteStore(db, logger), nil
}

// NewSQLiteStore wraps an open database
func NewSQLiteStore(db *sql.DB, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "plugin-db").Logger(),
	}
}

// DB returns the underlying database
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Execute runs q. Driver errors are logged and replaced by ErrDatabase so SQL
// details never reach the plugin.
func (s *SQLiteStore) Execute(ctx context.Context, plugin string, q protocol.DBQuery) (any, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	var (
		result any
		err    error
	)
	switch q.Operation {
	case protocol.OpFindMany:
		result, err = s.findMany(ctx, q)
	case protocol.OpFindOne:
		q.Limit = 1
		var rows []map[string]any
		rows, err = s.findMany(ctx, q)
		if err == nil && len(rows) > 0 {
			result = rows[0]
		}
	case protocol.OpInsert:
		result, err = s.insert(ctx, q)
	case protocol.OpUpdate:
		result, err = s.update(ctx, q)
	case protocol.OpDelete:
		result, err = s.delete(ctx, q)
	}

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("plugin", plugin).
			Str("operation", string(q.Operation)).
			Str("table", q.Table).
			Msg("Plugin database operation failed")
		return nil, ErrDatabase
	}
	return result, nil
}

func validateQuery(q protocol.DBQuery) error {
	if !q.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidQuery, q.Operation)
	}
	if !identifierRegex.MatchString(q.Table) {
		return fmt.Errorf("%w: table name %q", ErrInvalidQuery, q.Table)
	}
	for col := range q.Where {
		if !identifierRegex.MatchString(col) {
			return fmt.Errorf("%w: column name %q", ErrInvalidQuery, col)
		}
	}
	for col := range q.Data {
		if !identifierRegex.MatchString(col) {
			return fmt.Errorf("%w: column name %q", ErrInvalidQuery, col)
		}
	}
	if q.OrderBy != "" && !identifierRegex.MatchString(strings.TrimPrefix(q.OrderBy, "-")) {
		return fmt.Errorf("%w: order by %q", ErrInvalidQuery, q.OrderBy)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalidQuery)
	}

	switch q.Operation {
	case protocol.OpInsert:
		if len(q.Data) == 0 {
			return fmt.Errorf("%w: insert needs data", ErrInvalidQuery)
		}
	case protocol.OpUpdate:
		if len(q.Data) == 0 {
			return fmt.Errorf("%w: update needs data", ErrInvalidQuery)
		}
		if len(q.Where) == 0 {
			return fmt.Errorf("%w: update needs a where clause", ErrInvalidQuery)
		}
	case protocol.OpDelete:
		if len(q.Where) == 0 {
			return fmt.Errorf("%w: delete needs a where clause", ErrInvalidQuery)
		}
	}
	return nil
}

func quote(ident string) string {
	return `"` + ident + `"`
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// whereClause renders equality conditions joined with AND. Nil matches NULL.
func whereClause(where map[string]any) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}

	conds := make([]string, 0, len(where))
	args := make([]any, 0, len(where))
	for _, col := range sortedKeys(where) {
		if where[col] == nil {
			conds = append(conds, quote(col)+" IS NULL")
			continue
		}
		conds = append(conds, quote(col)+" = ?")
		args = append(args, where[col])
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLiteStore) findMany(ctx context.Context, q protocol.DBQuery) ([]map[string]any, error) {
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(quote(q.Table))

	where, args := whereClause(q.Where)
	sb.WriteString(where)

	if q.OrderBy != "" {
		dir := "ASC"
		col := q.OrderBy
		if strings.HasPrefix(col, "-") {
			dir = "DESC"
			col = col[1:]
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s", quote(col), dir)
	}

	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit == 0 {
			limit = -1
		}
		sb.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) insert(ctx context.Context, q protocol.DBQuery) (map[string]any, error) {
	cols := sortedKeys(q.Data)
	quoted := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = quote(col)
		args[i] = q.Data[col]
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(q.Table),
		strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
	)

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "changes": int64(1)}, nil
}

func (s *SQLiteStore) update(ctx context.Context, q protocol.DBQuery) (map[string]any, error) {
	cols := sortedKeys(q.Data)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(q.Where))
	for i, col := range cols {
		sets[i] = quote(col) + " = ?"
		args = append(args, q.Data[col])
	}

	where, whereArgs := whereClause(q.Where)
	args = append(args, whereArgs...)

	stmt := fmt.Sprintf("UPDATE %s SET %s%s", quote(q.Table), strings.Join(sets, ", "), where)
	return s.exec(ctx, stmt, args)
}

func (s *SQLiteStore) delete(ctx context.Context, q protocol.DBQuery) (map[string]any, error) {
	where, args := whereClause(q.Where)
	return s.exec(ctx, "DELETE FROM "+quote(q.Table)+where, args)
}

func (s *SQLiteStore) exec(ctx context.Context, stmt string, args []any) (map[string]any, error) {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	return map[string]any{"changes": n}, nil
}
