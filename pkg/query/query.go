package query

import "strings"

// Query is a single executable SQL statement headed for a destination
// connection.
type Query struct {
	Query string
	Args  []interface{}
}

func New(q string, args ...interface{}) *Query {
	return &Query{Query: q, Args: args}
}

func (q Query) String() string {
	return strings.TrimSpace(q.Query)
}

func (q Query) IsEmpty() bool {
	return strings.TrimSpace(q.Query) == ""
}

// Result carries rows along with their column names, for callers that need
// to reason about the destination schema rather than just the values.
type Result struct {
	Columns []string
	Rows    [][]interface{}
}
