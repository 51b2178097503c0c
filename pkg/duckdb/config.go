package duck

import "fmt"

type Config struct {
	Path string
}

func (c Config) ToDBConnectionURI() string {
	return c.Path
}

func (c Config) String() string {
	return fmt.Sprintf("duckdb:///%s", c.Path)
}
