package postgres

import (
	"fmt"
	"net/url"
)

type Config struct {
	Username string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
	SSLMode  string
}

func (c Config) ToDBConnectionURI() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}

	values := u.Query()
	if c.SSLMode != "" {
		values.Set("sslmode", c.SSLMode)
	}
	if c.Schema != "" {
		values.Set("search_path", c.Schema)
	}
	u.RawQuery = values.Encode()

	return u.String()
}
