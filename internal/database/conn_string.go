package database

import (
	"cmp"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/rickgao/ovh-sniper/internal/config"
)

// BuildConnString builds a PostgreSQL connection string from config. A
// configured URL replaces the host and credential fields; parameters it
// already carries win over the configured ones.
func BuildConnString(cfg config.DBConfig) (string, error) {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	if cfg.URL != "" {
		parsed, err := url.Parse(cfg.URL)
		if err != nil {
			// url.Error repeats the input, password included.
			var uerr *url.Error
			if errors.As(err, &uerr) {
				err = uerr.Err
			}
			return "", fmt.Errorf("parse database url: %w", err)
		}
		u = parsed
	}

	q := u.Query()
	setDefault(q, "sslmode", cmp.Or(cfg.SSLMode, "prefer"))
	setDefault(q, "application_name", cfg.ApplicationName)
	if cfg.ConnectTimeout > 0 {
		setDefault(q, "connect_timeout", strconv.Itoa(int((cfg.ConnectTimeout+time.Second-1)/time.Second)))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func setDefault(q url.Values, key, value string) {
	if value != "" && q.Get(key) == "" {
		q.Set(key, value)
	}
}
