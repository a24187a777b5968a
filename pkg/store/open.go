package store

import (
	"strings"

	pay "github.com/birdhouse-social/birdpay/pkg"
)

// Open picks a journal from Store.DBFile: a postgres:// URL, a sqlite
// file name, or "mock". Empty means no journal (nil, nil).
func Open(config pay.Config) (pay.Store, error) {
	dsn := config.Store.DBFile
	switch {
	case dsn == "":
		return nil, nil
	case dsn == "mock":
		return NewMock(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		s, err := NewPostgresStore(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := NewSQLite(dsn)
	if err != nil {
		return nil, err
	}
	return s, nil
}
