/*
Package database opens the gorm connection used for bug persistence and
manages its connection pool.

Open picks the dialector from config.DatabaseConfig.Driver:

  - postgres: gorm.io/driver/postgres
  - mysql: gorm.io/driver/mysql
  - sqlite: github.com/glebarez/sqlite (pure Go, no cgo)

PoolManager applies the pool limits, pings the database in the background
and reports pool statistics for the readiness endpoint.
*/
package database
