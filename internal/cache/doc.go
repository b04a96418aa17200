/*
Package cache owns the process-wide Redis connection.

Manager wraps a go-redis client. It namespaces keys with a configured
prefix, offers string and JSON helpers and pings Redis in the background.
The bus package builds its Redis knowledge store on a Manager, and the
federation package runs its Redis pub/sub transport on Manager.Client.
*/
package cache
