/*
Package federation links hives into a colony.

A Gateway subscribes to the shared topic and to its own direct topic on a
Transport. Two transports ship with the package: MemoryBroker for hives in
one process, and RedisTransport for hives sharing a Redis server.

Peers announce themselves on start and on every heartbeat. The registry
marks a hive degraded when a forwarded task times out and unreachable when
it stays silent longer than Config.StaleAfter.

SendTaskToHive returns the same dispatcher.Handle as a local assignment.
Tasks received from peers always run on the local dispatcher.

The Gateway also implements bus.Colony, carrying colony-scoped messages,
help replies and knowledge between buses.

Without a transport the gateway stays standalone and remote operations fail
with SERVICE_UNAVAILABLE.
*/
package federation
