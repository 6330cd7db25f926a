/*
Package partitionlock provides a keyed shared/exclusive lock.

Each partition can be held in one of two modes:

  - entry access, which is shared: any number of holders may hold it at once, and the same
    goroutine may nest it freely since holders have no identity;
  - whole-partition access, which is exclusive: it excludes entry holders and other
    whole-partition holders of the same partition.

Partitions never interact: a request only ever waits on state belonging to its own partition.

The lock gives whole-partition requests priority. As soon as a whole-partition request is
announced, new entry requests for that partition wait until it has been granted and released,
so a steady stream of entries cannot starve it. Waiting whole-partition requests for one
partition are granted in the order they arrived.

All waits honour context cancellation. A cancelled request leaves the partition exactly as if it
had never been made.
*/
package partitionlock
